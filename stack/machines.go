package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
	"github.com/GoCodeAlone/stepengine/snapshot"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/task"
)

// Deps are the collaborators shared by the stack machines.
type Deps struct {
	Catalog    access.Catalog
	Authorizer access.Authorizer
	Snapshots  snapshot.Store
	// Retain is how many snapshots per entity survive a successful forward
	// run when Snapshots is also a snapshot.Pruner. Zero keeps all.
	Retain int
	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Machines returns every stack machine built on deps.
func Machines(deps Deps) []step.Machine {
	return []step.Machine{
		NewCreateMachine(deps),
		NewDeleteMachine(deps),
		NewRollbackMachine(deps),
	}
}

// binding is a reference resolved against the catalog.
type binding struct {
	ref       access.Reference
	connector *access.Connector
}

// bind resolves a raw connector reference and looks it up. It performs no
// authorization.
func (d Deps) bind(ctx context.Context, exec *step.Execution, raw string, perm access.Permission) (binding, error) {
	ref, err := access.ResolveRef(exec.Scope, access.KindConnector, raw, perm)
	if err != nil {
		return binding{}, step.Invalid("resolve connector", err)
	}
	conn, err := d.Catalog.Lookup(ctx, ref)
	if err != nil {
		return binding{}, step.Invalid("lookup connector", err)
	}
	return binding{ref: ref, connector: conn}, nil
}

// authorize checks every binding for the executing principal.
func (d Deps) authorize(ctx context.Context, exec *step.Execution, bs ...binding) error {
	refs := make([]access.Reference, 0, len(bs))
	for _, b := range bs {
		refs = append(refs, b.ref)
	}
	if err := d.Authorizer.Authorize(ctx, exec.Principal, refs); err != nil {
		return step.Invalid("authorize", err)
	}
	return nil
}

func templateRef(conn *access.Connector, path string) string {
	return conn.ID + ":" + path
}

// selectors merges the instance's selectors with the connector's.
func selectors(exec *step.Execution, conn *access.Connector) []string {
	return task.NormalizeSelectors(append(slices.Clone(exec.Selectors), conn.Selectors...))
}

func envelope(op string, params any, units []string, sel []string) (*task.Envelope, error) {
	blob, err := json.Marshal(params)
	if err != nil {
		return nil, step.Invalid("encode "+op+" parameters", err)
	}
	return &task.Envelope{
		OperationType: op,
		Parameters:    blob,
		ProgressUnits: units,
		Selectors:     sel,
	}, nil
}

// dispatchOperation builds the envelope for the remote operation in s.
func dispatchOperation(s continuation.AwaitingRemoteOperation, templateBody string, sel []string) (step.Decision, error) {
	env, err := envelope(operationType(s.Operation), operationRequest(s, templateBody), operationUnits(s.Operation), sel)
	if err != nil {
		return nil, err
	}
	return step.Dispatch{Envelope: env, State: s}, nil
}

// unexpected fails a step that was resumed in a state its machine never
// suspends in.
func unexpected(machine string, state continuation.State) error {
	return step.Invalidf("%s: unexpected continuation %s", machine, state.Kind())
}

// describe adds the target to a successful operation's outcome so later
// steps of the run, rollback in particular, can read it back.
func describe(o *classify.Outcome, entity string, s continuation.AwaitingRemoteOperation) {
	if o.Identifiers == nil {
		o.Identifiers = make(map[string]string)
	}
	if o.Values == nil {
		o.Values = make(map[string]any)
	}
	o.Identifiers["provisionerId"] = entity
	o.Identifiers["stackName"] = s.Target.Name
	o.Identifiers["region"] = s.Target.Region
	o.Identifiers["operation"] = string(s.Operation)
	if s.TemplateRef != "" {
		o.Identifiers["templateRef"] = s.TemplateRef
	}
	o.Values["existingResource"] = s.ExistingResource
	if len(s.Parameters) > 0 {
		o.Values["parameters"] = s.Parameters
	}
	if len(s.Capabilities) > 0 {
		o.Values["capabilities"] = s.Capabilities
	}
}

func targetRegion(explicit string, conn *access.Connector) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if conn.Region != "" {
		return conn.Region, nil
	}
	return "", fmt.Errorf("region is required: connector %s has no default region", conn.ID)
}

// selectorsFor re-reads a connector's selectors while resuming, when only
// its identifier survived in the continuation.
func (d Deps) selectorsFor(ctx context.Context, exec *step.Execution, connectorID string) ([]string, error) {
	conn, err := d.Catalog.Lookup(ctx, access.Reference{Kind: access.KindConnector, Identifier: connectorID, Raw: connectorID})
	if err != nil {
		return nil, step.Invalid("lookup connector", err)
	}
	return selectors(exec, conn), nil
}
