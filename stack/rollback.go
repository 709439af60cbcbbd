package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
	"github.com/GoCodeAlone/stepengine/snapshot"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/task"
)

// Sources a rollback can reconstruct the forward run from.
const (
	SourceInherited = "inherited"
	SourceSnapshot  = "snapshot"
)

// RollbackMachine reverses the last successful forward run for an entity.
// When that run operated on a stack the engine did not create, rollback
// re-applies the recorded configuration; otherwise it deletes the stack at
// the recorded name and region.
type RollbackMachine struct {
	deps Deps
}

// NewRollbackMachine creates a RollbackMachine.
func NewRollbackMachine(deps Deps) *RollbackMachine {
	return &RollbackMachine{deps: deps}
}

// Type implements step.Machine.
func (m *RollbackMachine) Type() string { return TypeRollback }

func (m *RollbackMachine) plan(ctx context.Context, exec *step.Execution, raw json.RawMessage) (*RollbackParams, binding, error) {
	var p RollbackParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, binding{}, step.Invalid(TypeRollback+" parameters", err)
	}
	conn, err := m.deps.bind(ctx, exec, p.Connector, access.PermissionUse)
	if err != nil {
		return nil, binding{}, err
	}
	return &p, conn, nil
}

// Validate implements step.Machine.
func (m *RollbackMachine) Validate(ctx context.Context, exec *step.Execution, params json.RawMessage) error {
	_, conn, err := m.plan(ctx, exec, params)
	if err != nil {
		return err
	}
	return m.deps.authorize(ctx, exec, conn)
}

// forwardRun is the forward operation a rollback reverses.
type forwardRun struct {
	inputs      snapshot.Inputs
	existing    bool
	executionID string
	source      string
}

// Begin implements step.Machine. Nothing to reverse is a Skip, not a
// failure.
func (m *RollbackMachine) Begin(ctx context.Context, exec *step.Execution, params json.RawMessage) (step.Decision, error) {
	p, conn, err := m.plan(ctx, exec, params)
	if err != nil {
		return nil, err
	}
	fwd, err := m.forward(ctx, exec, p)
	if err != nil {
		return nil, err
	}
	if fwd == nil {
		return step.Skip{Reason: fmt.Sprintf("no successful forward operation found for %s; nothing to roll back", p.ProvisionerID)}, nil
	}

	state := continuation.AwaitingRemoteOperation{
		Entity:              p.ProvisionerID,
		Operation:           continuation.OperationDelete,
		Target:              continuation.Target{Name: fwd.inputs.StackName, Region: fwd.inputs.Region},
		ConnectorID:         conn.connector.ID,
		Rollback:            true,
		SnapshotExecutionID: fwd.executionID,
	}
	if fwd.existing {
		state.Operation = continuation.OperationUpdate
		state.ExistingResource = true
		state.TemplateRef = fwd.inputs.TemplateRef
		state.Parameters = fwd.inputs.Parameters
		state.Capabilities = fwd.inputs.Capabilities
	}
	m.deps.logger().Info("rolling back stack",
		"instance", exec.InstanceID, "entity", p.ProvisionerID, "source", fwd.source,
		"operation", state.Operation, "stack", state.Target.Name, "region", state.Target.Region)
	return dispatchOperation(state, "", selectors(exec, conn.connector))
}

// forward finds the run to reverse. An outcome inherited from an earlier
// step of the same run wins over the snapshot store; nil means neither
// source knows the entity.
func (m *RollbackMachine) forward(ctx context.Context, exec *step.Execution, p *RollbackParams) (*forwardRun, error) {
	if p.InheritFrom != "" {
		o, err := exec.PriorOutcome(ctx, p.InheritFrom)
		switch {
		case errors.Is(err, step.ErrOutcomeNotFound):
			// fall back to the snapshot store
		case err != nil:
			return nil, step.Invalid("read outcome of "+p.InheritFrom, err)
		default:
			if fwd, ok := inherited(o, p.ProvisionerID); ok {
				fwd.executionID = executionID(exec)
				return fwd, nil
			}
		}
	}

	if m.deps.Snapshots == nil {
		return nil, nil
	}
	snap, err := m.deps.Snapshots.FindLatest(ctx, exec.Scope, p.ProvisionerID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, step.Invalid("find snapshot for "+p.ProvisionerID, err)
	}
	return &forwardRun{
		inputs:      snap.Inputs,
		existing:    snap.ExistingResource,
		executionID: snap.ExecutionID,
		source:      SourceSnapshot,
	}, nil
}

// inherited reads a forward run back out of an outcome written by
// describe. Outcomes for another entity, or of a delete, do not count.
func inherited(o *classify.Outcome, entity string) (*forwardRun, bool) {
	if o.Identifier("provisionerId") != entity {
		return nil, false
	}
	op := continuation.Operation(o.Identifier("operation"))
	if op != continuation.OperationCreate && op != continuation.OperationUpdate {
		return nil, false
	}
	name, region := o.Identifier("stackName"), o.Identifier("region")
	if name == "" || region == "" {
		return nil, false
	}
	existing, _ := o.Bool("existingResource")
	return &forwardRun{
		inputs: snapshot.Inputs{
			StackName:    name,
			Region:       region,
			TemplateRef:  o.Identifier("templateRef"),
			Parameters:   stringMap(o.Values["parameters"]),
			Capabilities: stringSlice(o.Values["capabilities"]),
		},
		existing: existing,
		source:   SourceInherited,
	}, true
}

// stringMap accepts both the in-process and the JSON-decoded form.
func stringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, x := range m {
			if s, ok := x.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Resume implements step.Machine.
func (m *RollbackMachine) Resume(_ context.Context, _ *step.Execution, state continuation.State, _ task.Result) (step.Decision, error) {
	switch s := state.(type) {
	case continuation.AwaitingRemoteOperation:
		return step.Finalize{State: s}, nil
	default:
		return nil, unexpected(TypeRollback, state)
	}
}

// Finalize implements step.Machine.
func (m *RollbackMachine) Finalize(_ context.Context, _ *step.Execution, state continuation.State, result task.Result) classify.Verdict {
	s, ok := state.(continuation.AwaitingRemoteOperation)
	if !ok {
		return classify.Fail(classify.Failure(classify.KindDataExchange,
			fmt.Sprintf("%s cannot finalize from %s", TypeRollback, state.Kind()), result.Progress()))
	}
	v := classify.Classify(result, schemaFor(s.Operation))
	if v.Succeeded() {
		describe(v.Outcome, s.Entity, s)
		v.Outcome.Identifiers["rolledBackExecution"] = s.SnapshotExecutionID
	}
	return v
}
