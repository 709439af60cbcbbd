package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
	"github.com/GoCodeAlone/stepengine/snapshot"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/task"
)

// CreateMachine creates a stack, or updates it when it already exists. The
// template is fetched first; the operation then runs with the fetched body.
// A successful run appends a snapshot of its inputs for later rollback.
type CreateMachine struct {
	deps Deps
}

// NewCreateMachine creates a CreateMachine.
func NewCreateMachine(deps Deps) *CreateMachine {
	return &CreateMachine{deps: deps}
}

// Type implements step.Machine.
func (m *CreateMachine) Type() string { return TypeCreate }

type createPlan struct {
	params   CreateParams
	conn     binding
	template binding
	region   string
}

func (m *CreateMachine) plan(ctx context.Context, exec *step.Execution, raw json.RawMessage) (*createPlan, error) {
	var p CreateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, step.Invalid(TypeCreate+" parameters", err)
	}
	conn, err := m.deps.bind(ctx, exec, p.Connector, access.PermissionUse)
	if err != nil {
		return nil, err
	}
	tmpl, err := m.deps.bind(ctx, exec, p.TemplateConnector, access.PermissionView)
	if err != nil {
		return nil, err
	}
	region, err := targetRegion(p.Region, conn.connector)
	if err != nil {
		return nil, step.Invalid(TypeCreate+" parameters", err)
	}
	return &createPlan{params: p, conn: conn, template: tmpl, region: region}, nil
}

// Validate implements step.Machine.
func (m *CreateMachine) Validate(ctx context.Context, exec *step.Execution, params json.RawMessage) error {
	plan, err := m.plan(ctx, exec, params)
	if err != nil {
		return err
	}
	return m.deps.authorize(ctx, exec, plan.conn, plan.template)
}

// Begin implements step.Machine. It dispatches the template fetch.
func (m *CreateMachine) Begin(ctx context.Context, exec *step.Execution, params json.RawMessage) (step.Decision, error) {
	plan, err := m.plan(ctx, exec, params)
	if err != nil {
		return nil, err
	}
	p := plan.params
	op := continuation.OperationCreate
	if p.ExistingResource {
		op = continuation.OperationUpdate
	}
	state := continuation.AwaitingFetch{
		Entity:           p.entity(),
		Target:           continuation.Target{Name: p.StackName, Region: plan.region},
		ConnectorID:      plan.conn.connector.ID,
		Operation:        op,
		TemplateRef:      templateRef(plan.template.connector, p.TemplatePath),
		Parameters:       p.Parameters,
		Capabilities:     p.Capabilities,
		ExistingResource: p.ExistingResource,
	}
	env, err := envelope(OpFetchTemplate, FetchRequest{
		ConnectorID: state.ConnectorID,
		StackName:   state.Target.Name,
		Region:      state.Target.Region,
		TemplateRef: state.TemplateRef,
	}, []string{UnitFetchTemplate}, selectors(exec, plan.conn.connector))
	if err != nil {
		return nil, err
	}
	return step.Dispatch{Envelope: env, State: state}, nil
}

// Resume implements step.Machine. A fetched template chains into the stack
// operation; anything else finalizes.
func (m *CreateMachine) Resume(ctx context.Context, exec *step.Execution, state continuation.State, result task.Result) (step.Decision, error) {
	switch s := state.(type) {
	case continuation.AwaitingFetch:
		fetched := classify.Classify(result, fetchSchema)
		if !fetched.Succeeded() {
			return step.Finalize{State: s}, nil
		}
		existing := s.ExistingResource
		if found, ok := fetched.Outcome.Bool("stackExists"); ok && found {
			existing = true
		}
		next := continuation.AwaitingRemoteOperation{
			Entity:           s.Entity,
			Operation:        continuation.OperationCreate,
			Target:           s.Target,
			ConnectorID:      s.ConnectorID,
			TemplateRef:      s.TemplateRef,
			Parameters:       s.Parameters,
			Capabilities:     s.Capabilities,
			ExistingResource: existing,
		}
		if existing {
			next.Operation = continuation.OperationUpdate
		}
		sel, err := m.deps.selectorsFor(ctx, exec, s.ConnectorID)
		if err != nil {
			return nil, err
		}
		return dispatchOperation(next, fetched.Outcome.Identifier("templateBody"), sel)
	case continuation.AwaitingRemoteOperation:
		return step.Finalize{State: s}, nil
	default:
		return nil, unexpected(TypeCreate, state)
	}
}

// Finalize implements step.Machine.
func (m *CreateMachine) Finalize(ctx context.Context, exec *step.Execution, state continuation.State, result task.Result) classify.Verdict {
	switch s := state.(type) {
	case continuation.AwaitingFetch:
		v := classify.Classify(result, fetchSchema)
		if v.Succeeded() {
			return classify.Fail(classify.Failure(classify.KindDataExchange,
				"template fetched but no stack operation ran", result.Progress()))
		}
		return v
	case continuation.AwaitingRemoteOperation:
		v := classify.Classify(result, applySchema)
		if !v.Succeeded() {
			return v
		}
		describe(v.Outcome, s.Entity, s)
		if id, ok := m.record(ctx, exec, s); ok {
			v.Outcome.Identifiers["snapshotExecutionId"] = id
		}
		return v
	default:
		return classify.Fail(classify.Failure(classify.KindDataExchange,
			fmt.Sprintf("%s cannot finalize from %s", TypeCreate, state.Kind()), result.Progress()))
	}
}

// record appends the snapshot a later rollback reads. A failed save is
// logged and does not fail the step: the stack already exists and
// reporting failure would invite a duplicate create.
func (m *CreateMachine) record(ctx context.Context, exec *step.Execution, s continuation.AwaitingRemoteOperation) (string, bool) {
	if m.deps.Snapshots == nil {
		return "", false
	}
	snap := &snapshot.Snapshot{
		Scope:       exec.Scope,
		Entity:      s.Entity,
		ExecutionID: executionID(exec),
		Inputs: snapshot.Inputs{
			StackName:    s.Target.Name,
			Region:       s.Target.Region,
			TemplateRef:  s.TemplateRef,
			Parameters:   s.Parameters,
			Capabilities: s.Capabilities,
		},
		ExistingResource: s.ExistingResource,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.deps.Snapshots.Save(ctx, snap); err != nil {
		m.deps.logger().Error("snapshot not recorded", "instance", exec.InstanceID, "entity", s.Entity, "error", err)
		return "", false
	}
	if p, ok := m.deps.Snapshots.(snapshot.Pruner); ok && m.deps.Retain > 0 {
		if n, err := p.Prune(ctx, exec.Scope, s.Entity, m.deps.Retain); err != nil {
			m.deps.logger().Warn("snapshot prune failed", "entity", s.Entity, "error", err)
		} else if n > 0 {
			m.deps.logger().Debug("snapshots pruned", "entity", s.Entity, "removed", n)
		}
	}
	return snap.ExecutionID, true
}

// executionID is the run that owns a snapshot; instances outside a run own
// their own.
func executionID(exec *step.Execution) string {
	if exec.Scope.Run != "" {
		return exec.Scope.Run
	}
	return exec.InstanceID
}
