package stack

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/task"
)

// DeleteMachine deletes the stack named in its parameters with a single
// dispatch.
type DeleteMachine struct {
	deps Deps
}

// NewDeleteMachine creates a DeleteMachine.
func NewDeleteMachine(deps Deps) *DeleteMachine {
	return &DeleteMachine{deps: deps}
}

// Type implements step.Machine.
func (m *DeleteMachine) Type() string { return TypeDelete }

func (m *DeleteMachine) plan(ctx context.Context, exec *step.Execution, raw json.RawMessage) (*DeleteParams, binding, string, error) {
	var p DeleteParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, binding{}, "", step.Invalid(TypeDelete+" parameters", err)
	}
	conn, err := m.deps.bind(ctx, exec, p.Connector, access.PermissionManage)
	if err != nil {
		return nil, binding{}, "", err
	}
	region, err := targetRegion(p.Region, conn.connector)
	if err != nil {
		return nil, binding{}, "", step.Invalid(TypeDelete+" parameters", err)
	}
	return &p, conn, region, nil
}

// Validate implements step.Machine. Deleting requires manage permission on
// the connector.
func (m *DeleteMachine) Validate(ctx context.Context, exec *step.Execution, params json.RawMessage) error {
	_, conn, _, err := m.plan(ctx, exec, params)
	if err != nil {
		return err
	}
	return m.deps.authorize(ctx, exec, conn)
}

// Begin implements step.Machine.
func (m *DeleteMachine) Begin(ctx context.Context, exec *step.Execution, params json.RawMessage) (step.Decision, error) {
	p, conn, region, err := m.plan(ctx, exec, params)
	if err != nil {
		return nil, err
	}
	entity := p.ProvisionerID
	if entity == "" {
		entity = p.StackName
	}
	state := continuation.AwaitingRemoteOperation{
		Entity:      entity,
		Operation:   continuation.OperationDelete,
		Target:      continuation.Target{Name: p.StackName, Region: region},
		ConnectorID: conn.connector.ID,
	}
	return dispatchOperation(state, "", selectors(exec, conn.connector))
}

// Resume implements step.Machine.
func (m *DeleteMachine) Resume(_ context.Context, _ *step.Execution, state continuation.State, _ task.Result) (step.Decision, error) {
	switch s := state.(type) {
	case continuation.AwaitingRemoteOperation:
		return step.Finalize{State: s}, nil
	default:
		return nil, unexpected(TypeDelete, state)
	}
}

// Finalize implements step.Machine.
func (m *DeleteMachine) Finalize(_ context.Context, _ *step.Execution, state continuation.State, result task.Result) classify.Verdict {
	s, ok := state.(continuation.AwaitingRemoteOperation)
	if !ok {
		return classify.Fail(classify.Failure(classify.KindDataExchange,
			fmt.Sprintf("%s cannot finalize from %s", TypeDelete, state.Kind()), result.Progress()))
	}
	v := classify.Classify(result, deleteSchema)
	if v.Succeeded() {
		describe(v.Outcome, s.Entity, s)
	}
	return v
}
