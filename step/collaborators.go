package step

import (
	"context"
	"time"

	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/dispatch"
	"github.com/GoCodeAlone/stepengine/scope"
	"github.com/GoCodeAlone/stepengine/task"
)

// InstanceStore persists step instances across suspension.
type InstanceStore interface {
	// Create stores a new instance or returns ErrInstanceExists.
	Create(ctx context.Context, inst *Instance) error
	Save(ctx context.Context, inst *Instance) error
	// Load returns ErrInstanceNotFound for unknown ids.
	Load(ctx context.Context, id string) (*Instance, error)
}

// CorrelationTable maps in-flight correlation ids to the instance awaiting
// them.
type CorrelationTable interface {
	Register(ctx context.Context, correlationID, instanceID string, deadline time.Time) error
	// Take atomically removes the mapping and returns the instance id. Only
	// one caller can take a given id; the rest get ErrCorrelationNotFound.
	Take(ctx context.Context, correlationID string) (string, error)
	// Expired lists up to limit correlation ids whose deadline is before now.
	Expired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// OutcomeSink publishes a successful step's outcome under its name within
// the run.
type OutcomeSink interface {
	Publish(ctx context.Context, run scope.Scope, name string, outcome *classify.Outcome) error
}

// OutcomeReader looks up outcomes published earlier in the same run. It
// returns ErrOutcomeNotFound when nothing was published under name.
type OutcomeReader interface {
	Lookup(ctx context.Context, run scope.Scope, name string) (*classify.Outcome, error)
}

// Dispatcher sends envelopes to workers. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *task.Envelope) (dispatch.Handle, error)
	Cancel(ctx context.Context, correlationID, reason string) error
}

// PriorOutcome returns the outcome an earlier step of the same run published
// under name.
func (e *Execution) PriorOutcome(ctx context.Context, name string) (*classify.Outcome, error) {
	if e.outcomes == nil {
		return nil, ErrOutcomeNotFound
	}
	return e.outcomes.Lookup(ctx, e.Scope, name)
}
