// Package step drives resumable, multi-stage step instances. A step type is
// a Machine; the Executor owns the lifecycle around it: validation,
// persistence of the continuation before each dispatch, resumption when the
// worker's result arrives, and the single terminal classification.
package step

import (
	"context"
	"encoding/json"

	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
	"github.com/GoCodeAlone/stepengine/task"
)

// Machine is one step type. Implementations hold their collaborators
// (resolver, snapshot store, catalog) as fields set by their constructor and
// keep no per-instance state: everything an instance needs between calls
// lives in the continuation.
type Machine interface {
	// Type is the step type name, e.g. "stack.create".
	Type() string
	// Validate resolves and authorizes every reference in params. It must not
	// cause remote side effects. A non-nil error fails the instance with a
	// ValidationError.
	Validate(ctx context.Context, exec *Execution, params json.RawMessage) error
	// Begin returns either a Dispatch or a Skip.
	Begin(ctx context.Context, exec *Execution, params json.RawMessage) (Decision, error)
	// Resume consumes the result of the envelope dispatched with state and
	// returns either a follow-up Dispatch or Finalize.
	Resume(ctx context.Context, exec *Execution, state continuation.State, result task.Result) (Decision, error)
	// Finalize classifies the terminal result. It is called exactly once per
	// instance, after Resume returned Finalize.
	Finalize(ctx context.Context, exec *Execution, state continuation.State, result task.Result) classify.Verdict
}

// Decision is what a Machine wants to happen next: Dispatch, Skip or
// Finalize.
type Decision interface {
	decision()
}

// Dispatch sends Envelope to a worker and suspends the instance with State
// until the result arrives. An empty CorrelationID is filled in by the
// executor, as are Timeout and Selectors when unset.
type Dispatch struct {
	Envelope *task.Envelope
	State    continuation.State
}

// Skip ends the instance without dispatching anything.
type Skip struct {
	Reason string
}

// Finalize ends the instance by classifying the result just received.
type Finalize struct {
	State continuation.State
}

func (Dispatch) decision() {}
func (Skip) decision()     {}
func (Finalize) decision() {}
