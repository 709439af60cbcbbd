package step

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/scope"
	"github.com/GoCodeAlone/stepengine/task"
)

// Instance is one execution of one step within a pipeline run. It is the
// unit persisted across suspension, so every field round-trips through JSON.
type Instance struct {
	ID        string           `json:"id"`
	StepType  string           `json:"stepType"`
	Name      string           `json:"name"`
	Scope     scope.Scope      `json:"scope"`
	Principal access.Principal `json:"principal"`
	Params    json.RawMessage  `json:"params,omitempty"`
	Timeout   time.Duration    `json:"timeout"`
	Selectors []string         `json:"selectors,omitempty"`

	Phase Phase `json:"phase"`
	// InFlight is the correlation id of the envelope being awaited.
	InFlight     string    `json:"inFlight,omitempty"`
	DispatchedAt time.Time `json:"dispatchedAt,omitempty"`
	Continuation []byte    `json:"continuation,omitempty"`
	Dispatches   int       `json:"dispatches"`

	Trail      []task.ProgressRecord `json:"trail,omitempty"`
	Outcome    *classify.Outcome     `json:"outcome,omitempty"`
	Failure    *classify.FailureInfo `json:"failure,omitempty"`
	SkipReason string                `json:"skipReason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy.
func (in *Instance) Clone() *Instance {
	c := *in
	c.Params = slices.Clone(in.Params)
	c.Selectors = slices.Clone(in.Selectors)
	c.Continuation = slices.Clone(in.Continuation)
	c.Trail = slices.Clone(in.Trail)
	c.Outcome = in.Outcome.Clone()
	c.Failure = in.Failure.Clone()
	if in.FinishedAt != nil {
		t := *in.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Execution is the read-only view of the execution context a Machine
// receives: who runs the step, where, and what earlier steps produced.
type Execution struct {
	InstanceID string
	StepType   string
	Name       string
	Scope      scope.Scope
	Principal  access.Principal
	Timeout    time.Duration
	Selectors  []string

	outcomes OutcomeReader
}

// NewExecution builds an Execution for inst. It is exported for machine
// tests; the executor builds its own.
func NewExecution(inst *Instance, outcomes OutcomeReader) *Execution {
	return &Execution{
		InstanceID: inst.ID,
		StepType:   inst.StepType,
		Name:       inst.Name,
		Scope:      inst.Scope,
		Principal:  inst.Principal,
		Timeout:    inst.Timeout,
		Selectors:  slices.Clone(inst.Selectors),
		outcomes:   outcomes,
	}
}
