package step

// Phase is where a step instance is in its lifecycle.
//
//	init ─▶ validated ─┬─▶ skipped
//	                   └─▶ dispatched ◀─▶ resuming ─▶ succeeded | failed
//
// Any non-terminal phase may also move to failed (validation errors,
// cancellation). skipped, succeeded and failed are terminal.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseValidated  Phase = "validated"
	PhaseDispatched Phase = "dispatched"
	PhaseResuming   Phase = "resuming"
	PhaseSkipped    Phase = "skipped"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

var transitions = map[Phase][]Phase{
	PhaseInit:       {PhaseValidated, PhaseFailed},
	PhaseValidated:  {PhaseDispatched, PhaseSkipped, PhaseFailed},
	PhaseDispatched: {PhaseResuming, PhaseFailed},
	PhaseResuming:   {PhaseDispatched, PhaseSucceeded, PhaseFailed},
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseSkipped || p == PhaseSucceeded || p == PhaseFailed
}

// CanTransition reports whether moving from p to next is allowed.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}
