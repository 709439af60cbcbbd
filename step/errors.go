package step

import (
	"errors"
	"fmt"
)

// Sentinel errors for step operations.
var (
	ErrUnknownStepType     = errors.New("unknown step type")
	ErrInstanceExists      = errors.New("step instance already exists")
	ErrInstanceNotFound    = errors.New("step instance not found")
	ErrInstanceTerminal    = errors.New("step instance is terminal")
	ErrCorrelationNotFound = errors.New("correlation not found")
	ErrOutcomeNotFound     = errors.New("outcome not found")
)

// ValidationError fails a step before anything is dispatched: a reference
// could not be resolved, was not authorized, or the parameters are
// unusable. It is never retried by the engine.
type ValidationError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError.
func Invalid(reason string, cause error) *ValidationError {
	return &ValidationError{Reason: reason, Err: cause}
}

// Invalidf builds a ValidationError with a formatted reason.
func Invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PhaseError reports a callback that does not fit the instance's current
// phase, such as a response for an envelope the instance is not waiting on.
type PhaseError struct {
	InstanceID string
	Phase      Phase
	Operation  string
	Reason     string
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("step %s: cannot %s in phase %s: %s", e.InstanceID, e.Operation, e.Phase, e.Reason)
}
