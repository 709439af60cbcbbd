package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is the execution status reported by a worker.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// ProgressRecord reports the completion state of one progress unit.
type ProgressRecord struct {
	Unit      string    `json:"unit"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is produced by a worker exactly once per envelope, or never when
// the envelope times out.
type Response struct {
	CorrelationID string
	Status        Status
	Result        []byte
	Progress      []ProgressRecord
	ErrorMessage  *string
}

// Message returns the error message or the empty string.
func (r *Response) Message() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

// DeliveryKind distinguishes the ways a response can fail to arrive.
type DeliveryKind string

const (
	DeliveryTimeout   DeliveryKind = "timeout"
	DeliveryTransport DeliveryKind = "transport"
)

// DeliveryError reports that no response was received for an envelope.
type DeliveryError struct {
	Kind          DeliveryKind
	CorrelationID string
	Err           error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task %s: %s", e.CorrelationID, e.Kind)
	}
	return fmt.Sprintf("task %s: %s: %v", e.CorrelationID, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrTimedOut is the cause attached to timeout delivery errors.
var ErrTimedOut = errors.New("no response before deadline")

// Timeout builds a timeout DeliveryError for the given envelope.
func Timeout(correlationID string, after time.Duration) *DeliveryError {
	return &DeliveryError{
		Kind:          DeliveryTimeout,
		CorrelationID: correlationID,
		Err:           fmt.Errorf("%w (%s)", ErrTimedOut, after),
	}
}

// Transport builds a transport DeliveryError wrapping err.
func Transport(correlationID string, err error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryTransport, CorrelationID: correlationID, Err: err}
}

// Result is what a suspended step is resumed with: either the worker's
// response or the reason no response arrived. Exactly one field is set.
type Result struct {
	Response *Response
	Err      *DeliveryError
}

// Succeeded wraps a received response.
func Succeeded(resp *Response) Result { return Result{Response: resp} }

// Failed wraps a delivery error.
func Failed(err *DeliveryError) Result { return Result{Err: err} }

// CorrelationID returns the correlation id of whichever side is set.
func (r Result) CorrelationID() string {
	switch {
	case r.Response != nil:
		return r.Response.CorrelationID
	case r.Err != nil:
		return r.Err.CorrelationID
	}
	return ""
}

// Validate checks that exactly one side is set.
func (r Result) Validate() error {
	if (r.Response == nil) == (r.Err == nil) {
		return errors.New("result: exactly one of response or delivery error must be set")
	}
	return nil
}

// Progress returns the progress trail carried by the response, if any.
func (r Result) Progress() []ProgressRecord {
	if r.Response == nil {
		return nil
	}
	return r.Response.Progress
}
