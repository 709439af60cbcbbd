// Package classify turns a terminal task result into either a structured
// success outcome or a structured failure record.
package classify

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/GoCodeAlone/stepengine/task"
)

// ErrorKind is the failure taxonomy surfaced to callers.
type ErrorKind string

const (
	// KindValidation means a reference was bad or unauthorized. Raised before
	// any dispatch.
	KindValidation ErrorKind = "ValidationError"
	// KindDispatchTimeout means no response arrived before the deadline.
	KindDispatchTimeout ErrorKind = "DispatchTimeout"
	// KindTransportFailure means the envelope could not be delivered.
	KindTransportFailure ErrorKind = "TransportFailure"
	// KindRemoteExecution means the worker ran the operation and reported
	// failure.
	KindRemoteExecution ErrorKind = "RemoteExecutionFailure"
	// KindDataExchange means the response did not match the expected shape.
	KindDataExchange ErrorKind = "DataExchangeError"
	// KindCancelled means the step was cancelled while in flight.
	KindCancelled ErrorKind = "Cancelled"
)

// Outcome is the successful result of a step: typed identifiers the rest of
// the pipeline depends on plus the free-form payload.
type Outcome struct {
	Identifiers map[string]string `json:"identifiers,omitempty"`
	Values      map[string]any    `json:"values,omitempty"`
}

// Clone returns a copy that shares no maps or slices with o.
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	c := &Outcome{Identifiers: maps.Clone(o.Identifiers)}
	if o.Values != nil {
		c.Values = make(map[string]any, len(o.Values))
		for k, v := range o.Values {
			c.Values[k] = cloneValue(v)
		}
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Identifier returns a lifted identifier or the empty string.
func (o *Outcome) Identifier(name string) string {
	if o == nil {
		return ""
	}
	return o.Identifiers[name]
}

// Bool reads a boolean value from the free-form map.
func (o *Outcome) Bool(name string) (bool, bool) {
	if o == nil {
		return false, false
	}
	v, ok := o.Values[name].(bool)
	return v, ok
}

// String reads a string value from the free-form map.
func (o *Outcome) String(name string) (string, bool) {
	if o == nil {
		return "", false
	}
	v, ok := o.Values[name].(string)
	return v, ok
}

// FailureInfo describes why a step failed and how far it got.
type FailureInfo struct {
	Kind     ErrorKind             `json:"kind"`
	Message  string                `json:"message"`
	Causes   []string              `json:"causes,omitempty"`
	Progress []task.ProgressRecord `json:"progress,omitempty"`
}

// Clone returns a copy that shares no slices with f.
func (f *FailureInfo) Clone() *FailureInfo {
	if f == nil {
		return nil
	}
	c := *f
	c.Causes = slices.Clone(f.Causes)
	c.Progress = slices.Clone(f.Progress)
	return &c
}

// Error implements the error interface so a failure can be returned or
// wrapped where an error is expected.
func (f *FailureInfo) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Failure builds a FailureInfo. The cause chain of each error is flattened
// into Causes.
func Failure(kind ErrorKind, message string, progress []task.ProgressRecord, causes ...error) *FailureInfo {
	f := &FailureInfo{Kind: kind, Message: message, Progress: progress}
	for _, c := range causes {
		f.Causes = append(f.Causes, causeChain(c)...)
	}
	return f
}

func causeChain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}

// Verdict is the classification of a terminal result. Exactly one field is
// set.
type Verdict struct {
	Outcome *Outcome     `json:"outcome,omitempty"`
	Failure *FailureInfo `json:"failure,omitempty"`
}

// Succeeded reports whether the verdict carries an outcome.
func (v Verdict) Succeeded() bool {
	return v.Outcome != nil && v.Failure == nil
}

// Succeed wraps an outcome.
func Succeed(o *Outcome) Verdict { return Verdict{Outcome: o} }

// Fail wraps a failure.
func Fail(f *FailureInfo) Verdict { return Verdict{Failure: f} }
