// Package task defines the unit of work sent to remote workers and the
// response they send back, along with the wire codec shared with workers.
package task

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Envelope is a unit of work dispatched to a remote worker. An envelope is
// immutable once dispatched; callers that need to change it build a new one.
type Envelope struct {
	CorrelationID string
	OperationType string
	Parameters    []byte
	Timeout       time.Duration
	// ProgressUnits are the named log units the worker reports against, in order.
	ProgressUnits []string
	// Selectors constrain which workers may pick up the envelope.
	Selectors []string
}

// NewCorrelationID returns a fresh correlation identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Validate checks that the envelope can be dispatched.
func (e *Envelope) Validate() error {
	var errs []error
	if e.CorrelationID == "" {
		errs = append(errs, errors.New("envelope: correlation id is required"))
	}
	if e.OperationType == "" {
		errs = append(errs, errors.New("envelope: operation type is required"))
	}
	if e.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("envelope: timeout must be positive, got %s", e.Timeout))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy. The dispatcher only ever works on clones so a
// caller mutating its slices after Dispatch cannot change what was sent.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Parameters = slices.Clone(e.Parameters)
	c.ProgressUnits = slices.Clone(e.ProgressUnits)
	c.Selectors = NormalizeSelectors(e.Selectors)
	return &c
}

// NormalizeSelectors sorts and de-duplicates a selector set.
func NormalizeSelectors(selectors []string) []string {
	if len(selectors) == 0 {
		return nil
	}
	out := make([]string, 0, len(selectors))
	for _, s := range selectors {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CancelRequest asks workers to stop processing an in-flight envelope.
type CancelRequest struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason,omitempty"`
}
