// Package continuation holds the state a suspended step carries across a
// dispatch boundary. The set of shapes is closed: every State is one of the
// variants declared here, and consumers switch over them exhaustively.
package continuation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates State variants on the wire.
type Kind string

const (
	KindAwaitingFetch           Kind = "awaitingFetch"
	KindAwaitingRemoteOperation Kind = "awaitingRemoteOperation"
	KindTerminal                Kind = "terminal"
)

// State is a continuation variant. The unexported method seals the set.
type State interface {
	Kind() Kind
	sealed()
}

// Operation is the remote operation a step performs on its target.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Target is the resolved infrastructure target.
type Target struct {
	Name   string `json:"name"`
	Region string `json:"region"`
}

// AwaitingFetch is held while the worker fetches remote files the operation
// depends on.
type AwaitingFetch struct {
	Entity       string            `json:"entity"`
	Target       Target            `json:"target"`
	ConnectorID  string            `json:"connectorId"`
	Operation    Operation         `json:"operation"`
	TemplateRef  string            `json:"templateRef"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	// ExistingResource records that the operation targets a resource the
	// engine did not create.
	ExistingResource bool `json:"existingResource"`
}

// AwaitingRemoteOperation is held while the worker runs the operation itself.
type AwaitingRemoteOperation struct {
	Entity           string            `json:"entity"`
	Operation        Operation         `json:"operation"`
	Target           Target            `json:"target"`
	ConnectorID      string            `json:"connectorId"`
	TemplateRef      string            `json:"templateRef,omitempty"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	ExistingResource bool              `json:"existingResource"`
	// Rollback is set when the operation was reconstructed to reverse a
	// prior run; SnapshotExecutionID names the run it came from, if any.
	Rollback            bool   `json:"rollback,omitempty"`
	SnapshotExecutionID string `json:"snapshotExecutionId,omitempty"`
}

// Terminal marks a state that accepts no further responses.
type Terminal struct {
	Reason string `json:"reason"`
}

func (AwaitingFetch) Kind() Kind           { return KindAwaitingFetch }
func (AwaitingRemoteOperation) Kind() Kind { return KindAwaitingRemoteOperation }
func (Terminal) Kind() Kind                { return KindTerminal }

func (AwaitingFetch) sealed()           {}
func (AwaitingRemoteOperation) sealed() {}
func (Terminal) sealed()                {}

// ErrUnknownKind is returned when decoding a discriminator this build does
// not know.
var ErrUnknownKind = errors.New("unknown continuation kind")

type envelope struct {
	Kind  Kind            `json:"kind"`
	State json.RawMessage `json:"state"`
}

// Marshal encodes a State with its discriminator.
func Marshal(s State) ([]byte, error) {
	if s == nil {
		return nil, errors.New("marshal continuation: nil state")
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal continuation %s: %w", s.Kind(), err)
	}
	return json.Marshal(envelope{Kind: s.Kind(), State: body})
}

// Unmarshal decodes bytes produced by Marshal, possibly in another process.
func Unmarshal(data []byte) (State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal continuation: %w", err)
	}
	switch env.Kind {
	case KindAwaitingFetch:
		var s AwaitingFetch
		return decode(env, &s)
	case KindAwaitingRemoteOperation:
		var s AwaitingRemoteOperation
		return decode(env, &s)
	case KindTerminal:
		var s Terminal
		return decode(env, &s)
	default:
		return nil, fmt.Errorf("unmarshal continuation: %w %q", ErrUnknownKind, env.Kind)
	}
}

func decode[T State](env envelope, dst *T) (State, error) {
	if err := json.Unmarshal(env.State, dst); err != nil {
		return nil, fmt.Errorf("unmarshal continuation %s: %w", env.Kind, err)
	}
	return *dst, nil
}
