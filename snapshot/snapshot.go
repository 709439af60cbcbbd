// Package snapshot records the inputs of successful forward provisioning
// operations so a later rollback can reconstruct and reverse them.
//
// Snapshots are append-only. Each forward run writes a new record keyed by
// (scope, entity, execution); nothing in the hot path updates or deletes
// them. Rollback reads the most recent record for an entity.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/stepengine/scope"
)

// Sentinel errors for snapshot store operations.
var (
	ErrNotFound = errors.New("snapshot not found")
	ErrInvalid  = errors.New("invalid snapshot")
)

// Inputs are the operation inputs recorded by a forward run.
type Inputs struct {
	StackName    string            `json:"stackName"`
	Region       string            `json:"region"`
	TemplateRef  string            `json:"templateRef,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// Snapshot is the persisted record of one successful forward operation.
type Snapshot struct {
	Scope       scope.Scope `json:"scope"`
	Entity      string      `json:"entity"`
	ExecutionID string      `json:"executionId"`
	Inputs      Inputs      `json:"inputs"`
	// ExistingResource is set when the forward run operated on a resource
	// the engine did not create. Rollback re-applies instead of destroying.
	ExistingResource bool      `json:"existingResource"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Validate checks the key fields.
func (s *Snapshot) Validate() error {
	if err := s.Scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s.Entity == "" {
		return fmt.Errorf("%w: entity is required", ErrInvalid)
	}
	if s.ExecutionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalid)
	}
	if s.Inputs.StackName == "" {
		return fmt.Errorf("%w: stack name is required", ErrInvalid)
	}
	return nil
}

// newer reports whether a should be preferred over b as the latest snapshot.
// Ties on creation time are broken by execution id so concurrent readers
// always agree.
func newer(a, b *Snapshot) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ExecutionID > b.ExecutionID
}

// Store persists provisioner snapshots.
type Store interface {
	// Save inserts a snapshot. Saving the same (scope, entity, execution)
	// key again is a no-op; the first record wins.
	Save(ctx context.Context, snap *Snapshot) error
	// FindLatest returns the most recent snapshot for the entity within the
	// scope, or ErrNotFound. The run component of sc is ignored.
	FindLatest(ctx context.Context, sc scope.Scope, entity string) (*Snapshot, error)
}

// Pruner removes superseded snapshots. It runs off the critical path.
type Pruner interface {
	// Prune keeps the newest keep snapshots for the entity and deletes the
	// rest, returning how many were removed.
	Prune(ctx context.Context, sc scope.Scope, entity string, keep int) (int, error)
}
