// Package suspend persists suspended step instances and the correlation
// table that maps in-flight envelopes back to them.
package suspend

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/stepengine/step"
)

// MemoryStore keeps instances and correlations in process. It does not
// survive a restart.
type MemoryStore struct {
	mu           sync.Mutex
	instances    map[string]*step.Instance
	correlations map[string]correlation
}

type correlation struct {
	instanceID string
	deadline   time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:    make(map[string]*step.Instance),
		correlations: make(map[string]correlation),
	}
}

// Create implements step.InstanceStore.
func (s *MemoryStore) Create(_ context.Context, inst *step.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return step.ErrInstanceExists
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Save implements step.InstanceStore.
func (s *MemoryStore) Save(_ context.Context, inst *step.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Load implements step.InstanceStore.
func (s *MemoryStore) Load(_ context.Context, id string) (*step.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, step.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

// Register implements step.CorrelationTable.
func (s *MemoryStore) Register(_ context.Context, correlationID, instanceID string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlations[correlationID] = correlation{instanceID: instanceID, deadline: deadline}
	return nil
}

// Take implements step.CorrelationTable.
func (s *MemoryStore) Take(_ context.Context, correlationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.correlations[correlationID]
	if !ok {
		return "", step.ErrCorrelationNotFound
	}
	delete(s.correlations, correlationID)
	return c.instanceID, nil
}

// Expired implements step.CorrelationTable. Ids come back oldest deadline
// first.
func (s *MemoryStore) Expired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	type entry struct {
		id       string
		deadline time.Time
	}
	var due []entry
	for id, c := range s.correlations {
		if c.deadline.Before(now) {
			due = append(due, entry{id, c.deadline})
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.id)
	}
	return slices.Clip(ids), nil
}

// Pending returns the number of registered correlations.
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.correlations)
}
