package step

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/scope"
)

// MemoryOutcomes is an in-process OutcomeSink and OutcomeReader.
type MemoryOutcomes struct {
	mu       sync.RWMutex
	outcomes map[string]*classify.Outcome
}

// NewMemoryOutcomes creates an empty MemoryOutcomes.
func NewMemoryOutcomes() *MemoryOutcomes {
	return &MemoryOutcomes{outcomes: make(map[string]*classify.Outcome)}
}

func outcomeKey(run scope.Scope, name string) string {
	return run.RunPath() + "/" + name
}

// Publish implements OutcomeSink.
func (m *MemoryOutcomes) Publish(_ context.Context, run scope.Scope, name string, outcome *classify.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcomeKey(run, name)] = outcome.Clone()
	return nil
}

// Lookup implements OutcomeReader.
func (m *MemoryOutcomes) Lookup(_ context.Context, run scope.Scope, name string) (*classify.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[outcomeKey(run, name)]
	if !ok {
		return nil, ErrOutcomeNotFound
	}
	return o.Clone(), nil
}
