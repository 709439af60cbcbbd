package snapshot

import (
	"context"
	"slices"
	"sync"

	"github.com/GoCodeAlone/stepengine/scope"
)

type entityKey struct {
	scope  string
	entity string
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[entityKey][]*Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[entityKey][]*Snapshot)}
}

func keyFor(sc scope.Scope, entity string) entityKey {
	return entityKey{scope: sc.Path(scope.LevelProject), entity: entity}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyFor(snap.Scope, snap.Entity)
	for _, existing := range m.snaps[k] {
		if existing.ExecutionID == snap.ExecutionID {
			return nil
		}
	}
	cp := *snap
	cp.Scope = snap.Scope.WithoutRun()
	cp.Inputs.Parameters = cloneParams(snap.Inputs.Parameters)
	cp.Inputs.Capabilities = slices.Clone(snap.Inputs.Capabilities)
	m.snaps[k] = append(m.snaps[k], &cp)
	return nil
}

// FindLatest implements Store.
func (m *MemoryStore) FindLatest(_ context.Context, sc scope.Scope, entity string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Snapshot
	for _, s := range m.snaps[keyFor(sc, entity)] {
		if latest == nil || newer(s, latest) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// Prune implements Pruner.
func (m *MemoryStore) Prune(_ context.Context, sc scope.Scope, entity string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyFor(sc, entity)
	list := m.snaps[k]
	if len(list) <= keep {
		return 0, nil
	}
	slices.SortFunc(list, func(a, b *Snapshot) int {
		if newer(a, b) {
			return -1
		}
		if newer(b, a) {
			return 1
		}
		return 0
	})
	removed := len(list) - keep
	m.snaps[k] = list[:keep]
	return removed, nil
}

func cloneParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
