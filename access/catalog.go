package access

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/stepengine/task"
)

// Connector is a named credential set for a provisioning target.
type Connector struct {
	// ID is the fully-qualified identifier, as produced by ResolveRef.
	ID       string `json:"id" yaml:"id"`
	Provider string `json:"provider" yaml:"provider"`
	Region   string `json:"region,omitempty" yaml:"region"`
	// Selectors route work using this connector to capable workers.
	Selectors []string `json:"selectors,omitempty" yaml:"selectors"`
}

// Catalog looks up connectors by resolved reference.
type Catalog interface {
	Lookup(ctx context.Context, ref Reference) (*Connector, error)
}

// MemoryCatalog is a Catalog held in memory.
type MemoryCatalog struct {
	mu         sync.RWMutex
	connectors map[string]*Connector
}

// NewMemoryCatalog creates a catalog pre-populated with connectors.
func NewMemoryCatalog(connectors ...Connector) *MemoryCatalog {
	c := &MemoryCatalog{connectors: make(map[string]*Connector)}
	for _, conn := range connectors {
		c.Register(conn)
	}
	return c
}

// Register adds or replaces a connector.
func (c *MemoryCatalog) Register(conn Connector) {
	conn.Selectors = task.NormalizeSelectors(conn.Selectors)
	c.mu.Lock()
	c.connectors[conn.ID] = &conn
	c.mu.Unlock()
}

// Lookup implements Catalog.
func (c *MemoryCatalog) Lookup(_ context.Context, ref Reference) (*Connector, error) {
	c.mu.RLock()
	conn, ok := c.connectors[ref.Identifier]
	c.mu.RUnlock()
	if !ok {
		return nil, &UnresolvedReferenceError{Kind: ref.Kind, Raw: ref.Raw, Reason: "no connector " + ref.Identifier}
	}
	cp := *conn
	return &cp, nil
}
