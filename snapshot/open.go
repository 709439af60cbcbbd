package snapshot

import (
	"context"
	"fmt"
	"io"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Backend is a Store that can also prune and be closed.
type Backend interface {
	Store
	Pruner
	io.Closer
}

type memoryBackend struct{ *MemoryStore }

func (memoryBackend) Close() error { return nil }

// Open builds the store named by driver.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", DriverMemory:
		return memoryBackend{NewMemoryStore()}, nil
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("snapshot driver %q requires a dsn", driver)
		}
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("snapshot driver %q requires a dsn", driver)
		}
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown snapshot driver %q", driver)
	}
}
