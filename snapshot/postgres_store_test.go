//go:build postgres_snapshot

package snapshot

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	dsn := os.Getenv("SNAPSHOT_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SNAPSHOT_POSTGRES_DSN not set, skipping PostgreSQL tests")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	account := "acc-" + uuid.NewString()
	t.Cleanup(func() {
		store.pool.Exec(context.Background(), `DELETE FROM provisioner_snapshots WHERE account = $1`, account)
		store.Close()
	})
	return store, account
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()
	store, account := newTestPostgresStore(t)
	runStoreSuite(t, store, account)
}
