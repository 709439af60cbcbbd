package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/stepengine/scope"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testScope(account string) scope.Scope {
	return scope.Scope{Account: account, Org: "org", Project: "proj", Run: "run-1"}
}

func newSnap(sc scope.Scope, entity, exec string, at time.Time, existing bool) *Snapshot {
	return &Snapshot{
		Scope:       sc,
		Entity:      entity,
		ExecutionID: exec,
		Inputs: Inputs{
			StackName:    "stackA",
			Region:       "us-east-1",
			TemplateRef:  "git://infra/" + exec + ".yaml",
			Parameters:   map[string]string{"Env": exec},
			Capabilities: []string{"CAPABILITY_IAM"},
		},
		ExistingResource: existing,
		CreatedAt:        at,
	}
}

// runStoreSuite exercises the Store and Pruner contract against b. Each
// backend test passes a distinct account so suites can share a database.
func runStoreSuite(t *testing.T, b Backend, account string) {
	ctx := context.Background()
	sc := testScope(account)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("not found", func(t *testing.T) {
		_, err := b.FindLatest(ctx, sc, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("FindLatest on empty store: got %v, want ErrNotFound", err)
		}
	})

	t.Run("latest by creation time", func(t *testing.T) {
		for i, exec := range []string{"exec-b", "exec-c", "exec-a"} {
			if err := b.Save(ctx, newSnap(sc, "stackA", exec, base.Add(time.Duration(i)*time.Minute), false)); err != nil {
				t.Fatalf("Save(%s): %v", exec, err)
			}
		}
		got, err := b.FindLatest(ctx, sc, "stackA")
		if err != nil {
			t.Fatalf("FindLatest: %v", err)
		}
		if got.ExecutionID != "exec-a" {
			t.Errorf("ExecutionID = %q, want %q", got.ExecutionID, "exec-a")
		}
		if got.Inputs.Region != "us-east-1" || got.Inputs.StackName != "stackA" {
			t.Errorf("Inputs = %+v, want stackA/us-east-1", got.Inputs)
		}
		if got.Inputs.Parameters["Env"] != "exec-a" {
			t.Errorf("Parameters = %v, want Env=exec-a", got.Inputs.Parameters)
		}
		if len(got.Inputs.Capabilities) != 1 {
			t.Errorf("Capabilities = %v, want [CAPABILITY_IAM]", got.Inputs.Capabilities)
		}
		if !got.CreatedAt.Equal(base.Add(2 * time.Minute)) {
			t.Errorf("CreatedAt = %s, want %s", got.CreatedAt, base.Add(2*time.Minute))
		}
	})

	t.Run("ties broken by execution id", func(t *testing.T) {
		at := base.Add(time.Hour)
		for _, exec := range []string{"exec-1", "exec-3", "exec-2"} {
			if err := b.Save(ctx, newSnap(sc, "tied", exec, at, false)); err != nil {
				t.Fatalf("Save(%s): %v", exec, err)
			}
		}
		got, err := b.FindLatest(ctx, sc, "tied")
		if err != nil {
			t.Fatalf("FindLatest: %v", err)
		}
		if got.ExecutionID != "exec-3" {
			t.Errorf("ExecutionID = %q, want %q", got.ExecutionID, "exec-3")
		}
	})

	t.Run("append only", func(t *testing.T) {
		first := newSnap(sc, "dup", "exec-1", base, true)
		if err := b.Save(ctx, first); err != nil {
			t.Fatalf("Save: %v", err)
		}
		second := newSnap(sc, "dup", "exec-1", base.Add(time.Minute), false)
		second.Inputs.Region = "eu-west-1"
		if err := b.Save(ctx, second); err != nil {
			t.Fatalf("Save duplicate should be a no-op, got: %v", err)
		}
		got, err := b.FindLatest(ctx, sc, "dup")
		if err != nil {
			t.Fatalf("FindLatest: %v", err)
		}
		if got.Inputs.Region != "us-east-1" || !got.ExistingResource {
			t.Errorf("duplicate save mutated the record: %+v", got)
		}
	})

	t.Run("isolated by scope", func(t *testing.T) {
		other := sc
		other.Project = "other"
		if _, err := b.FindLatest(ctx, other, "stackA"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindLatest in another project: got %v, want ErrNotFound", err)
		}
		// Run is not part of the key.
		otherRun := sc
		otherRun.Run = "run-2"
		if _, err := b.FindLatest(ctx, otherRun, "stackA"); err != nil {
			t.Errorf("FindLatest from another run: %v", err)
		}
	})

	t.Run("prune keeps newest", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			if err := b.Save(ctx, newSnap(sc, "pruned", fmt.Sprintf("exec-%d", i), base.Add(time.Duration(i)*time.Second), false)); err != nil {
				t.Fatalf("Save: %v", err)
			}
		}
		n, err := b.Prune(ctx, sc, "pruned", 2)
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if n != 3 {
			t.Errorf("Prune removed %d, want 3", n)
		}
		got, err := b.FindLatest(ctx, sc, "pruned")
		if err != nil {
			t.Fatalf("FindLatest after prune: %v", err)
		}
		if got.ExecutionID != "exec-4" {
			t.Errorf("latest after prune = %q, want exec-4", got.ExecutionID)
		}
	})

	t.Run("rejects invalid", func(t *testing.T) {
		if err := b.Save(ctx, &Snapshot{Scope: sc}); !errors.Is(err, ErrInvalid) {
			t.Errorf("Save invalid: got %v, want ErrInvalid", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, memoryBackend{NewMemoryStore()}, "acc-mem")
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, newTestSQLiteStore(t), "acc-sqlite")
}

func TestSQLiteStore_ConcurrentForwardRuns(t *testing.T) {
	t.Parallel()
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	sc := testScope("acc")
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := newSnap(sc, fmt.Sprintf("entity-%d", i%2), fmt.Sprintf("exec-%02d", i), base.Add(time.Duration(i)*time.Second), false)
			if err := store.Save(ctx, snap); err != nil {
				t.Errorf("Save: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.FindLatest(ctx, sc, "entity-1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if got.ExecutionID != "exec-09" {
		t.Errorf("ExecutionID = %q, want exec-09", got.ExecutionID)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, DriverMemory, "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	defer b.Close()

	b2, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "open.db"))
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer b2.Close()

	if _, err := Open(ctx, DriverSQLite, ""); err == nil {
		t.Error("Open(sqlite) without dsn should fail")
	}
	if _, err := Open(ctx, "mongo", "x"); err == nil {
		t.Error("Open with unknown driver should fail")
	}
}
