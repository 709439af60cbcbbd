package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestWatcherReloadsValidChanges(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(fp, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	var mu sync.Mutex
	var events []ChangeEvent
	w := NewWatcher(fp, func(evt ChangeEvent) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	}, WithWatchDebounce(50*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	time.Sleep(100 * time.Millisecond)
	// Invalid configs are skipped.
	if err := os.WriteFile(fp, []byte("dispatch:\n  broker: smoke-signals\n"), 0o644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	n := len(events)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("onChange called %d times for an invalid config", n)
	}

	if err := os.WriteFile(fp, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	ok := waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	})
	if !ok {
		t.Fatal("onChange was not called after file modification")
	}

	mu.Lock()
	evt := events[0]
	mu.Unlock()
	if evt.Config.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", evt.Config.Logging.Level)
	}
	if evt.OldHash == evt.NewHash {
		t.Error("OldHash == NewHash")
	}
}

func TestWatcherStartMissingFile(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope.yaml"), func(ChangeEvent) {})
	if err := w.Start(); err == nil {
		_ = w.Stop()
		t.Fatal("Start() on a missing file succeeded")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() after failed Start = %v", err)
	}
}
