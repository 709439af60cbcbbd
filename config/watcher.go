package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent describes a reloaded configuration.
type ChangeEvent struct {
	Path    string
	OldHash string
	NewHash string
	Config  *EngineConfig
	Time    time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce duration for file change events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher reloads a config file when it changes on disk and passes valid
// configurations to a callback. It watches the containing directory so
// atomic saves and ConfigMap symlink swaps are seen. Invalid files are
// logged and skipped; the previous configuration stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ChangeEvent)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu      sync.Mutex
	pending time.Time
}

// NewWatcher creates a Watcher for the file at path.
func NewWatcher(path string, onChange func(ChangeEvent), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching.
func (w *Watcher) Start() error {
	hash, err := hashFile(w.path)
	if err != nil {
		return fmt.Errorf("config watcher: initial hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: create fsnotify: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	w.fsWatcher = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Any write in the directory may be a rename onto our file; the
			// hash check filters the rest.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-ticker.C:
			w.mu.Lock()
			ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if ready {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if ready {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	hash, err := hashFile(w.path)
	if err != nil {
		w.logger.Error("config watcher: failed to hash config", "path", w.path, "error", err)
		return
	}
	if hash == w.lastHash {
		return
	}
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Error("config watcher: keeping previous config", "path", w.path, "error", err)
		return
	}

	old := w.lastHash
	w.lastHash = hash
	w.logger.Info("config changed", "path", w.path, "old_hash", old[:8], "new_hash", hash[:8])
	w.onChange(ChangeEvent{Path: w.path, OldHash: old, NewHash: hash, Config: cfg, Time: time.Now()})
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
