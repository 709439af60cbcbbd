// Package scale provides the coordination primitives shared by engine
// components: keyed locks that serialize work per step instance and a
// bounded pool for asynchronous deliveries.
package scale

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Lock serializes work on a key. The engine keys it by step instance so
// that at most one phase callback runs for an instance at a time.
type Lock interface {
	// Acquire blocks until the key is held or ctx is done. The returned
	// release function is safe to call more than once. A positive ttl
	// releases the key automatically if the holder never does.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// TryAcquire returns acquired=false instead of blocking when the key is
	// already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// InMemoryLock implements Lock for a single process.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewInMemoryLock creates an empty InMemoryLock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{locks: make(map[string]*lockEntry)}
}

// ref returns the entry for key and pins it until unref.
func (l *InMemoryLock) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

// unref drops the pin and forgets idle keys so the map does not grow with
// every instance ever seen.
func (l *InMemoryLock) unref(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Acquire implements Lock.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	e := l.ref(key)
	select {
	case e.sem <- struct{}{}:
		return l.release(ctx, key, e, ttl), nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
	}
}

// TryAcquire implements Lock.
func (l *InMemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	e := l.ref(key)
	select {
	case e.sem <- struct{}{}:
		return l.release(ctx, key, e, ttl), true, nil
	default:
		l.unref(key, e)
		return nil, false, nil
	}
}

func (l *InMemoryLock) release(ctx context.Context, key string, e *lockEntry, ttl time.Duration) func() {
	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.sem
			l.unref(key, e)
		})
	}
	if ttl > 0 {
		go func() {
			timer := time.NewTimer(ttl)
			defer timer.Stop()
			select {
			case <-timer.C:
				release()
			case <-ctx.Done():
			}
		}()
	}
	return release
}
