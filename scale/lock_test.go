package scale

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLockAcquireRelease(t *testing.T) {
	lock := NewInMemoryLock()
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "inst-1", 0)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	release()
	release() // idempotent

	release2, err := lock.Acquire(ctx, "inst-1", 0)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	release2()

	lock.mu.Lock()
	n := len(lock.locks)
	lock.mu.Unlock()
	if n != 0 {
		t.Errorf("idle keys retained: %d entries", n)
	}
}

func TestInMemoryLockSerializes(t *testing.T) {
	lock := NewInMemoryLock()
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lock.Acquire(ctx, "inst-1", 0)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive.Load())
	}
}

func TestInMemoryLockTryAcquireAndCancel(t *testing.T) {
	lock := NewInMemoryLock()
	ctx := context.Background()

	release, ok, err := lock.TryAcquire(ctx, "k", 0)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	defer release()

	if _, ok, _ := lock.TryAcquire(ctx, "k", 0); ok {
		t.Error("TryAcquire should fail while held")
	}
	if _, ok, _ := lock.TryAcquire(ctx, "other", 0); !ok {
		t.Error("different keys should not contend")
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(cctx, "k", 0); err == nil {
		t.Error("Acquire should fail when context expires")
	}
}

func TestInMemoryLockTTL(t *testing.T) {
	lock := NewInMemoryLock()
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "ttl", 20*time.Millisecond); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release, err := lock.Acquire(cctx, "ttl", 0)
	if err != nil {
		t.Fatalf("lock should be released by ttl: %v", err)
	}
	release()
}

func TestRedisLockAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := NewRedisLock(mr.Addr())
	defer lock.Close() //nolint:errcheck

	ctx := context.Background()
	release, err := lock.Acquire(ctx, "inst-1", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !mr.Exists("lock:inst-1") {
		t.Error("expected lock key in redis")
	}
	release()
	if mr.Exists("lock:inst-1") {
		t.Error("release should delete the key")
	}
}

func TestRedisLockForeignTokenCannotRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	lock1 := NewRedisLockWithClient(client, "engine:lock:")
	lock2 := NewRedisLockWithClient(client, "engine:lock:")

	ctx := context.Background()
	release1, err := lock1.Acquire(ctx, "inst-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release1()

	if _, ok, err := lock2.TryAcquire(ctx, "inst-1", time.Minute); err != nil || ok {
		t.Fatalf("TryAcquire on held key: ok=%v err=%v", ok, err)
	}
	lock2.buildRelease("inst-1", "wrong-token")()
	if !mr.Exists("engine:lock:inst-1") {
		t.Error("foreign release deleted the key")
	}
}

func TestRedisLockTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := NewRedisLock(mr.Addr())
	defer lock.Close() //nolint:errcheck

	ctx := context.Background()
	if _, err := lock.Acquire(ctx, "ttl-key", 500*time.Millisecond); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	mr.FastForward(time.Second)

	release, ok, err := lock.TryAcquire(ctx, "ttl-key", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock to be free after ttl: ok=%v err=%v", ok, err)
	}
	release()
}

func TestRedisLockAcquireContextCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := NewRedisLock(mr.Addr())
	defer lock.Close() //nolint:errcheck

	ctx := context.Background()
	release, err := lock.Acquire(ctx, "busy", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(cctx, "busy", time.Minute); err == nil {
		t.Fatal("expected error when context is cancelled")
	}
}

func TestLockInterface(t *testing.T) {
	var _ Lock = (*InMemoryLock)(nil)
	var _ Lock = (*RedisLock)(nil)
}
