package scale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds the caller's token,
// so a holder whose ttl lapsed cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// defaultRedisLockTTL bounds how long a crashed holder can block a key.
const defaultRedisLockTTL = 30 * time.Second

// RedisLock implements Lock across processes with SET NX PX and a per-hold
// token. Use it when several engine processes resume the same instances.
type RedisLock struct {
	client    redis.UniversalClient
	prefix    string
	retryWait time.Duration
	ownClient bool
}

// NewRedisLock connects to the Redis server at addr.
func NewRedisLock(addr string) *RedisLock {
	return NewRedisLockWithOptions(addr, "", 0)
}

// NewRedisLockWithOptions connects with an explicit password and database.
func NewRedisLockWithOptions(addr, password string, db int) *RedisLock {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	l := NewRedisLockWithClient(client, "")
	l.ownClient = true
	return l
}

// NewRedisLockWithClient shares an existing client. Keys are namespaced by
// prefix ("lock:" when empty).
func NewRedisLockWithClient(client redis.UniversalClient, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLock{client: client, prefix: prefix, retryWait: 50 * time.Millisecond}
}

// Close closes the client if the lock created it.
func (l *RedisLock) Close() error {
	if l.ownClient {
		return l.client.Close()
	}
	return nil
}

// Acquire implements Lock by polling TryAcquire until ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()
	for {
		release, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire implements Lock.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.buildRelease(key, token), true, nil
}

func (l *RedisLock) buildRelease(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled.
			_ = releaseScript.Run(context.Background(), l.client, []string{l.prefix + key}, token).Err()
		})
	}
}
