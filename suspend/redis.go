package suspend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/stepengine/step"
)

// RedisStore keeps instances and correlations in Redis so any engine
// process can resume a step another one dispatched.
//
// Layout under the prefix:
//
//	instance:<id>   JSON-encoded step.Instance
//	corr:<id>       instance id awaiting the correlation
//	deadlines       sorted set of correlation ids scored by deadline (unix ms)
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	ownClient bool
}

// RedisOptions configure a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys ("stepengine:" when empty).
	Prefix string
	// Retention expires terminal instances after the given duration. Zero
	// keeps them forever.
	Retention time.Duration
}

// NewRedisStore connects to Redis.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	s := NewRedisStoreWithClient(client, opts.Prefix, opts.Retention)
	s.ownClient = true
	return s
}

// NewRedisStoreWithClient shares an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "stepengine:"
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) instanceKey(id string) string { return s.prefix + "instance:" + id }
func (s *RedisStore) corrKey(id string) string     { return s.prefix + "corr:" + id }
func (s *RedisStore) deadlinesKey() string         { return s.prefix + "deadlines" }

// Create implements step.InstanceStore.
func (s *RedisStore) Create(ctx context.Context, inst *step.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.instanceKey(inst.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	if !ok {
		return step.ErrInstanceExists
	}
	return nil
}

// Save implements step.InstanceStore.
func (s *RedisStore) Save(ctx context.Context, inst *step.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	var ttl time.Duration
	if inst.Phase.Terminal() {
		ttl = s.retention
	}
	if err := s.client.Set(ctx, s.instanceKey(inst.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

// Load implements step.InstanceStore.
func (s *RedisStore) Load(ctx context.Context, id string) (*step.Instance, error) {
	data, err := s.client.Get(ctx, s.instanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, step.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	var inst step.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}

// Register implements step.CorrelationTable.
func (s *RedisStore) Register(ctx context.Context, correlationID, instanceID string, deadline time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.corrKey(correlationID), instanceID, 0)
		p.ZAdd(ctx, s.deadlinesKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: correlationID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("register correlation %s: %w", correlationID, err)
	}
	return nil
}

// Take implements step.CorrelationTable. GETDEL and the deadline ZREM run
// in one MULTI, so the mapping and its deadline leave together. Once the
// mapping is gone the instance id is returned even if the ZREM failed.
func (s *RedisStore) Take(ctx context.Context, correlationID string) (string, error) {
	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		get = p.GetDel(ctx, s.corrKey(correlationID))
		p.ZRem(ctx, s.deadlinesKey(), correlationID)
		return nil
	})
	instanceID, gerr := get.Result()
	switch {
	case gerr == nil:
		return instanceID, nil
	case errors.Is(gerr, redis.Nil):
		return "", step.ErrCorrelationNotFound
	case err != nil:
		return "", fmt.Errorf("take correlation %s: %w", correlationID, err)
	default:
		return "", fmt.Errorf("take correlation %s: %w", correlationID, gerr)
	}
}

// Expired implements step.CorrelationTable.
func (s *RedisStore) Expired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.deadlinesKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired correlations: %w", err)
	}
	return ids, nil
}
