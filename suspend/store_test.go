package suspend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
	"github.com/GoCodeAlone/stepengine/scope"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/task"
)

type store interface {
	step.InstanceStore
	step.CorrelationTable
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client, "test:", time.Hour), mr
}

func stores(t *testing.T) map[string]store {
	rs, _ := newRedisStore(t)
	return map[string]store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func sampleInstance(id string) *step.Instance {
	cont, _ := continuation.Marshal(continuation.AwaitingFetch{
		Entity:    "network",
		Target:    continuation.Target{Name: "net-stack", Region: "us-east-1"},
		Operation: continuation.OperationCreate,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &step.Instance{
		ID:           id,
		StepType:     "stack.create",
		Name:         "network",
		Scope:        scope.Scope{Account: "acct", Org: "org", Project: "proj", Run: "run-1"},
		Params:       []byte(`{"stackName":"net-stack"}`),
		Timeout:      time.Minute,
		Phase:        step.PhaseDispatched,
		InFlight:     "corr-1",
		Continuation: cont,
		Dispatches:   1,
		Trail:        []task.ProgressRecord{{Unit: "fetch", Status: "SUCCESS", Timestamp: now}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestInstances(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Load(ctx, "missing"); !errors.Is(err, step.ErrInstanceNotFound) {
				t.Fatalf("Load(missing) error = %v, want ErrInstanceNotFound", err)
			}

			inst := sampleInstance("inst-1")
			if err := s.Create(ctx, inst); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.Create(ctx, inst); !errors.Is(err, step.ErrInstanceExists) {
				t.Fatalf("second Create error = %v, want ErrInstanceExists", err)
			}

			inst.Phase = step.PhaseSucceeded
			inst.Outcome = &classify.Outcome{Identifiers: map[string]string{"stackId": "arn:1"}}
			if err := s.Save(ctx, inst); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Load(ctx, "inst-1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Phase != step.PhaseSucceeded {
				t.Errorf("Phase = %q, want %q", got.Phase, step.PhaseSucceeded)
			}
			if got.Outcome.Identifier("stackId") != "arn:1" {
				t.Errorf("stackId = %q, want arn:1", got.Outcome.Identifier("stackId"))
			}
			if got.Scope != inst.Scope {
				t.Errorf("Scope = %+v, want %+v", got.Scope, inst.Scope)
			}
			if len(got.Trail) != 1 || got.Trail[0].Unit != "fetch" {
				t.Errorf("Trail = %+v, want one fetch record", got.Trail)
			}
			state, err := continuation.Unmarshal(got.Continuation)
			if err != nil {
				t.Fatalf("Unmarshal continuation: %v", err)
			}
			if fetch, ok := state.(continuation.AwaitingFetch); !ok || fetch.Target.Name != "net-stack" {
				t.Errorf("continuation = %#v, want AwaitingFetch for net-stack", state)
			}
		})
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	inst := sampleInstance("inst-1")
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.Trail[0].Unit = "mutated"

	got, _ := s.Load(ctx, "inst-1")
	if got.Trail[0].Unit != "fetch" {
		t.Errorf("stored trail changed through caller's pointer: %q", got.Trail[0].Unit)
	}
}

func TestMemoryStoreIsolatesTerminalRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	inst := sampleInstance("inst-1")
	inst.Phase = step.PhaseSucceeded
	inst.Outcome = &classify.Outcome{
		Identifiers: map[string]string{"stackId": "arn:stack/net"},
		Values:      map[string]any{"tags": map[string]any{"env": "prod"}},
	}
	inst.Failure = &classify.FailureInfo{Kind: classify.KindRemoteExecution, Causes: []string{"throttled"}}
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst.Outcome.Identifiers["stackId"] = "mutated"
	inst.Outcome.Values["tags"].(map[string]any)["env"] = "mutated"
	inst.Failure.Causes[0] = "mutated"

	got, _ := s.Load(ctx, "inst-1")
	got.Outcome.Identifiers["stackId"] = "loaded-copy"

	again, _ := s.Load(ctx, "inst-1")
	if id := again.Outcome.Identifier("stackId"); id != "arn:stack/net" {
		t.Errorf("stackId = %q, want the stored value", id)
	}
	if env := again.Outcome.Values["tags"].(map[string]any)["env"]; env != "prod" {
		t.Errorf("tags.env = %v, want prod", env)
	}
	if again.Failure.Causes[0] != "throttled" {
		t.Errorf("Causes = %v, want the stored value", again.Failure.Causes)
	}
}

func TestCorrelations(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			if err := s.Register(ctx, "c-late", "inst-1", now.Add(time.Hour)); err != nil {
				t.Fatalf("Register: %v", err)
			}
			if err := s.Register(ctx, "c-old", "inst-2", now.Add(-2*time.Minute)); err != nil {
				t.Fatalf("Register: %v", err)
			}
			if err := s.Register(ctx, "c-older", "inst-3", now.Add(-5*time.Minute)); err != nil {
				t.Fatalf("Register: %v", err)
			}

			expired, err := s.Expired(ctx, now, 10)
			if err != nil {
				t.Fatalf("Expired: %v", err)
			}
			if len(expired) != 2 || expired[0] != "c-older" || expired[1] != "c-old" {
				t.Fatalf("Expired = %v, want [c-older c-old]", expired)
			}
			limited, _ := s.Expired(ctx, now, 1)
			if len(limited) != 1 {
				t.Fatalf("Expired(limit 1) = %v, want one id", limited)
			}

			id, err := s.Take(ctx, "c-old")
			if err != nil {
				t.Fatalf("Take: %v", err)
			}
			if id != "inst-2" {
				t.Errorf("Take = %q, want inst-2", id)
			}
			if _, err := s.Take(ctx, "c-old"); !errors.Is(err, step.ErrCorrelationNotFound) {
				t.Fatalf("second Take error = %v, want ErrCorrelationNotFound", err)
			}
			expired, _ = s.Expired(ctx, now, 10)
			if len(expired) != 1 || expired[0] != "c-older" {
				t.Errorf("Expired after Take = %v, want [c-older]", expired)
			}
		})
	}
}

func TestTakeIsExclusive(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Register(ctx, "c-1", "inst-1", time.Now().Add(time.Minute)); err != nil {
				t.Fatalf("Register: %v", err)
			}
			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Take(ctx, "c-1"); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := wins.Load(); got != 1 {
				t.Errorf("successful takes = %d, want 1", got)
			}
		})
	}
}

func TestRedisStoreRetainsTerminalInstances(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	inst := sampleInstance("inst-1")
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ttl := mr.TTL("test:instance:inst-1"); ttl != 0 {
		t.Errorf("TTL of suspended instance = %v, want none", ttl)
	}

	inst.Phase = step.PhaseFailed
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ttl := mr.TTL("test:instance:inst-1"); ttl != time.Hour {
		t.Errorf("TTL of terminal instance = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Load(ctx, "inst-1"); !errors.Is(err, step.ErrInstanceNotFound) {
		t.Errorf("Load after retention error = %v, want ErrInstanceNotFound", err)
	}
}

func TestRedisStoreSurvivesReconnect(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if err := s.Register(ctx, "c-1", "inst-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	other := NewRedisStore(RedisOptions{Addr: mr.Addr(), Prefix: "test:"})
	t.Cleanup(func() { _ = other.Close() })
	if err := other.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	id, err := other.Take(ctx, "c-1")
	if err != nil {
		t.Fatalf("Take from second store: %v", err)
	}
	if id != "inst-1" {
		t.Errorf("Take = %q, want inst-1", id)
	}
}

func TestRedisTakeClearsDeadlines(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	// A deadline whose mapping is already gone is swept by the next Take.
	if _, err := mr.ZAdd("test:deadlines", 1, "c-stale"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if _, err := s.Take(ctx, "c-stale"); !errors.Is(err, step.ErrCorrelationNotFound) {
		t.Fatalf("Take(stale) = %v, want ErrCorrelationNotFound", err)
	}
	if members, _ := mr.ZMembers("test:deadlines"); len(members) != 0 {
		t.Errorf("deadlines = %v, want the stale member removed", members)
	}

	// A failing deadline removal does not lose the instance the mapping
	// pointed at.
	if err := s.Register(ctx, "c-1", "inst-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mr.Del("test:deadlines")
	if err := mr.Set("test:deadlines", "not a sorted set"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Take(ctx, "c-1")
	if err != nil || got != "inst-1" {
		t.Fatalf("Take = %q, %v, want inst-1", got, err)
	}
	if _, err := s.Take(ctx, "c-1"); !errors.Is(err, step.ErrCorrelationNotFound) {
		t.Errorf("second Take = %v, want ErrCorrelationNotFound", err)
	}
}
