package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/stepengine/dispatch"
	"github.com/GoCodeAlone/stepengine/metrics"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/suspend"
	"github.com/GoCodeAlone/stepengine/task"
)

type call struct {
	instanceID string
	result     task.Result
}

type fakeResumer struct {
	mu         sync.Mutex
	calls      []call
	err        error
	dispatched time.Time
}

func (f *fakeResumer) Get(_ context.Context, id string) (*step.Instance, error) {
	return &step.Instance{ID: id, DispatchedAt: f.dispatched}, nil
}

func (f *fakeResumer) Resume(_ context.Context, id string, result task.Result) (*step.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{id, result})
	if f.err != nil {
		return nil, f.err
	}
	return &step.Instance{ID: id, Phase: step.PhaseSucceeded}, nil
}

func ok(id string) dispatch.Event {
	return dispatch.Event{
		CorrelationID: id,
		Result:        task.Succeeded(&task.Response{CorrelationID: id, Status: task.StatusSuccess}),
		At:            time.Now(),
	}
}

func TestDeliverResumesOnce(t *testing.T) {
	ctx := context.Background()
	table := suspend.NewMemoryStore()
	res := &fakeResumer{}
	m := metrics.New()
	c := New(table, res, nil, m)

	if err := table.Register(ctx, "c-1", "inst-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c.Deliver(ctx, ok("c-1"))
	c.Deliver(ctx, ok("c-1"))

	if len(res.calls) != 1 {
		t.Fatalf("resumes = %d, want 1", len(res.calls))
	}
	if res.calls[0].instanceID != "inst-1" {
		t.Errorf("resumed %q, want inst-1", res.calls[0].instanceID)
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("unknown_correlation")); got != 1 {
		t.Errorf("dropped{unknown_correlation} = %v, want 1", got)
	}
}

func TestDeliverUnknownCorrelationIsDropped(t *testing.T) {
	res := &fakeResumer{}
	c := New(suspend.NewMemoryStore(), res, nil, nil)
	c.Deliver(context.Background(), ok("never-registered"))
	if len(res.calls) != 0 {
		t.Errorf("resumes = %d, want 0", len(res.calls))
	}
}

func TestDeliverToTerminalInstanceIsCounted(t *testing.T) {
	ctx := context.Background()
	table := suspend.NewMemoryStore()
	res := &fakeResumer{err: errors.Join(errors.New("resume step inst-1"), step.ErrInstanceTerminal)}
	m := metrics.New()
	c := New(table, res, nil, m)

	_ = table.Register(ctx, "c-1", "inst-1", time.Now().Add(time.Minute))
	c.Deliver(ctx, ok("c-1"))

	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("terminal_instance")); got != 1 {
		t.Errorf("dropped{terminal_instance} = %v, want 1", got)
	}
}

func TestReaperTimesOutExpiredCorrelations(t *testing.T) {
	ctx := context.Background()
	table := suspend.NewMemoryStore()
	now := time.Now()
	res := &fakeResumer{dispatched: now.Add(-10 * time.Minute)}
	c := New(table, res, nil, nil)
	r := NewReaper(c, ReaperConfig{Batch: 10})
	r.now = func() time.Time { return now }

	_ = table.Register(ctx, "expired", "inst-1", now.Add(-time.Minute))
	_ = table.Register(ctx, "live", "inst-2", now.Add(time.Minute))

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	got := res.calls[0]
	if got.instanceID != "inst-1" {
		t.Errorf("resumed %q, want inst-1", got.instanceID)
	}
	if got.result.Err == nil || got.result.Err.Kind != task.DeliveryTimeout {
		t.Fatalf("result = %+v, want a timeout delivery error", got.result)
	}
	if got.result.CorrelationID() != "expired" {
		t.Errorf("CorrelationID = %q, want expired", got.result.CorrelationID())
	}
	if !errors.Is(got.result.Err, task.ErrTimedOut) {
		t.Errorf("error %v does not wrap ErrTimedOut", got.result.Err)
	}

	// A late event for the reaped envelope finds nothing to resume.
	c.Deliver(ctx, ok("expired"))
	if len(res.calls) != 1 {
		t.Errorf("resumes = %d, want 1", len(res.calls))
	}
	if table.Pending() != 1 {
		t.Errorf("pending = %d, want the live correlation only", table.Pending())
	}
}

func TestReaperRunStopsWithContext(t *testing.T) {
	c := New(suspend.NewMemoryStore(), &fakeResumer{}, nil, nil)
	r := NewReaper(c, ReaperConfig{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
