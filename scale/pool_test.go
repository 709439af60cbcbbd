package scale

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 4, QueueSize: 16}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var n atomic.Int32
	for i := 0; i < 50; i++ {
		if err := p.Submit(func(context.Context) error {
			n.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := p.Submit(func(context.Context) error { return errors.New("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Submit(func(context.Context) error { panic("bad handler") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := n.Load(); got != 50 {
		t.Errorf("ran %d jobs, want 50", got)
	}
	stats := p.Stats()
	if stats.Submitted != 52 || stats.Completed != 50 || stats.Failed != 2 {
		t.Errorf("Stats = %+v, want 52 submitted, 50 completed, 2 failed", stats)
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := NewPool(PoolConfig{}, nil)
	if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Submit before Start: got %v, want ErrPoolStopped", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	_ = p.Stop()
	if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Submit after Stop: got %v, want ErrPoolStopped", err)
	}
}
