package scale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("pool stopped")

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers is the number of goroutines draining the queue.
	Workers int
	// QueueSize is the capacity of the job queue.
	QueueSize int
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 8, QueueSize: 1024}
}

// Pool runs submitted jobs asynchronously on a fixed set of workers. A job
// that panics is logged and counted as failed; it does not take the worker
// down.
type Pool struct {
	cfg    PoolConfig
	jobs   chan func(context.Context) error
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool

	submitted atomic.Int64
	ok        atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a stopped pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, jobs: make(chan func(context.Context) error, cfg.QueueSize), logger: logger}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool already running")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return nil
}

// Submit queues a job, blocking while the queue is full.
func (p *Pool) Submit(job func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolStopped
	}
	p.submitted.Add(1)
	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop waits for queued jobs to finish and stops the workers.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	return nil
}

// PoolStats holds pool counters.
type PoolStats struct {
	Pending   int
	Submitted int64
	Completed int64
	Failed    int64
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Pending:   len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.ok.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := p.run(job); err != nil {
			p.failed.Add(1)
			p.logger.Warn("pool job failed", "error", err)
			continue
		}
		p.ok.Add(1)
	}
}

func (p *Pool) run(job func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(p.ctx)
}
