package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/GoCodeAlone/stepengine/scale"
)

// MemoryBroker is an in-process Broker. Messages are delivered
// asynchronously on a worker pool so a handler that publishes (a worker
// answering, a step chaining a second dispatch) never re-enters the caller.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	pool     *scale.Pool
	logger   *slog.Logger
	running  bool
}

// NewMemoryBroker creates a stopped MemoryBroker.
func NewMemoryBroker(cfg scale.PoolConfig, logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		handlers: make(map[string][]Handler),
		pool:     scale.NewPool(cfg, logger),
		logger:   logger,
	}
}

// Subscribe implements Broker. Subscriptions may be added at any time.
func (b *MemoryBroker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Publish implements Broker. A topic with no subscribers drops the message.
func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	running := b.running
	handlers := slices.Clone(b.handlers[topic])
	b.mu.RUnlock()

	if !running {
		return ErrNotStarted
	}
	if len(handlers) == 0 {
		b.logger.Debug("no subscribers for topic", "topic", topic)
		return nil
	}
	msg := slices.Clone(payload)
	for _, h := range handlers {
		h := h
		if err := b.pool.Submit(func(ctx context.Context) error {
			if err := h(ctx, msg); err != nil {
				return fmt.Errorf("topic %s: %w", topic, err)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Start implements Broker.
func (b *MemoryBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if err := b.pool.Start(ctx); err != nil {
		return err
	}
	b.running = true
	return nil
}

// Stop implements Broker. Messages already queued are delivered first.
func (b *MemoryBroker) Stop(_ context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()
	return b.pool.Stop()
}
