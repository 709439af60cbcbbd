package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBroker implements Broker on NATS core subjects.
type NATSBroker struct {
	url    string
	name   string
	logger *slog.Logger

	mu            sync.RWMutex
	conn          *nats.Conn
	ctx           context.Context
	handlers      map[string]Handler
	subscriptions map[string]*nats.Subscription
}

// NewNATSBroker creates a broker for the server at url. An empty url means
// nats.DefaultURL.
func NewNATSBroker(url, name string, logger *slog.Logger) *NATSBroker {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBroker{
		url:           url,
		name:          name,
		logger:        logger,
		handlers:      make(map[string]Handler),
		subscriptions: make(map[string]*nats.Subscription),
	}
}

// Subscribe implements Broker. Subscribing while connected takes effect
// immediately.
func (b *NATSBroker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	if b.conn == nil {
		return nil
	}
	return b.subscribeLocked(topic, h)
}

func (b *NATSBroker) subscribeLocked(topic string, h Handler) error {
	ctx := b.ctx
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		if err := h(ctx, msg.Data); err != nil {
			b.logger.Error("error handling NATS message", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	b.subscriptions[topic] = sub
	return nil
}

// Start implements Broker.
func (b *NATSBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(b.name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(b.url, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", b.url, err)
	}
	b.conn = conn
	b.ctx = ctx

	for topic, h := range b.handlers {
		if err := b.subscribeLocked(topic, h); err != nil {
			conn.Close()
			b.conn = nil
			return err
		}
	}
	b.logger.Info("NATS broker started", "url", b.url, "subjects", len(b.handlers))
	return nil
}

// Publish implements Broker.
func (b *NATSBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return ErrNotStarted
	}
	if err := conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Stop implements Broker. Pending messages are drained before the
// connection closes.
func (b *NATSBroker) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Drain()
	b.conn = nil
	b.subscriptions = make(map[string]*nats.Subscription)
	if err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	b.logger.Info("NATS broker stopped")
	return nil
}
