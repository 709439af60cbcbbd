package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/stepengine/metrics"
	"github.com/GoCodeAlone/stepengine/task"
	"golang.org/x/time/rate"
)

// Event is the single terminal outcome of a dispatched envelope.
type Event struct {
	CorrelationID string
	Result        task.Result
	At            time.Time
}

// Sink receives terminal events. The correlator is the production sink.
type Sink interface {
	Deliver(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, ev Event) { f(ctx, ev) }

// Handle identifies a dispatched envelope.
type Handle struct {
	CorrelationID string
	Topic         string
	Deadline      time.Time
}

// Config configures a Dispatcher.
type Config struct {
	Topics Topics
	// RateLimit caps publishes per second; zero means unlimited.
	RateLimit float64
	Burst     int
	// PublishTimeout bounds one publish attempt including rate limiting.
	PublishTimeout time.Duration
	// RecentCapacity is how many finished correlation ids are remembered
	// to recognize late responses.
	RecentCapacity int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PublishTimeout: 10 * time.Second, RecentCapacity: 4096}
}

type pendingEnvelope struct {
	timer      *time.Timer
	dispatched time.Time
}

// Dispatcher publishes envelopes to pool topics and enforces per-envelope
// timeouts. Dispatch never blocks on the transport: publish failures
// surface later as a transport-failure event.
//
// Responses for correlation ids this process did not dispatch are still
// forwarded to the sink, because the dispatching process may have been
// replaced; the sink decides whether anything is waiting for them.
type Dispatcher struct {
	broker  Broker
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	sink    Sink
	pending map[string]*pendingEnvelope
	recent  *recentSet
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher on broker. SetSink must be called
// before Start.
func NewDispatcher(broker Broker, cfg Config, logger *slog.Logger, m *metrics.Collector) *Dispatcher {
	def := DefaultConfig()
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = def.RecentCapacity
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		broker:  broker,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		metrics: m,
		pending: make(map[string]*pendingEnvelope),
		recent:  newRecentSet(cfg.RecentCapacity),
	}
}

// SetSink sets the receiver of terminal events.
func (d *Dispatcher) SetSink(s Sink) {
	d.mu.Lock()
	d.sink = s
	d.mu.Unlock()
}

// Topics returns the topic layout in use.
func (d *Dispatcher) Topics() Topics { return d.cfg.Topics }

// Start subscribes to the response topic.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.sink == nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: no sink configured")
	}
	if d.ctx != nil {
		d.mu.Unlock()
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	if err := d.broker.Subscribe(d.cfg.Topics.Responses(), d.handleResponse); err != nil {
		return fmt.Errorf("dispatcher: subscribe to responses: %w", err)
	}
	return nil
}

// Stop disarms every timer and waits for in-progress publishes. Envelopes
// still pending produce no event from this process; a restarted process
// recovers them from the correlation table deadlines.
func (d *Dispatcher) Stop(_ context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// Pending returns how many envelopes await a terminal event.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Dispatch queues env for delivery to its worker pool and returns at once.
// Only an invalid envelope or a stopped dispatcher returns an error; every
// envelope accepted here yields exactly one event to the sink.
func (d *Dispatcher) Dispatch(_ context.Context, env *task.Envelope) (Handle, error) {
	if err := env.Validate(); err != nil {
		return Handle{}, err
	}
	env = env.Clone()
	payload, err := task.EncodeEnvelope(env)
	if err != nil {
		return Handle{}, err
	}
	topic := d.cfg.Topics.Tasks(PoolName(env.Selectors))
	id := env.CorrelationID

	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		return Handle{}, fmt.Errorf("dispatcher: %w", ErrNotStarted)
	}
	if _, dup := d.pending[id]; dup {
		d.mu.Unlock()
		return Handle{}, fmt.Errorf("dispatcher: correlation id %s already pending", id)
	}
	now := time.Now()
	timeout := env.Timeout
	d.pending[id] = &pendingEnvelope{
		dispatched: now,
		timer: time.AfterFunc(timeout, func() {
			d.finish(id, task.Failed(task.Timeout(id, timeout)))
		}),
	}
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()

	go d.publish(ctx, id, topic, payload)

	return Handle{CorrelationID: id, Topic: topic, Deadline: now.Add(timeout)}, nil
}

func (d *Dispatcher) publish(ctx context.Context, id, topic string, payload []byte) {
	defer d.wg.Done()
	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	err := d.limiter.Wait(pctx)
	if err == nil {
		err = d.broker.Publish(pctx, topic, payload)
	}
	if err != nil {
		d.metrics.RecordPublish("error")
		d.logger.Warn("envelope publish failed", "correlation_id", id, "topic", topic, "error", err)
		d.finish(id, task.Failed(task.Transport(id, err)))
		return
	}
	d.metrics.RecordPublish("ok")
}

// Cancel asks workers to abandon an in-flight envelope. Any response that
// still arrives for it is dropped. Cancellation is best effort: the
// returned error only reports whether the request could be published.
func (d *Dispatcher) Cancel(ctx context.Context, correlationID, reason string) error {
	d.mu.Lock()
	if p, ok := d.pending[correlationID]; ok {
		p.timer.Stop()
		delete(d.pending, correlationID)
	}
	d.recent.add(correlationID)
	d.mu.Unlock()

	payload, err := json.Marshal(task.CancelRequest{CorrelationID: correlationID, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode cancel request: %w", err)
	}
	if err := d.broker.Publish(ctx, d.cfg.Topics.Cancel(), payload); err != nil {
		return fmt.Errorf("publish cancel request for %s: %w", correlationID, err)
	}
	return nil
}

// take removes a pending envelope. It reports whether the id was pending
// and whether it had recently finished.
func (d *Dispatcher) take(id string) (pending, finished bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[id]; ok {
		p.timer.Stop()
		delete(d.pending, id)
		d.recent.add(id)
		return true, false
	}
	return false, d.recent.has(id)
}

// finish emits a locally produced terminal event unless the envelope has
// already finished.
func (d *Dispatcher) finish(id string, result task.Result) {
	if pending, _ := d.take(id); !pending {
		return
	}
	d.emit(id, result)
}

func (d *Dispatcher) handleResponse(_ context.Context, payload []byte) error {
	resp, err := task.DecodeResponse(payload)
	if err != nil {
		d.metrics.RecordDropped("undecodable_response")
		d.logger.Warn("dropping undecodable response", "error", err)
		return nil
	}
	if _, finished := d.take(resp.CorrelationID); finished {
		d.metrics.RecordDropped("late_response")
		d.logger.Warn("dropping late response", "correlation_id", resp.CorrelationID, "status", resp.Status)
		return nil
	}
	d.emit(resp.CorrelationID, task.Succeeded(resp))
	return nil
}

func (d *Dispatcher) emit(id string, result task.Result) {
	d.mu.Lock()
	sink, ctx := d.sink, d.ctx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	sink.Deliver(ctx, Event{CorrelationID: id, Result: result, At: time.Now()})
}

// recentSet remembers the last n finished correlation ids.
type recentSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

func (r *recentSet) add(id string) {
	if _, ok := r.ids[id]; ok {
		return
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}

func (r *recentSet) has(id string) bool {
	_, ok := r.ids[id]
	return ok
}
