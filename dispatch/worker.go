package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/stepengine/task"
)

// Progress unit statuses reported by Worker.
const (
	UnitSucceeded = "SUCCESS"
	UnitFailed    = "FAILURE"
	UnitSkipped   = "SKIPPED"
)

// Progress collects unit completion records while an operation runs.
type Progress struct {
	mu      sync.Mutex
	units   []string
	records map[string]task.ProgressRecord
}

func newProgress(units []string) *Progress {
	return &Progress{units: units, records: make(map[string]task.ProgressRecord)}
}

// Done marks a unit as completed.
func (p *Progress) Done(unit string) { p.mark(unit, UnitSucceeded) }

// Fail marks a unit as failed.
func (p *Progress) Fail(unit string) { p.mark(unit, UnitFailed) }

func (p *Progress) mark(unit, status string) {
	p.mu.Lock()
	p.records[unit] = task.ProgressRecord{Unit: unit, Status: status, Timestamp: time.Now().UTC()}
	p.mu.Unlock()
}

// trail returns one record per declared unit in declaration order. Units
// the handler never marked complete on success and are skipped on failure.
func (p *Progress) trail(failed bool) []task.ProgressRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]task.ProgressRecord, 0, len(p.units))
	now := time.Now().UTC()
	for _, u := range p.units {
		if r, ok := p.records[u]; ok {
			out = append(out, r)
			continue
		}
		status := UnitSucceeded
		if failed {
			status = UnitSkipped
		}
		out = append(out, task.ProgressRecord{Unit: u, Status: status, Timestamp: now})
	}
	return out
}

// WorkFunc runs one operation. A returned error becomes a FAILURE response
// carrying the error text.
type WorkFunc func(ctx context.Context, env *task.Envelope, progress *Progress) ([]byte, error)

// Worker is the remote side of the protocol: it consumes envelopes from
// pool topics, runs the registered operation and publishes the response.
// Production workers live outside this module; Worker backs tests and
// single-binary deployments.
type Worker struct {
	broker Broker
	topics Topics
	pools  []string
	logger *slog.Logger

	mu       sync.Mutex
	ops      map[string]WorkFunc
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorker creates a worker serving the pools named by each selector set.
// No selector sets means the default pool.
func NewWorker(broker Broker, topics Topics, logger *slog.Logger, selectorSets ...[]string) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	pools := []string{DefaultPool}
	if len(selectorSets) > 0 {
		pools = pools[:0]
		for _, s := range selectorSets {
			pools = append(pools, PoolName(s))
		}
	}
	return &Worker{
		broker:   broker,
		topics:   topics,
		pools:    pools,
		logger:   logger,
		ops:      make(map[string]WorkFunc),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Handle registers the function run for an operation type.
func (w *Worker) Handle(operationType string, fn WorkFunc) {
	w.mu.Lock()
	w.ops[operationType] = fn
	w.mu.Unlock()
}

// Subscribe registers the worker's topics on its broker. Call it before
// the broker starts.
func (w *Worker) Subscribe() error {
	for _, pool := range w.pools {
		if err := w.broker.Subscribe(w.topics.Tasks(pool), w.handleEnvelope); err != nil {
			return err
		}
	}
	return w.broker.Subscribe(w.topics.Cancel(), w.handleCancel)
}

// Wait blocks until every running operation has answered.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) handleEnvelope(ctx context.Context, payload []byte) error {
	env, err := task.DecodeEnvelope(payload)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	w.mu.Lock()
	fn, ok := w.ops[env.OperationType]
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), env.Timeout)
	w.inflight[env.CorrelationID] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, env.CorrelationID)
			w.mu.Unlock()
			cancel()
		}()

		progress := newProgress(env.ProgressUnits)
		resp := &task.Response{CorrelationID: env.CorrelationID, Status: task.StatusSuccess}
		var runErr error
		if !ok {
			runErr = fmt.Errorf("unsupported operation %q", env.OperationType)
		} else {
			resp.Result, runErr = fn(runCtx, env, progress)
		}
		if runErr != nil {
			msg := runErr.Error()
			resp.Status = task.StatusFailure
			resp.ErrorMessage = &msg
		}
		resp.Progress = progress.trail(runErr != nil)

		data, err := task.EncodeResponse(resp)
		if err != nil {
			w.logger.Error("worker: encode response", "correlation_id", env.CorrelationID, "error", err)
			return
		}
		if err := w.broker.Publish(context.WithoutCancel(ctx), w.topics.Responses(), data); err != nil {
			w.logger.Error("worker: publish response", "correlation_id", env.CorrelationID, "error", err)
		}
	}()
	return nil
}

func (w *Worker) handleCancel(_ context.Context, payload []byte) error {
	var req task.CancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("worker: decode cancel request: %w", err)
	}
	w.mu.Lock()
	cancel, ok := w.inflight[req.CorrelationID]
	w.mu.Unlock()
	if ok {
		w.logger.Info("worker: cancelling operation", "correlation_id", req.CorrelationID, "reason", req.Reason)
		cancel()
	}
	return nil
}
