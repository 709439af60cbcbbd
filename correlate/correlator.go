// Package correlate routes terminal task results back to the step instance
// that dispatched them.
package correlate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/GoCodeAlone/stepengine/dispatch"
	"github.com/GoCodeAlone/stepengine/metrics"
	"github.com/GoCodeAlone/stepengine/step"
	"github.com/GoCodeAlone/stepengine/task"
)

// Resumer is the part of the step executor the correlator drives.
// *step.Executor satisfies it.
type Resumer interface {
	Get(ctx context.Context, instanceID string) (*step.Instance, error)
	Resume(ctx context.Context, instanceID string, result task.Result) (*step.Instance, error)
}

// Correlator is the dispatcher's sink. It takes each result's correlation
// id out of the table and resumes the instance it names. Results whose id
// is not in the table (already resumed, cancelled or reaped) are dropped.
type Correlator struct {
	table   step.CorrelationTable
	resumer Resumer
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a Correlator.
func New(table step.CorrelationTable, resumer Resumer, logger *slog.Logger, m *metrics.Collector) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{table: table, resumer: resumer, logger: logger, metrics: m}
}

// Deliver implements dispatch.Sink.
func (c *Correlator) Deliver(ctx context.Context, ev dispatch.Event) {
	c.route(ctx, ev.CorrelationID, ev.Result)
}

// route returns true when the result resumed an instance.
func (c *Correlator) route(ctx context.Context, correlationID string, result task.Result) bool {
	instanceID, ok := c.take(ctx, correlationID)
	if !ok {
		return false
	}
	return c.resume(ctx, instanceID, correlationID, result)
}

func (c *Correlator) take(ctx context.Context, correlationID string) (string, bool) {
	instanceID, err := c.table.Take(ctx, correlationID)
	if errors.Is(err, step.ErrCorrelationNotFound) {
		c.metrics.RecordDropped("unknown_correlation")
		c.logger.Debug("dropping result for unknown correlation", "correlation_id", correlationID)
		return "", false
	}
	if err != nil {
		c.logger.Error("correlation lookup failed", "correlation_id", correlationID, "error", err)
		return "", false
	}
	return instanceID, true
}

func (c *Correlator) resume(ctx context.Context, instanceID, correlationID string, result task.Result) bool {
	inst, err := c.resumer.Resume(ctx, instanceID, result)
	switch {
	case errors.Is(err, step.ErrInstanceTerminal):
		c.metrics.RecordDropped("terminal_instance")
		c.logger.Warn("dropping result for terminal instance", "instance", instanceID, "correlation_id", correlationID)
		return false
	case err != nil && inst == nil:
		c.logger.Error("resume failed", "instance", instanceID, "correlation_id", correlationID, "error", err)
		return false
	case err != nil:
		c.logger.Error("resumed with error", "instance", instanceID, "phase", inst.Phase, "error", err)
	}
	return true
}
