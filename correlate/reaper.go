package correlate

import (
	"context"
	"time"

	"github.com/GoCodeAlone/stepengine/task"
)

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Batch caps how many expired correlations one sweep handles.
	Batch int `yaml:"batch"`
}

// DefaultReaperConfig sweeps every 15 seconds, 100 at a time.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{Interval: 15 * time.Second, Batch: 100}
}

// Reaper times out correlations whose deadline passed without any event.
// The dispatcher's in-process timers cover the normal case; the reaper
// covers envelopes dispatched by a process that has since stopped.
type Reaper struct {
	correlator *Correlator
	cfg        ReaperConfig
	now        func() time.Time
}

// NewReaper creates a Reaper that resumes through c.
func NewReaper(c *Correlator, cfg ReaperConfig) *Reaper {
	def := DefaultReaperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	return &Reaper{correlator: c, cfg: cfg, now: time.Now}
}

// Run sweeps until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.correlator.logger.Error("reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep resumes every expired correlation with a timeout and returns how
// many instances it resumed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	ids, err := r.correlator.table.Expired(ctx, now, r.cfg.Batch)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, id := range ids {
		instanceID, ok := r.correlator.take(ctx, id)
		if !ok {
			continue
		}
		var waited time.Duration
		if inst, err := r.correlator.resumer.Get(ctx, instanceID); err == nil && !inst.DispatchedAt.IsZero() {
			waited = now.Sub(inst.DispatchedAt).Round(time.Second)
		}
		if r.correlator.resume(ctx, instanceID, id, task.Failed(task.Timeout(id, waited))) {
			reaped++
		}
	}
	if reaped > 0 {
		r.correlator.logger.Info("reaped expired correlations", "count", reaped)
	}
	return reaped, nil
}
