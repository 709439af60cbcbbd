// Package metrics exposes Prometheus metrics for the step engine.
package metrics

import (
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace      string   `yaml:"namespace" json:"namespace"`
	Subsystem      string   `yaml:"subsystem" json:"subsystem"`
	EnabledMetrics []string `yaml:"enabledMetrics" json:"enabledMetrics"`
}

// Metric groups accepted in Config.EnabledMetrics.
const (
	GroupSteps      = "steps"
	GroupDispatch   = "dispatch"
	GroupCorrelator = "correlator"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:      "stepengine",
		EnabledMetrics: []string{GroupSteps, GroupDispatch, GroupCorrelator},
	}
}

// Collector wraps the engine's metric vectors and its own registry. Every
// method is safe on a nil *Collector, so components can treat metrics as
// optional.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	Dispatches    *prometheus.CounterVec
	Terminal      *prometheus.CounterVec
	InFlight      *prometheus.GaugeVec
	ResumeSeconds *prometheus.HistogramVec
	Dropped       *prometheus.CounterVec
	Publishes     *prometheus.CounterVec
}

// New creates a Collector with the default configuration.
func New() *Collector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Collector registering only the enabled groups.
func NewWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem
	c := &Collector{config: cfg, registry: reg}

	if slices.Contains(cfg.EnabledMetrics, GroupSteps) {
		c.Terminal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "step_terminal_total",
			Help:      "Step instances reaching a terminal phase",
		}, []string{"step_type", "phase", "kind"})

		c.InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "step_in_flight",
			Help:      "Step instances suspended awaiting a response",
		}, []string{"step_type"})

		c.ResumeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "step_resume_seconds",
			Help:      "Time between dispatch and resume of a step",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"step_type"})

		reg.MustRegister(c.Terminal, c.InFlight, c.ResumeSeconds)
	}

	if slices.Contains(cfg.EnabledMetrics, GroupDispatch) {
		c.Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dispatches_total",
			Help:      "Task envelopes dispatched",
		}, []string{"step_type", "operation"})

		c.Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dispatcher_publishes_total",
			Help:      "Envelope publish attempts by result",
		}, []string{"result"})

		reg.MustRegister(c.Dispatches, c.Publishes)
	}

	if slices.Contains(cfg.EnabledMetrics, GroupCorrelator) {
		c.Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dropped_events_total",
			Help:      "Task events dropped without resuming a step",
		}, []string{"reason"})

		reg.MustRegister(c.Dropped)
	}

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordDispatch counts one dispatched envelope.
func (c *Collector) RecordDispatch(stepType, operation string) {
	if c != nil && c.Dispatches != nil {
		c.Dispatches.WithLabelValues(stepType, operation).Inc()
	}
}

// RecordPublish counts a publish attempt; result is "ok" or "error".
func (c *Collector) RecordPublish(result string) {
	if c != nil && c.Publishes != nil {
		c.Publishes.WithLabelValues(result).Inc()
	}
}

// RecordTerminal counts a step reaching a terminal phase. kind is the
// failure kind, or empty.
func (c *Collector) RecordTerminal(stepType, phase, kind string) {
	if c != nil && c.Terminal != nil {
		c.Terminal.WithLabelValues(stepType, phase, kind).Inc()
	}
}

// AddInFlight adjusts the in-flight gauge.
func (c *Collector) AddInFlight(stepType string, delta float64) {
	if c != nil && c.InFlight != nil {
		c.InFlight.WithLabelValues(stepType).Add(delta)
	}
}

// ObserveResume records the suspension time of one dispatch.
func (c *Collector) ObserveResume(stepType string, d time.Duration) {
	if c != nil && c.ResumeSeconds != nil {
		c.ResumeSeconds.WithLabelValues(stepType).Observe(d.Seconds())
	}
}

// RecordDropped counts an event dropped for reason.
func (c *Collector) RecordDropped(reason string) {
	if c != nil && c.Dropped != nil {
		c.Dropped.WithLabelValues(reason).Inc()
	}
}
