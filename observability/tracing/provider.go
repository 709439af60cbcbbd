// Package tracing sets up OpenTelemetry for the engine and wraps the
// tracer with helpers for the step lifecycle.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects whether and where step spans are exported.
type Config struct {
	// Enabled turns on export. When false every span is a no-op.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP/HTTP collector, host:port.
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"serviceName"`
	ServiceVersion string `yaml:"serviceVersion"`
	Insecure       bool   `yaml:"insecure"`
	// SampleRate is the ratio of step traces kept, in (0, 1).
	// Anything outside that range keeps every trace.
	SampleRate float64 `yaml:"sampleRate"`
}

// DefaultConfig returns tracing disabled, pointed at a local collector.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4318",
		ServiceName: "stepengine",
		Insecure:    true,
		SampleRate:  1.0,
	}
}

// Option customizes NewProvider.
type Option func(*providerOptions)

type providerOptions struct {
	exporter sdktrace.SpanExporter
	attrs    []attribute.KeyValue
}

// WithExporter replaces the OTLP exporter. Spans are exported
// synchronously, which suits tests and single-run processes.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *providerOptions) { o.exporter = exp }
}

// WithAttributes adds resource attributes, such as the broker in use,
// to every span.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *providerOptions) { o.attrs = append(o.attrs, attrs...) }
}

// Provider owns the SDK tracer provider and the StepTracer the executor
// records on.
type Provider struct {
	tp    *sdktrace.TracerProvider
	steps *StepTracer
}

// NewProvider builds the tracer provider for cfg and installs it as the
// global provider, so HTTP middleware shares it. A disabled config yields
// a Provider whose StepTracer records nothing and touches no globals.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{steps: NewStepTracer(noop.NewTracerProvider().Tracer(cfg.ServiceName))}, nil
	}
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx, resource.WithAttributes(serviceAttributes(cfg, o.attrs)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	spanOpt, err := spanProcessor(ctx, cfg, o.exporter)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		spanOpt,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp, steps: NewStepTracer(tp.Tracer(cfg.ServiceName))}, nil
}

func serviceAttributes(cfg Config, extra []attribute.KeyValue) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	return append(attrs, extra...)
}

func spanProcessor(ctx context.Context, cfg Config, exp sdktrace.SpanExporter) (sdktrace.TracerProviderOption, error) {
	if exp != nil {
		return sdktrace.WithSyncer(exp), nil
	}
	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	return sdktrace.WithBatcher(exporter), nil
}

// sampler keeps a child span whenever its parent was kept.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Steps returns the StepTracer bound to this provider.
func (p *Provider) Steps() *StepTracer {
	return p.steps
}

// Shutdown flushes pending spans. It is a no-op for a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
