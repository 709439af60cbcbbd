package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("expected tracing disabled by default")
	}
	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("Endpoint = %q, want localhost:4318", cfg.Endpoint)
	}
	if cfg.ServiceName != "stepengine" {
		t.Errorf("ServiceName = %q, want stepengine", cfg.ServiceName)
	}
}

func TestDisabledProviderRecordsNothing(t *testing.T) {
	p, err := NewProvider(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	_, span := p.Steps().StartPhase(context.Background(), "begin", "stack.create", "i1")
	if span.SpanContext().IsValid() {
		t.Error("expected disabled provider to produce invalid span contexts")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestProviderExportsStepSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceVersion = "1.2.3"
	p, err := NewProvider(context.Background(), cfg,
		WithExporter(exporter),
		WithAttributes(attribute.String("stepengine.broker", "nats")))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.Steps().StartPhase(context.Background(), "resume", "stack.create", "i1")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	if spans[0].Name != "step.resume" {
		t.Errorf("Name = %q, want step.resume", spans[0].Name)
	}
	res := map[string]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		res[string(kv.Key)] = kv.Value.Emit()
	}
	for key, want := range map[string]string{
		"service.name":      "stepengine",
		"service.version":   "1.2.3",
		"stepengine.broker": "nats",
	} {
		if res[key] != want {
			t.Errorf("resource %s = %q, want %q", key, res[key], want)
		}
	}
}

func TestSampler(t *testing.T) {
	for _, rate := range []float64{0, 1, 2} {
		if got := sampler(rate).Description(); got != "AlwaysOnSampler" {
			t.Errorf("sampler(%v) = %q, want AlwaysOnSampler", rate, got)
		}
	}
	if got := sampler(0.5).Description(); !strings.HasPrefix(got, "ParentBased{root:TraceIDRatioBased{0.5}") {
		t.Errorf("sampler(0.5) = %q, want a parent-based ratio sampler", got)
	}
}
