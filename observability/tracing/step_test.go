package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*StepTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewStepTracer(tp.Tracer("test")), exporter
}

func attr(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString(), true
		}
	}
	return "", false
}

func TestStepTracer_StartPhase(t *testing.T) {
	st, exporter := newTestTracer(t)

	_, span := st.StartPhase(context.Background(), "begin", "stack.create", "inst-1")
	st.RecordDispatch(span, "corr-1", "stack.fetch-template")
	st.RecordPhase(span, "dispatched")
	st.SetSuccess(span)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "step.begin" {
		t.Errorf("Name = %q, want step.begin", s.Name)
	}
	if v, _ := attr(s.Attributes, AttrStepType); v != "stack.create" {
		t.Errorf("%s = %q, want stack.create", AttrStepType, v)
	}
	if v, _ := attr(s.Attributes, AttrStepInstance); v != "inst-1" {
		t.Errorf("%s = %q, want inst-1", AttrStepInstance, v)
	}
	if v, _ := attr(s.Attributes, AttrStepPhase); v != "dispatched" {
		t.Errorf("%s = %q, want dispatched", AttrStepPhase, v)
	}
	if len(s.Events) != 1 || s.Events[0].Name != "dispatch" {
		t.Fatalf("Events = %+v, want one dispatch event", s.Events)
	}
	if v, _ := attr(s.Events[0].Attributes, AttrCorrelationID); v != "corr-1" {
		t.Errorf("event %s = %q, want corr-1", AttrCorrelationID, v)
	}
	if s.Status.Code != codes.Ok {
		t.Errorf("Status = %v, want Ok", s.Status.Code)
	}
}

func TestStepTracer_RecordFailure(t *testing.T) {
	st, exporter := newTestTracer(t)

	_, span := st.StartPhase(context.Background(), "resume", "stack.delete", "inst-2")
	st.RecordFailure(span, "RemoteExecutionFailure", errors.New("stack is busy"))
	span.End()

	s := exporter.GetSpans()[0]
	if s.Status.Code != codes.Error {
		t.Errorf("Status = %v, want Error", s.Status.Code)
	}
	if s.Status.Description != "stack is busy" {
		t.Errorf("Description = %q, want %q", s.Status.Description, "stack is busy")
	}
	if v, _ := attr(s.Attributes, AttrErrorKind); v != "RemoteExecutionFailure" {
		t.Errorf("%s = %q, want RemoteExecutionFailure", AttrErrorKind, v)
	}
}

func TestNewStepTracer_NilUsesGlobal(t *testing.T) {
	if NewStepTracer(nil).tracer == nil {
		t.Fatal("expected a tracer from the global provider")
	}
}
