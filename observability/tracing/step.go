package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys set on step spans.
const (
	AttrStepType      = "step.type"
	AttrStepInstance  = "step.instance"
	AttrStepPhase     = "step.phase"
	AttrCorrelationID = "step.correlation_id"
	AttrOperation     = "step.operation"
	AttrErrorKind     = "step.error_kind"
)

// StepTracer creates spans around step lifecycle callbacks. Each callback
// runs in its own span because a step can suspend for hours between them.
type StepTracer struct {
	tracer trace.Tracer
}

// NewStepTracer creates a StepTracer. If tracer is nil, the global tracer
// provider is used.
func NewStepTracer(tracer trace.Tracer) *StepTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("stepengine.step")
	}
	return &StepTracer{tracer: tracer}
}

// StartPhase begins a span for one lifecycle callback ("begin", "resume",
// "cancel") of a step instance.
func (s *StepTracer) StartPhase(ctx context.Context, callback, stepType, instanceID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "step."+callback,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrStepType, stepType),
			attribute.String(AttrStepInstance, instanceID),
		),
	)
}

// RecordDispatch annotates span with an outbound envelope.
func (s *StepTracer) RecordDispatch(span trace.Span, correlationID, operation string) {
	span.AddEvent("dispatch", trace.WithAttributes(
		attribute.String(AttrCorrelationID, correlationID),
		attribute.String(AttrOperation, operation),
	))
}

// RecordPhase records the phase the instance ended the callback in.
func (s *StepTracer) RecordPhase(span trace.Span, phase string) {
	span.SetAttributes(attribute.String(AttrStepPhase, phase))
}

// RecordFailure marks span as failed with the given error kind.
func (s *StepTracer) RecordFailure(span trace.Span, kind string, err error) {
	span.SetAttributes(attribute.String(AttrErrorKind, kind))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks a span as successful.
func (s *StepTracer) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
