package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the txbus tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("txbus")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartEmitSpan starts a span covering one emission.
	StartEmitSpan(ctx context.Context, kind, eventID, transactionID string) (context.Context, trace.Span)

	// StartTransactionSpan starts a span for a transaction operation
	// ("commit" or "rollback").
	StartTransactionSpan(ctx context.Context, op, transactionID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartEmitSpan starts a span for an emission.
func (m *otelSpanManager) StartEmitSpan(ctx context.Context, kind, eventID, transactionID string) (context.Context, trace.Span) {
	return StartEmitSpan(ctx, kind, eventID, transactionID)
}

// StartTransactionSpan starts a span for a transaction operation.
func (m *otelSpanManager) StartTransactionSpan(ctx context.Context, op, transactionID string) (context.Context, trace.Span) {
	return StartTransactionSpan(ctx, op, transactionID)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// Convenience functions that operate on the global tracer.

// StartEmitSpan starts a span for an emission.
// Uses the global OTel tracer.
func StartEmitSpan(ctx context.Context, kind, eventID, transactionID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("event.kind", kind),
		attribute.String("event.id", eventID),
	}
	if transactionID != "" {
		attrs = append(attrs, attribute.String("transaction.id", transactionID))
	}
	return tracer.Start(ctx, "txbus.emit "+kind,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartTransactionSpan starts a span for a transaction operation.
// Uses the global OTel tracer.
func StartTransactionSpan(ctx context.Context, op, transactionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "txbus.transaction."+op,
		trace.WithAttributes(
			attribute.String("transaction.id", transactionID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
