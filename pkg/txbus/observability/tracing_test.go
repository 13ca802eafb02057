package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest creates a test tracer provider with an in-memory span recorder.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	// Save the original provider
	originalProvider := otel.GetTracerProvider()

	// Set test provider
	otel.SetTracerProvider(tp)

	// Update the package-level tracer
	tracer = otel.Tracer("txbus")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestStartEmitSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	t.Run("creates span with kind, event and transaction attributes", func(t *testing.T) {
		exporter.Reset()
		_, span := StartEmitSpan(context.Background(), "stock.reduced", "evt-1", "tx-1")
		require.NotNil(t, span)
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "txbus.emit stock.reduced", spans[0].Name)

		attrs := attrMap(spans[0].Attributes)
		assert.Equal(t, "stock.reduced", attrs["event.kind"])
		assert.Equal(t, "evt-1", attrs["event.id"])
		assert.Equal(t, "tx-1", attrs["transaction.id"])
	})

	t.Run("omits transaction attribute when absent", func(t *testing.T) {
		exporter.Reset()
		_, span := StartEmitSpan(context.Background(), "till.opened", "evt-2", "")
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		_, ok := attrMap(spans[0].Attributes)["transaction.id"]
		assert.False(t, ok)
	})
}

func TestStartTransactionSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	ctx, parent := StartTransactionSpan(context.Background(), "rollback", "tx-7")
	_, child := StartEmitSpan(ctx, "transaction.rollback", "evt-9", "tx-7")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	var parentStub, childStub *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "txbus.transaction.rollback":
			parentStub = &spans[i]
		case "txbus.emit transaction.rollback":
			childStub = &spans[i]
		}
	}
	require.NotNil(t, parentStub)
	require.NotNil(t, childStub)
	assert.Equal(t, parentStub.SpanContext.SpanID(), childStub.Parent.SpanID())
}

func TestEndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	t.Run("records error status", func(t *testing.T) {
		exporter.Reset()
		_, span := StartEmitSpan(context.Background(), "sale.completed", "evt", "")
		EndSpanWithError(span, errors.New("emit timed out"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		assert.Equal(t, "emit timed out", spans[0].Status.Description)
		assert.NotEmpty(t, spans[0].Events, "error should be recorded as span event")
	})

	t.Run("records ok status", func(t *testing.T) {
		exporter.Reset()
		_, span := StartEmitSpan(context.Background(), "sale.completed", "evt", "")
		EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
	})

	t.Run("nil span does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() { EndSpanWithError(nil, nil) })
	})
}

func TestAddSpanEvent(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	ctx, span := StartTransactionSpan(context.Background(), "commit", "tx-1")
	AddSpanEvent(ctx, "listener.failed", attribute.String("listener.id", "l-1"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "listener.failed", spans[0].Events[0].Name)

	assert.NotPanics(t, func() {
		AddSpanEvent(context.Background(), "no span")
	})
}

func TestSpanManager(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()
	ctx, span := sm.StartTransactionSpan(context.Background(), "commit", "tx-2")
	sm.AddSpanEvent(ctx, "checkpoint")
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "txbus.transaction.commit", spans[0].Name)
}
