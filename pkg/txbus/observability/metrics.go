package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEmit records a finished (or timed out) emission.
	RecordEmit(ctx context.Context, kind string, listeners int, duration time.Duration, err error)

	// RecordBlocked records an emission vetoed by middleware.
	RecordBlocked(ctx context.Context, kind string)

	// RecordListener records one listener invocation.
	RecordListener(ctx context.Context, kind string, duration time.Duration, err error)

	// RecordTransaction records a transaction reaching a terminal status.
	RecordTransaction(ctx context.Context, status string, duration time.Duration)

	// RecordCompensation records one compensating action.
	RecordCompensation(ctx context.Context, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	emits             metric.Int64Counter
	emitLatency       metric.Float64Histogram
	emitErrors        metric.Int64Counter
	blocked           metric.Int64Counter
	listenerLatency   metric.Float64Histogram
	listenerErrors    metric.Int64Counter
	transactions      metric.Int64Counter
	txLatency         metric.Float64Histogram
	compensations     metric.Int64Counter
	compensationFails metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("txbus")
	m := &otelMetrics{}
	var err error

	if m.emits, err = meter.Int64Counter("txbus.events.emitted",
		metric.WithDescription("Number of events emitted"),
	); err != nil {
		return nil, err
	}

	if m.emitLatency, err = meter.Float64Histogram("txbus.emit.latency_ms",
		metric.WithDescription("Listener execution latency per emission in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.emitErrors, err = meter.Int64Counter("txbus.emit.errors",
		metric.WithDescription("Number of emissions that failed (timeouts, cancellation)"),
	); err != nil {
		return nil, err
	}

	if m.blocked, err = meter.Int64Counter("txbus.events.blocked",
		metric.WithDescription("Number of emissions vetoed by middleware"),
	); err != nil {
		return nil, err
	}

	if m.listenerLatency, err = meter.Float64Histogram("txbus.listener.latency_ms",
		metric.WithDescription("Listener latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.listenerErrors, err = meter.Int64Counter("txbus.listener.errors",
		metric.WithDescription("Number of failed listener invocations"),
	); err != nil {
		return nil, err
	}

	if m.transactions, err = meter.Int64Counter("txbus.transactions",
		metric.WithDescription("Number of transactions reaching a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.txLatency, err = meter.Float64Histogram("txbus.transaction.latency_ms",
		metric.WithDescription("Transaction lifetime in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.compensations, err = meter.Int64Counter("txbus.compensations",
		metric.WithDescription("Number of compensating actions executed"),
	); err != nil {
		return nil, err
	}

	if m.compensationFails, err = meter.Int64Counter("txbus.compensation.errors",
		metric.WithDescription("Number of compensating actions that failed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordEmit records an emission.
func (m *otelMetrics) RecordEmit(ctx context.Context, kind string, listeners int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))

	m.emits.Add(ctx, 1, attrs)
	m.emitLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.emitErrors.Add(ctx, 1, attrs)
	}
}

// RecordBlocked records a vetoed emission.
func (m *otelMetrics) RecordBlocked(ctx context.Context, kind string) {
	m.blocked.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordListener records a listener invocation.
func (m *otelMetrics) RecordListener(ctx context.Context, kind string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))

	m.listenerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.listenerErrors.Add(ctx, 1, attrs)
	}
}

// RecordTransaction records a terminal transaction.
func (m *otelMetrics) RecordTransaction(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))

	m.transactions.Add(ctx, 1, attrs)
	m.txLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordCompensation records a compensating action.
func (m *otelMetrics) RecordCompensation(ctx context.Context, err error) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
	if err != nil {
		m.compensationFails.Add(ctx, 1)
	}
}
