// Package observability provides logging, metrics and tracing for the bus.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry, and a Prometheus collector for bus counters
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds transaction and event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "tx-123", "stock.reduced")
//	enriched.Info("doing work") // includes transaction_id and kind
func EnrichLogger(logger *slog.Logger, transactionID, kind string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("transaction_id", transactionID),
		slog.String("kind", kind),
	)
}

// LogEmitComplete logs a finished emission.
func LogEmitComplete(logger *slog.Logger, eventID, kind string, listeners, failed int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event emitted",
		slog.String("event_id", eventID),
		slog.String("kind", kind),
		slog.Int("listeners", listeners),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogEmitBlocked logs an emission vetoed by middleware.
func LogEmitBlocked(logger *slog.Logger, eventID, kind string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event blocked by middleware",
		slog.String("event_id", eventID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

// LogEmitTimeout logs an emission that exceeded its budget.
func LogEmitTimeout(logger *slog.Logger, eventID, kind, transactionID string, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Error("event emission timed out",
		slog.String("event_id", eventID),
		slog.String("kind", kind),
		slog.String("transaction_id", transactionID),
		slog.Duration("timeout", timeout),
	)
}

// LogListenerError logs a failed listener (non-fatal to the emission).
func LogListenerError(logger *slog.Logger, listenerID, kind string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("listener failed",
		slog.String("listener_id", listenerID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

// LogTransactionStart logs the start of a transaction.
func LogTransactionStart(logger *slog.Logger, transactionID string) {
	if logger == nil {
		return
	}
	logger.Debug("transaction started",
		slog.String("transaction_id", transactionID),
	)
}

// LogTransactionCommit logs a committed transaction.
func LogTransactionCommit(logger *slog.Logger, transactionID string, actions int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("transaction committed",
		slog.String("transaction_id", transactionID),
		slog.Int("rollback_actions", actions),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTransactionRollback logs a completed rollback sweep.
func LogTransactionRollback(logger *slog.Logger, transactionID string, actions, failed int) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "transaction rolled back",
		slog.String("transaction_id", transactionID),
		slog.Int("actions", actions),
		slog.Int("failed", failed),
	)
}

// LogCompensationError logs a compensating action failure.
func LogCompensationError(logger *slog.Logger, transactionID, actionID, description string, err error) {
	if logger == nil {
		return
	}
	logger.Error("compensating action failed",
		slog.String("transaction_id", transactionID),
		slog.String("action_id", actionID),
		slog.String("description", description),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
