// Package observability provides production-grade observability features
// for asyncops: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds operation context to a logger.
// Returns a new logger with operation_id and operation fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, opID, "report-export")
//	enriched.Info("doing work") // includes operation_id, operation
func EnrichLogger(logger *slog.Logger, operationID, operationName string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("operation_id", operationID),
		slog.String("operation", operationName),
	)
}

// LogOperationStart logs the start of an operation execution.
func LogOperationStart(logger *slog.Logger, operationID, operationName string) {
	if logger == nil {
		return
	}
	logger.Info("operation starting",
		slog.String("operation_id", operationID),
		slog.String("operation", operationName),
	)
}

// LogOperationComplete logs successful operation completion.
func LogOperationComplete(logger *slog.Logger, operationID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("operation completed",
		slog.String("operation_id", operationID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogOperationError logs operation failure.
func LogOperationError(logger *slog.Logger, operationID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("operation failed",
		slog.String("operation_id", operationID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogOperationTimeout logs an operation that exceeded its deadline.
func LogOperationTimeout(logger *slog.Logger, operationID string, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("operation timed out",
		slog.String("operation_id", operationID),
		slog.Duration("timeout", timeout),
	)
}

// LogOperationCancelled logs an operation cancellation.
func LogOperationCancelled(logger *slog.Logger, operationID string) {
	if logger == nil {
		return
	}
	logger.Info("operation cancelled",
		slog.String("operation_id", operationID),
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
