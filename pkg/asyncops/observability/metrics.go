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

// MetricsRecorder records asyncops metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEventPublished counts an accepted publish.
	RecordEventPublished(ctx context.Context, eventType string)

	// RecordEventDropped counts an event dropped at a full queue or buffer.
	RecordEventDropped(ctx context.Context, eventType string)

	// RecordDispatch records one dispatched event with its fan-out width
	// and end-to-end handler latency.
	RecordDispatch(ctx context.Context, eventType string, handlers int, duration time.Duration)

	// RecordHandlerError counts a handler error or panic.
	RecordHandlerError(ctx context.Context, eventType string)

	// RecordOperation records a terminal operation outcome with its duration.
	RecordOperation(ctx context.Context, operationName, status string, duration time.Duration)

	// RecordQueueDepth records the current operation queue depth.
	RecordQueueDepth(ctx context.Context, depth int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	operations      metric.Int64Counter
	opLatency       metric.Float64Histogram
	queueDepth      metric.Int64Gauge
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
	meter := otel.Meter("asyncops")

	eventsPublished, err := meter.Int64Counter("asyncops.events.published",
		metric.WithDescription("Number of events accepted by Publish"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter("asyncops.events.dropped",
		metric.WithDescription("Number of events dropped at full queues or buffers"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("asyncops.events.dispatched",
		metric.WithDescription("Number of events dispatched to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("asyncops.dispatch.latency_ms",
		metric.WithDescription("End-to-end handler fan-out latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("asyncops.handler.errors",
		metric.WithDescription("Number of handler errors and panics"),
	)
	if err != nil {
		return nil, err
	}

	operations, err := meter.Int64Counter("asyncops.operations",
		metric.WithDescription("Number of operations by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	opLatency, err := meter.Float64Histogram("asyncops.operation.latency_ms",
		metric.WithDescription("Operation execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("asyncops.queue.depth",
		metric.WithDescription("Pending operations awaiting a worker"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		eventsPublished: eventsPublished,
		eventsDropped:   eventsDropped,
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		handlerErrors:   handlerErrors,
		operations:      operations,
		opLatency:       opLatency,
		queueDepth:      queueDepth,
	}, nil
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

// RecordEventPublished counts an accepted publish.
func (m *otelMetrics) RecordEventPublished(ctx context.Context, eventType string) {
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEventDropped counts a dropped event.
func (m *otelMetrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordDispatch records a dispatched event.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType string, handlers int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.Int("handlers", handlers),
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordHandlerError counts a handler error.
func (m *otelMetrics) RecordHandlerError(ctx context.Context, eventType string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordOperation records a terminal operation outcome.
func (m *otelMetrics) RecordOperation(ctx context.Context, operationName, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operationName),
		attribute.String("status", status),
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.opLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordQueueDepth records current queue depth.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}
