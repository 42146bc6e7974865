package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	// Save the original provider
	originalProvider := otel.GetMeterProvider()

	// Set test provider
	otel.SetMeterProvider(provider)

	// Return cleanup function
	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	// NewMetricsRecorder uses the global provider
	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
}

func TestRecordEventPublished(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	// Create a fresh metrics instance using the test provider
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	m.RecordEventPublished(ctx, "task.created")
	m.RecordEventPublished(ctx, "task.created")

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "asyncops.events.published")
	require.NotNil(t, metric)

	sum, ok := metric.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	require.NotEmpty(t, sum.DataPoints)

	// Find the datapoint for our event type
	found := false
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if attr.Key == "event_type" && attr.Value.AsString() == "task.created" {
				found = true
				assert.Equal(t, int64(2), dp.Value)
			}
		}
	}
	assert.True(t, found, "Expected to find datapoint for event_type=task.created")
}

func TestRecordEventDropped(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordEventDropped(context.Background(), "task.created")

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "asyncops.events.dropped")
	require.NotNil(t, metric)

	sum, ok := metric.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, sum.DataPoints)
}

func TestRecordDispatch(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records dispatch count", func(t *testing.T) {
		m.RecordDispatch(ctx, "task.updated", 3, 10*time.Millisecond)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "asyncops.events.dispatched")
		require.NotNil(t, metric)

		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.NotEmpty(t, sum.DataPoints)
	})

	t.Run("records dispatch latency", func(t *testing.T) {
		m.RecordDispatch(ctx, "task.updated", 1, 25*time.Millisecond)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "asyncops.dispatch.latency_ms")
		require.NotNil(t, metric)

		hist, ok := metric.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})
}

func TestRecordHandlerError(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordHandlerError(context.Background(), "task.deleted")

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "asyncops.handler.errors")
	require.NotNil(t, metric)

	sum, ok := metric.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	found := false
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if attr.Key == "event_type" && attr.Value.AsString() == "task.deleted" {
				found = true
				assert.GreaterOrEqual(t, dp.Value, int64(1))
			}
		}
	}
	assert.True(t, found, "Expected to find error datapoint")
}

func TestRecordOperation(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records outcome count by status", func(t *testing.T) {
		m.RecordOperation(ctx, "report-export", "completed", 500*time.Millisecond)
		m.RecordOperation(ctx, "report-export", "failed", 100*time.Millisecond)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "asyncops.operations")
		require.NotNil(t, metric)

		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok)

		statuses := map[string]bool{}
		for _, dp := range sum.DataPoints {
			for _, attr := range dp.Attributes.ToSlice() {
				if attr.Key == "status" {
					statuses[attr.Value.AsString()] = true
				}
			}
		}
		assert.True(t, statuses["completed"])
		assert.True(t, statuses["failed"])
	})

	t.Run("records operation latency", func(t *testing.T) {
		m.RecordOperation(ctx, "report-export", "completed", 200*time.Millisecond)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "asyncops.operation.latency_ms")
		require.NotNil(t, metric)

		hist, ok := metric.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})
}

func TestRecordQueueDepth(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordQueueDepth(context.Background(), 7)

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "asyncops.queue.depth")
	require.NotNil(t, metric)

	gauge, ok := metric.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "Expected Gauge type")
	require.NotEmpty(t, gauge.DataPoints)
	assert.Equal(t, int64(7), gauge.DataPoints[len(gauge.DataPoints)-1].Value)
}

func TestOtelMetrics_AllMethods(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()

	// Call all methods to ensure they work
	m.RecordEventPublished(ctx, "test.event")
	m.RecordEventDropped(ctx, "test.event")
	m.RecordDispatch(ctx, "test.event", 2, 10*time.Millisecond)
	m.RecordHandlerError(ctx, "test.event")
	m.RecordOperation(ctx, "test-op", "completed", 100*time.Millisecond)
	m.RecordQueueDepth(ctx, 3)

	// Collect and verify all metrics exist
	rm := collectMetrics(t, reader)

	assert.NotNil(t, findMetric(rm, "asyncops.events.published"))
	assert.NotNil(t, findMetric(rm, "asyncops.events.dropped"))
	assert.NotNil(t, findMetric(rm, "asyncops.events.dispatched"))
	assert.NotNil(t, findMetric(rm, "asyncops.dispatch.latency_ms"))
	assert.NotNil(t, findMetric(rm, "asyncops.handler.errors"))
	assert.NotNil(t, findMetric(rm, "asyncops.operations"))
	assert.NotNil(t, findMetric(rm, "asyncops.operation.latency_ms"))
	assert.NotNil(t, findMetric(rm, "asyncops.queue.depth"))
}

func TestNewOtelMetrics_Creation(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	// Verify all metric instruments were created
	assert.NotNil(t, m.eventsPublished)
	assert.NotNil(t, m.eventsDropped)
	assert.NotNil(t, m.dispatches)
	assert.NotNil(t, m.dispatchLatency)
	assert.NotNil(t, m.handlerErrors)
	assert.NotNil(t, m.operations)
	assert.NotNil(t, m.opLatency)
	assert.NotNil(t, m.queueDepth)
}
