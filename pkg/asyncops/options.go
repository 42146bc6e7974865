package asyncops

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/asyncops/pkg/asyncops/config"
	"github.com/randalmurphal/asyncops/pkg/asyncops/observability"
)

// Option configures a System.
type Option func(*systemConfig)

type systemConfig struct {
	settings config.Settings
	timeout  time.Duration
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
}

func newSystemConfig() *systemConfig {
	return &systemConfig{settings: config.Default()}
}

// WithBusWorkers sets the number of event dispatch workers.
// Use a single worker when handlers require total event order.
func WithBusWorkers(n int) Option {
	return func(c *systemConfig) {
		c.settings.Bus.Workers = n
	}
}

// WithBusCapacity sets the event dispatch queue size.
func WithBusCapacity(n int) Option {
	return func(c *systemConfig) {
		c.settings.Bus.QueueCapacity = n
	}
}

// WithHistorySize caps the retained event history.
func WithHistorySize(n int) Option {
	return func(c *systemConfig) {
		c.settings.Bus.HistorySize = n
	}
}

// WithQueueWorkers bounds simultaneously running operations.
func WithQueueWorkers(n int) Option {
	return func(c *systemConfig) {
		c.settings.Queue.MaxConcurrent = n
	}
}

// WithQueueCapacity sets the operation admission queue size.
func WithQueueCapacity(n int) Option {
	return func(c *systemConfig) {
		c.settings.Queue.Capacity = n
	}
}

// WithTerminalRetention caps retained terminal results.
func WithTerminalRetention(n int) Option {
	return func(c *systemConfig) {
		c.settings.Queue.TerminalRetention = n
	}
}

// WithDefaultTimeout applies a timeout to submissions that do not carry
// their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *systemConfig) {
		c.timeout = d
	}
}

// WithStreamBuffer sets the per-subscriber stream channel capacity.
func WithStreamBuffer(n int) Option {
	return func(c *systemConfig) {
		c.settings.Stream.Buffer = n
	}
}

// WithLogger injects a structured logger into every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *systemConfig) {
		c.logger = logger
	}
}

// WithMetrics enables OTel metrics recording.
// Configure the global meter provider before the system starts.
func WithMetrics(enabled bool) Option {
	return func(c *systemConfig) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithTracing enables OTel spans around operation execution.
// Configure the global tracer provider before the system starts.
func WithTracing(enabled bool) Option {
	return func(c *systemConfig) {
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithMetricsRecorder injects a custom metrics recorder.
func WithMetricsRecorder(m observability.MetricsRecorder) Option {
	return func(c *systemConfig) {
		c.metrics = m
	}
}

// WithSpanManager injects a custom span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *systemConfig) {
		c.spans = s
	}
}
