package asyncops

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/asyncops/pkg/asyncops/config"
	"github.com/randalmurphal/asyncops/pkg/asyncops/event"
	"github.com/randalmurphal/asyncops/pkg/asyncops/operation"
	"github.com/randalmurphal/asyncops/pkg/asyncops/stream"
)

// System owns one event bus, one operation queue, and one progress
// stream, started and stopped together. Construct it once and pass it to
// every consumer.
type System struct {
	bus    *event.Bus
	queue  *operation.Queue
	stream *stream.ProgressStream

	defaultTimeout time.Duration
	streamSubID    string
	started        atomic.Bool
}

// New builds a System from options. Call Start before use.
func New(opts ...Option) *System {
	cfg := newSystemConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return build(cfg)
}

// NewFromSettings builds a System from loaded settings; options override
// individual fields afterwards.
func NewFromSettings(settings config.Settings, opts ...Option) *System {
	cfg := newSystemConfig()
	settings.ApplyDefaults()
	cfg.settings = settings
	cfg.timeout = settings.Queue.DefaultTimeout.Std()
	for _, opt := range opts {
		opt(cfg)
	}
	return build(cfg)
}

func build(cfg *systemConfig) *System {
	bus := event.NewBus(event.BusConfig{
		Workers:       cfg.settings.Bus.Workers,
		QueueCapacity: cfg.settings.Bus.QueueCapacity,
		HistorySize:   cfg.settings.Bus.HistorySize,
		Logger:        cfg.logger,
		Metrics:       cfg.metrics,
	})

	queue := operation.NewQueue(bus, operation.QueueConfig{
		MaxConcurrent:     cfg.settings.Queue.MaxConcurrent,
		Capacity:          cfg.settings.Queue.Capacity,
		TerminalRetention: cfg.settings.Queue.TerminalRetention,
		Logger:            cfg.logger,
		Metrics:           cfg.metrics,
		Spans:             cfg.spans,
	})

	ps := stream.NewProgressStream(stream.Config{
		Buffer: cfg.settings.Stream.Buffer,
		Logger: cfg.logger,
	})

	return &System{
		bus:            bus,
		queue:          queue,
		stream:         ps,
		defaultTimeout: cfg.timeout,
	}
}

// Start brings the system up: bus first, then the stream subscription,
// then the queue. Idempotent.
func (s *System) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.bus.Start(ctx)
	s.streamSubID = s.bus.Subscribe(s.stream, nil, nil)
	s.queue.Start(ctx)
}

// Stop tears the system down in reverse order: queue, stream
// subscription, bus. Idempotent.
func (s *System) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.queue.Stop()
	s.bus.Unsubscribe(s.streamSubID)
	s.bus.Stop()
}

// Bus returns the event bus.
func (s *System) Bus() *event.Bus {
	return s.bus
}

// Queue returns the operation queue.
func (s *System) Queue() *operation.Queue {
	return s.queue
}

// Stream returns the progress stream.
func (s *System) Stream() *stream.ProgressStream {
	return s.stream
}

// Submit enqueues an operation, applying the system default timeout when
// the submission carries none.
func (s *System) Submit(op operation.Operation, opts ...operation.SubmitOption) (string, error) {
	if s.defaultTimeout > 0 && len(opts) == 0 {
		opts = []operation.SubmitOption{operation.WithTimeout(s.defaultTimeout)}
	}
	return s.queue.Submit(op, opts...)
}

// Cancel requests cancellation; see Queue.Cancel.
func (s *System) Cancel(operationID string) bool {
	return s.queue.Cancel(operationID)
}

// Status returns the operation's result snapshot, or nil if unknown.
func (s *System) Status(operationID string) *operation.Result {
	return s.queue.Status(operationID)
}

// List returns merged terminal and active snapshots.
func (s *System) List(statuses ...operation.Status) []operation.Result {
	return s.queue.List(statuses...)
}

// SubscribeToOperation opens an independent progress stream for the
// operation. The returned subscription's channel closes after the first
// terminal payload.
func (s *System) SubscribeToOperation(operationID string) *stream.Subscription {
	return s.stream.Subscribe(operationID)
}
