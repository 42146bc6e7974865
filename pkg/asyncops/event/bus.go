package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/asyncops/pkg/asyncops/observability"
)

// ErrBusNotRunning is returned by Publish outside the Start/Stop window.
var ErrBusNotRunning = errors.New("event bus is not running")

// BusConfig configures bus behavior.
type BusConfig struct {
	// Workers is the number of dispatch workers.
	// Default: 4
	Workers int

	// QueueCapacity is the dispatch queue size. Publish drops the event
	// (with a counter and a warning) when the queue is full.
	// Default: 1024
	QueueCapacity int

	// HistorySize caps the event history; the oldest event is evicted
	// past capacity.
	// Default: 1000
	HistorySize int

	// Logger receives handler failures and drop warnings.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics records bus activity.
	// Default: observability.NoopMetrics{}
	Metrics observability.MetricsRecorder
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	Workers:       4,
	QueueCapacity: 1024,
	HistorySize:   1000,
}

// BusMetrics is a point-in-time snapshot of bus counters.
type BusMetrics struct {
	Published     int64 `json:"published"`
	Dispatched    int64 `json:"dispatched"`
	Dropped       int64 `json:"dropped"`
	HandlerErrors int64 `json:"handler_errors"`
	Subscriptions int   `json:"subscriptions"`
	HistorySize   int   `json:"history_size"`
	QueueDepth    int   `json:"queue_depth"`
	Workers       int   `json:"workers"`
	Running       bool  `json:"running"`
}

// Bus is a queue-backed pub/sub dispatcher. Workers pop published events
// and deliver each one to every matching subscription concurrently.
//
// Start and Stop are idempotent and safe to call repeatedly. All other
// methods are safe for concurrent use.
type Bus struct {
	config  BusConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	queue chan *Event

	mu     sync.RWMutex
	subs   map[string]*subscription            // subscription ID -> subscription
	byType map[string]map[string]*subscription // event type -> subscription ID -> subscription
	global map[string]*subscription            // subscriptions receiving all events

	histMu  sync.Mutex
	history []*Event

	running     atomic.Bool
	lifecycleMu sync.Mutex // serializes Start and Stop
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	published     atomic.Int64
	dispatched    atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
}

// NewBus creates a bus. Call Start before publishing.
func NewBus(config BusConfig) *Bus {
	if config.Workers <= 0 {
		config.Workers = DefaultBusConfig.Workers
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultBusConfig.QueueCapacity
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultBusConfig.HistorySize
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	return &Bus{
		config:  config,
		logger:  logger.With(slog.String("component", "event_bus")),
		metrics: metrics,
		queue:   make(chan *Event, config.QueueCapacity),
		subs:    make(map[string]*subscription),
		byType:  make(map[string]map[string]*subscription),
		global:  make(map[string]*subscription),
	}
}

// Start spawns the dispatch workers. Calling Start on a running bus is a
// no-op. The context bounds the workers' lifetime; cancelling it is
// equivalent to Stop.
func (b *Bus) Start(ctx context.Context) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.running.CompareAndSwap(false, true) {
		return
	}

	ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.config.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, i)
	}

	b.logger.Debug("bus started", slog.Int("workers", b.config.Workers))
}

// Stop cancels the workers, waits for in-flight dispatches, and drops
// any events still buffered so a restart begins with an empty queue.
// Calling Stop on a stopped bus is a no-op.
func (b *Bus) Stop() {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.running.CompareAndSwap(true, false) {
		return
	}

	b.cancel()
	b.wg.Wait()

	drained := 0
	for len(b.queue) > 0 {
		<-b.queue
		drained++
	}
	if drained > 0 {
		b.dropped.Add(int64(drained))
		b.logger.Debug("undispatched events dropped at stop", slog.Int("count", drained))
	}

	b.logger.Debug("bus stopped")
}

// Publish enqueues an event for dispatch. It appends to history, counts
// the event, and returns without waiting for handlers (fire-and-forget).
//
// Returns ErrBusNotRunning outside the Start/Stop window. Zero matching
// subscribers is legal.
func (b *Bus) Publish(evt *Event) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}

	b.appendHistory(evt)
	b.published.Add(1)
	b.metrics.RecordEventPublished(context.Background(), evt.Type)

	select {
	case b.queue <- evt:
	default:
		// Queue full: drop rather than block the publisher.
		b.dropped.Add(1)
		b.metrics.RecordEventDropped(context.Background(), evt.Type)
		b.logger.Warn("event dropped, dispatch queue full",
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID))
	}

	return nil
}

// Subscribe registers a handler for the given event types, gated by an
// optional filter, and returns the subscription ID.
//
// If types is nil, the handler's own EventTypes() are used; if that list
// is also empty the subscription is global and receives every event.
// The same handler may hold many independent subscriptions.
func (b *Bus) Subscribe(handler Handler, types []string, filter *Filter) string {
	if types == nil {
		types = handler.EventTypes()
	}

	sub := &subscription{
		id:        uuid.New().String(),
		handlerID: HandlerID(handler),
		handler:   handler,
		types:     types,
		filter:    filter,
		active:    true,
		createdAt: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[sub.id] = sub
	if len(types) == 0 {
		b.global[sub.id] = sub
		return sub.id
	}
	for _, t := range types {
		if b.byType[t] == nil {
			b.byType[t] = make(map[string]*subscription)
		}
		b.byType[t][sub.id] = sub
	}

	return sub.id
}

// Unsubscribe removes a single subscription. Returns false if the ID is
// unknown.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscriptionID]
	if !ok {
		return false
	}
	b.removeLocked(sub)
	return true
}

// UnsubscribeHandler removes every subscription held by the handler with
// the given identity (see HandlerID). Returns the number removed.
func (b *Bus) UnsubscribeHandler(handlerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, sub := range b.subs {
		if sub.handlerID == handlerID {
			b.removeLocked(sub)
			removed++
		}
	}
	return removed
}

func (b *Bus) removeLocked(sub *subscription) {
	sub.active = false
	delete(b.subs, sub.id)
	delete(b.global, sub.id)
	for _, t := range sub.types {
		if typeSubs, ok := b.byType[t]; ok {
			delete(typeSubs, sub.id)
			if len(typeSubs) == 0 {
				delete(b.byType, t)
			}
		}
	}
}

// Subscriptions returns read-only snapshots of all subscriptions.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		infos = append(infos, sub.info())
	}
	return infos
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() BusMetrics {
	b.mu.RLock()
	subCount := len(b.subs)
	b.mu.RUnlock()

	b.histMu.Lock()
	histSize := len(b.history)
	b.histMu.Unlock()

	return BusMetrics{
		Published:     b.published.Load(),
		Dispatched:    b.dispatched.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscriptions: subCount,
		HistorySize:   histSize,
		QueueDepth:    len(b.queue),
		Workers:       b.config.Workers,
		Running:       b.running.Load(),
	}
}

// History returns up to limit of the most recent events, oldest first.
// limit <= 0 returns the full history.
func (b *Bus) History(limit int) []*Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

func (b *Bus) appendHistory(evt *Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	b.history = append(b.history, evt)
	if len(b.history) > b.config.HistorySize {
		// Drop-oldest. Copy down to keep the backing array from growing.
		overflow := len(b.history) - b.config.HistorySize
		copy(b.history, b.history[overflow:])
		b.history = b.history[:b.config.HistorySize]
	}
}

// worker pops events and dispatches them until the context is cancelled.
// Dispatch panics are recovered so a bad event never costs a worker.
func (b *Bus) worker(ctx context.Context, n int) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.queue:
			b.safeDispatch(ctx, n, evt)
		}
	}
}

func (b *Bus) safeDispatch(ctx context.Context, worker int, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("dispatch panic recovered",
				slog.Int("worker", worker),
				slog.String("event_type", evt.Type),
				slog.Any("panic", r))
		}
	}()
	b.dispatch(ctx, evt)
}

// dispatch delivers one event to every matching subscription concurrently.
// Each handler call is isolated: an error or panic is logged and counted
// without blocking delivery to the rest.
func (b *Bus) dispatch(ctx context.Context, evt *Event) {
	start := time.Now()

	b.mu.RLock()
	var targets []*subscription
	if typeSubs, ok := b.byType[evt.Type]; ok {
		for _, sub := range typeSubs {
			if sub.wants(evt) {
				targets = append(targets, sub)
			}
		}
	}
	for _, sub := range b.global {
		if sub.wants(evt) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			b.deliver(ctx, sub, evt)
		}(sub)
	}
	wg.Wait()

	b.dispatched.Add(1)
	b.metrics.RecordDispatch(ctx, evt.Type, len(targets), time.Since(start))
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.metrics.RecordHandlerError(ctx, evt.Type)
			b.logger.Error("handler panicked",
				slog.String("event_type", evt.Type),
				slog.String("event_id", evt.ID),
				slog.String("subscription_id", sub.id),
				slog.Any("panic", r))
		}
	}()

	if err := sub.handler.Handle(ctx, evt); err != nil {
		b.handlerErrors.Add(1)
		b.metrics.RecordHandlerError(ctx, evt.Type)
		b.logger.Error("handler failed",
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID),
			slog.String("subscription_id", sub.id),
			slog.String("error", err.Error()))
	}
}
