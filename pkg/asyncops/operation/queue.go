package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/asyncops/pkg/asyncops/event"
	"github.com/randalmurphal/asyncops/pkg/asyncops/observability"
)

// Queue admission errors.
var (
	// ErrQueueNotRunning is returned by Submit outside the Start/Stop window.
	ErrQueueNotRunning = errors.New("operation queue is not running")

	// ErrQueueFull is returned when the admission queue is at capacity.
	ErrQueueFull = errors.New("operation queue is full")
)

// eventSource identifies the queue as the publisher of lifecycle events.
const eventSource = "operation_queue"

// QueueConfig configures queue behavior.
type QueueConfig struct {
	// MaxConcurrent bounds the number of operations running at once.
	// Default: 4
	MaxConcurrent int

	// Capacity is the admission queue size; Submit fails with
	// ErrQueueFull past it.
	// Default: 256
	Capacity int

	// TerminalRetention caps retained terminal results (drop-oldest).
	// Default: 1000
	TerminalRetention int

	// Logger receives worker-loop and lifecycle logging.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics records queue activity.
	// Default: observability.NoopMetrics{}
	Metrics observability.MetricsRecorder

	// Spans traces operation execution.
	// Default: observability.NoopSpanManager{}
	Spans observability.SpanManager
}

// DefaultQueueConfig provides reasonable defaults.
var DefaultQueueConfig = QueueConfig{
	MaxConcurrent:     4,
	Capacity:          256,
	TerminalRetention: 1000,
}

// QueueMetrics is a point-in-time snapshot of queue counters.
type QueueMetrics struct {
	Submitted     int64   `json:"submitted"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Cancelled     int64   `json:"cancelled"`
	TimedOut      int64   `json:"timed_out"`
	QueueDepth    int     `json:"queue_depth"`
	Active        int     `json:"active"`
	ActiveWorkers int     `json:"active_workers"`
	SuccessRate   float64 `json:"success_rate"`
}

// Queue executes submitted operations on a bounded worker pool,
// supervising timeouts and cancellation and publishing lifecycle events
// on the bus.
//
// The queue exclusively owns every non-terminal operation. On a terminal
// transition a Result snapshot moves to the terminal store and the live
// handle is evicted, bounding memory.
type Queue struct {
	config  QueueConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	bus     *event.Bus

	ids   chan string
	slots chan struct{} // admission tokens; one held per enqueued id

	mu       sync.RWMutex
	active   map[string]*Handle
	tasks    map[string]context.CancelFunc // cancel funcs for executing operations
	terminal map[string]Result
	order    []string // terminal insertion order, for drop-oldest

	running     atomic.Bool
	lifecycleMu sync.Mutex // serializes Start and Stop
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	submitted     atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	cancelled     atomic.Int64
	timedOut      atomic.Int64
	activeWorkers atomic.Int32
}

// NewQueue creates a queue that publishes lifecycle events on bus.
// Call Start before submitting.
func NewQueue(bus *event.Bus, config QueueConfig) *Queue {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultQueueConfig.MaxConcurrent
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultQueueConfig.Capacity
	}
	if config.TerminalRetention <= 0 {
		config.TerminalRetention = DefaultQueueConfig.TerminalRetention
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	spans := config.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}

	return &Queue{
		config:   config,
		logger:   logger.With(slog.String("component", "operation_queue")),
		metrics:  metrics,
		spans:    spans,
		bus:      bus,
		ids:      make(chan string, config.Capacity),
		slots:    make(chan struct{}, config.Capacity),
		active:   make(map[string]*Handle),
		tasks:    make(map[string]context.CancelFunc),
		terminal: make(map[string]Result),
	}
}

// Start spawns the worker pool. Calling Start on a running queue is a
// no-op.
func (q *Queue) Start(ctx context.Context) {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if !q.running.CompareAndSwap(false, true) {
		return
	}

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.config.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	q.logger.Debug("queue started", slog.Int("max_concurrent", q.config.MaxConcurrent))
}

// Stop best-effort cancels every executing operation, then stops the
// workers and waits for them. Calling Stop on a stopped queue is a no-op.
func (q *Queue) Stop() {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if !q.running.CompareAndSwap(true, false) {
		return
	}

	q.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(q.tasks))
	for _, c := range q.tasks {
		cancels = append(cancels, c)
	}
	q.mu.RUnlock()
	for _, c := range cancels {
		c()
	}

	q.cancel()
	q.wg.Wait()

	q.logger.Debug("queue stopped")
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	timeout time.Duration
}

// WithTimeout bounds the operation's execution time. Exceeding it forces
// the operation to stop and reports TIMEOUT regardless of cooperative
// polling.
func WithTimeout(d time.Duration) SubmitOption {
	return func(c *submitConfig) {
		c.timeout = d
	}
}

// Submit registers the operation, publishes operation.submitted, enqueues
// the id for execution, and returns immediately; it never waits for
// scheduling or the result. Callers observe the outcome by polling Status
// or subscribing to lifecycle events.
//
// Admission capacity is reserved before anything is published, so a
// rejected submission surfaces only as the returned error and emits no
// events. The submitted event goes out before a worker can see the id,
// which keeps lifecycle events for one operation in causal order:
// submitted, then started, then exactly one terminal event.
func (q *Queue) Submit(op Operation, opts ...SubmitOption) (string, error) {
	if !q.running.Load() {
		return "", ErrQueueNotRunning
	}

	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	select {
	case q.slots <- struct{}{}:
	default:
		return "", fmt.Errorf("submit %s: %w", op.Name(), ErrQueueFull)
	}

	h := newHandle(op, cfg.timeout, q.notifyProgress)

	q.mu.Lock()
	q.active[h.id] = h
	q.mu.Unlock()

	q.submitted.Add(1)
	q.publish(EventSubmitted, h, map[string]any{
		"operation_id": h.id,
		"operation":    op.Name(),
	}, event.PriorityNormal)

	// Cannot block: the token above reserved a buffer slot.
	q.ids <- h.id
	q.metrics.RecordQueueDepth(context.Background(), int64(len(q.ids)))

	return h.id, nil
}

// Cancel requests cancellation of an operation. The cancelled flag is
// always set and, if the operation is executing, its context is
// cancelled. Returns whether the operation is known (active or already
// terminal); cancelling a finished operation is an idempotent no-op that
// still returns true.
func (q *Queue) Cancel(operationID string) bool {
	q.mu.RLock()
	h, isActive := q.active[operationID]
	_, isTerminal := q.terminal[operationID]
	cancelTask := q.tasks[operationID]
	q.mu.RUnlock()

	if !isActive {
		return isTerminal
	}

	h.requestCancel()
	if cancelTask != nil {
		cancelTask()
	}

	// First terminal status wins: if the worker already recorded one,
	// this transition (and its event) is skipped.
	q.finalize(h, StatusCancelled, nil, "cancelled")
	return true
}

// Status returns the operation's result snapshot, checking the terminal
// store first and the active map second. Returns nil for unknown IDs.
func (q *Queue) Status(operationID string) *Result {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if r, ok := q.terminal[operationID]; ok {
		return &r
	}
	if h, ok := q.active[operationID]; ok {
		r := h.Snapshot()
		return &r
	}
	return nil
}

// List returns merged terminal and active snapshots, optionally
// restricted to the given statuses.
func (q *Queue) List(statuses ...Status) []Result {
	match := func(s Status) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Result, 0, len(q.terminal)+len(q.active))
	for _, id := range q.order {
		if r, ok := q.terminal[id]; ok && match(r.Status) {
			out = append(out, r)
		}
	}
	for _, h := range q.active {
		r := h.Snapshot()
		if match(r.Status) {
			out = append(out, r)
		}
	}
	return out
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() QueueMetrics {
	q.mu.RLock()
	active := len(q.active)
	q.mu.RUnlock()

	completed := q.completed.Load()
	terminalTotal := completed + q.failed.Load() + q.cancelled.Load() + q.timedOut.Load()
	successRate := 0.0
	if terminalTotal > 0 {
		successRate = float64(completed) / float64(terminalTotal)
	}

	return QueueMetrics{
		Submitted:     q.submitted.Load(),
		Completed:     completed,
		Failed:        q.failed.Load(),
		Cancelled:     q.cancelled.Load(),
		TimedOut:      q.timedOut.Load(),
		QueueDepth:    len(q.ids),
		Active:        active,
		ActiveWorkers: int(q.activeWorkers.Load()),
		SuccessRate:   successRate,
	}
}

// worker executes one operation at a time, bounding true concurrency to
// MaxConcurrent across the pool.
func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ids:
			<-q.slots // free the admission token held by this id
			q.mu.RLock()
			h, ok := q.active[id]
			q.mu.RUnlock()
			if !ok {
				// Cancelled before a worker picked it up.
				continue
			}

			q.activeWorkers.Add(1)
			q.runOperation(ctx, h)
			q.activeWorkers.Add(-1)
			q.metrics.RecordQueueDepth(ctx, int64(len(q.ids)))
		}
	}
}

type execOutcome struct {
	value any
	err   error
}

// runOperation supervises one execution: it races Execute against the
// operation's context so a deadline or cancellation always produces a
// terminal status on time, even when the operation ignores both.
func (q *Queue) runOperation(ctx context.Context, h *Handle) {
	var opCtx context.Context
	var cancel context.CancelFunc
	if h.timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, h.timeout)
	} else {
		opCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	q.mu.Lock()
	q.tasks[h.id] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.tasks, h.id)
		q.mu.Unlock()
	}()

	if !h.markRunning() {
		// Terminal before start (cancelled while pending).
		return
	}

	observability.LogOperationStart(q.logger, h.id, h.Name())
	q.publish(EventStarted, h, map[string]any{
		"operation_id": h.id,
		"operation":    h.Name(),
	}, event.PriorityNormal)

	spanCtx, span := q.spans.StartOperationSpan(opCtx, h.Name(), h.id)
	elapsed := observability.TimedOperation()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := h.op.Execute(spanCtx, h)
		done <- execOutcome{value: value, err: err}
	}()

	var spanErr error
	select {
	case out := <-done:
		switch {
		case out.err == nil:
			q.finalize(h, StatusCompleted, out.value, "")
			observability.LogOperationComplete(q.logger, h.id, elapsed())
		case h.timeout > 0 && errors.Is(out.err, context.DeadlineExceeded):
			q.timeoutOperation(h)
			spanErr = out.err
		case errors.Is(out.err, context.Canceled) || h.Cancelled():
			q.finalize(h, StatusCancelled, nil, "cancelled")
			observability.LogOperationCancelled(q.logger, h.id)
			spanErr = out.err
		default:
			q.finalize(h, StatusFailed, nil, out.err.Error())
			observability.LogOperationError(q.logger, h.id, out.err, elapsed())
			spanErr = out.err
		}
	case <-opCtx.Done():
		// The operation has not returned; stop waiting for it. A
		// non-cooperative Execute keeps running in the background but
		// its outcome is discarded.
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			q.timeoutOperation(h)
		} else {
			q.finalize(h, StatusCancelled, nil, "cancelled")
			observability.LogOperationCancelled(q.logger, h.id)
		}
		spanErr = opCtx.Err()
	}

	q.spans.EndSpanWithError(span, spanErr)
}

func (q *Queue) timeoutOperation(h *Handle) {
	msg := fmt.Sprintf("operation %s timed out after %s", h.Name(), h.timeout)
	q.finalize(h, StatusTimeout, nil, msg)
	observability.LogOperationTimeout(q.logger, h.id, h.timeout)
}

// finalize records the terminal outcome, snapshots it into the terminal
// store, evicts the live handle, and publishes the matching lifecycle
// event. An already-terminal operation is left untouched (first terminal
// status wins) and no duplicate event is published.
func (q *Queue) finalize(h *Handle, status Status, result any, errMsg string) {
	if !h.markTerminal(status, result, errMsg) {
		return
	}

	snap := h.Snapshot()

	q.mu.Lock()
	delete(q.active, h.id)
	q.terminal[h.id] = snap
	q.order = append(q.order, h.id)
	if len(q.order) > q.config.TerminalRetention {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.terminal, oldest)
	}
	q.mu.Unlock()

	var eventType string
	priority := event.PriorityNormal
	switch status {
	case StatusCompleted:
		eventType = EventCompleted
		priority = event.PriorityHigh
		q.completed.Add(1)
	case StatusFailed:
		eventType = EventFailed
		priority = event.PriorityHigh
		q.failed.Add(1)
	case StatusCancelled:
		eventType = EventCancelled
		q.cancelled.Add(1)
	case StatusTimeout:
		eventType = EventTimeout
		q.timedOut.Add(1)
	default:
		return
	}

	q.publish(eventType, h, snap.ToMap(), priority)
	q.metrics.RecordOperation(context.Background(), snap.Name, string(status), snap.Duration())
}

// notifyProgress publishes an operation.progress event with a snapshot.
// Wired into every handle at submission.
func (q *Queue) notifyProgress(h *Handle, p Progress) {
	q.publish(EventProgress, h, map[string]any{
		"operation_id": h.id,
		"operation":    h.Name(),
		"progress":     p.ToMap(),
	}, event.PriorityNormal)
}

func (q *Queue) publish(eventType string, h *Handle, data map[string]any, priority event.Priority) {
	if q.bus == nil {
		return
	}
	evt := event.New(eventType, eventSource, data,
		event.WithPriority(priority),
		event.WithCorrelationID(h.id))
	if err := q.bus.Publish(evt); err != nil {
		q.logger.Debug("lifecycle event not published",
			slog.String("event_type", eventType),
			slog.String("operation_id", h.id),
			slog.String("error", err.Error()))
	}
}
