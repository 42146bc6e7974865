package operation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/asyncops/pkg/asyncops/event"
	"github.com/randalmurphal/asyncops/pkg/asyncops/operation"
)

// newQueue builds a started bus/queue pair for tests.
func newQueue(t *testing.T, cfg operation.QueueConfig) (*event.Bus, *operation.Queue) {
	t.Helper()
	bus := event.NewBus(event.BusConfig{Workers: 1})
	bus.Start(context.Background())
	t.Cleanup(bus.Stop)

	q := operation.NewQueue(bus, cfg)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return bus, q
}

// waitStatus polls until the operation reaches a terminal status.
func waitStatus(t *testing.T, q *operation.Queue, id string, timeout time.Duration) *operation.Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r := q.Status(id); r != nil && r.Status.Terminal() {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal status within %s", id, timeout)
	return nil
}

func TestQueue_SubmitRequiresStart(t *testing.T) {
	bus := event.NewBus(event.BusConfig{Workers: 1})
	q := operation.NewQueue(bus, operation.QueueConfig{})

	_, err := q.Submit(operation.Func("noop", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, nil
	}))
	assert.ErrorIs(t, err, operation.ErrQueueNotRunning)
}

func TestQueue_SuccessLifecycle(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{MaxConcurrent: 2})

	id, err := q.Submit(operation.Func("sum", func(ctx context.Context, h *operation.Handle) (any, error) {
		total := 0
		for i := 1; i <= 10; i++ {
			total += i
			h.UpdateProgress(i, 10, "summing", nil)
		}
		return total, nil
	}))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r := waitStatus(t, q, id, 2*time.Second)
	assert.Equal(t, operation.StatusCompleted, r.Status)
	assert.Equal(t, 55, r.Value)
	assert.Empty(t, r.Error)
	assert.InDelta(t, 100.0, r.Progress.Percentage, 0.001)
	require.NotNil(t, r.StartedAt)
	require.NotNil(t, r.CompletedAt)
	assert.GreaterOrEqual(t, r.Duration(), time.Duration(0))
}

func TestQueue_StatusSequence(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{MaxConcurrent: 1})

	release := make(chan struct{})
	id, err := q.Submit(operation.Func("gated", func(ctx context.Context, h *operation.Handle) (any, error) {
		<-release
		return "ok", nil
	}))
	require.NoError(t, err)

	// Observed statuses must be a prefix of pending -> running -> terminal.
	seen := []operation.Status{}
	record := func() {
		if r := q.Status(id); r != nil {
			if len(seen) == 0 || seen[len(seen)-1] != r.Status {
				seen = append(seen, r.Status)
			}
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		record()
		if len(seen) > 0 && seen[len(seen)-1] == operation.StatusRunning {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	waitStatus(t, q, id, time.Second)
	record()

	rank := map[operation.Status]int{
		operation.StatusPending:   0,
		operation.StatusRunning:   1,
		operation.StatusCompleted: 2,
	}
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, rank[seen[i]], rank[seen[i-1]],
			"status sequence %v is not monotonic", seen)
	}
	assert.Equal(t, operation.StatusCompleted, seen[len(seen)-1])
}

func TestQueue_Failure(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	id, err := q.Submit(operation.Func("explode", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, err)

	r := waitStatus(t, q, id, 2*time.Second)
	assert.Equal(t, operation.StatusFailed, r.Status)
	assert.Equal(t, "boom", r.Error)
	assert.Nil(t, r.Value)
}

func TestQueue_PanicBecomesFailure(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	id, err := q.Submit(operation.Func("panicky", func(ctx context.Context, h *operation.Handle) (any, error) {
		panic("unexpected state")
	}))
	require.NoError(t, err)

	r := waitStatus(t, q, id, 2*time.Second)
	assert.Equal(t, operation.StatusFailed, r.Status)
	assert.Contains(t, r.Error, "panic")
	assert.Contains(t, r.Error, "unexpected state")
}

func TestQueue_Timeout(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	// The operation never polls cancellation; the queue-layer deadline
	// must still terminate it on time.
	id, err := q.Submit(operation.Func("sleeper", func(ctx context.Context, h *operation.Handle) (any, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	}), operation.WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	r := waitStatus(t, q, id, 2*time.Second)
	assert.Equal(t, operation.StatusTimeout, r.Status)
	assert.Contains(t, r.Error, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second,
		"timeout must fire within a bounded grace period, not after the sleep")
}

func TestQueue_CooperativeTimeout(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	id, err := q.Submit(operation.Func("poller", func(ctx context.Context, h *operation.Handle) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), operation.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	r := waitStatus(t, q, id, 2*time.Second)
	assert.Equal(t, operation.StatusTimeout, r.Status)
}

func TestQueue_CancelUnknown(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})
	assert.False(t, q.Cancel("no-such-operation"))
}

func TestQueue_CancelRunning(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	started := make(chan struct{})
	id, err := q.Submit(operation.Func("cancellable", func(ctx context.Context, h *operation.Handle) (any, error) {
		close(started)
		for {
			if h.Cancelled() {
				return nil, context.Canceled
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	require.NoError(t, err)

	<-started
	assert.True(t, q.Cancel(id))

	r := waitStatus(t, q, id, 2*time.Second)
	assert.Equal(t, operation.StatusCancelled, r.Status)

	// Idempotent: cancelling a finished operation still reports known.
	assert.True(t, q.Cancel(id))
	assert.Equal(t, operation.StatusCancelled, q.Status(id).Status)
}

func TestQueue_CancelPending(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{MaxConcurrent: 1})

	// Occupy the single worker so the next submission stays pending.
	block := make(chan struct{})
	_, err := q.Submit(operation.Func("blocker", func(ctx context.Context, h *operation.Handle) (any, error) {
		<-block
		return nil, nil
	}))
	require.NoError(t, err)

	id, err := q.Submit(operation.Func("starved", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	assert.True(t, q.Cancel(id))
	r := q.Status(id)
	require.NotNil(t, r)
	assert.Equal(t, operation.StatusCancelled, r.Status)
	assert.Nil(t, r.StartedAt, "a never-started operation has no start time")

	close(block)
}

func TestQueue_MaxConcurrent(t *testing.T) {
	const limit = 3
	_, q := newQueue(t, operation.QueueConfig{MaxConcurrent: limit})

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)

	for i := 0; i < 10; i++ {
		_, err := q.Submit(operation.Func("counter", func(ctx context.Context, h *operation.Handle) (any, error) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}))
		require.NoError(t, err)
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(limit),
		"more than MaxConcurrent operations ran simultaneously")
}

func TestQueue_ListAndFilter(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	okID, err := q.Submit(operation.Func("ok", func(ctx context.Context, h *operation.Handle) (any, error) {
		return "fine", nil
	}))
	require.NoError(t, err)
	badID, err := q.Submit(operation.Func("bad", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, errors.New("nope")
	}))
	require.NoError(t, err)

	waitStatus(t, q, okID, 2*time.Second)
	waitStatus(t, q, badID, 2*time.Second)

	all := q.List()
	assert.Len(t, all, 2)

	failed := q.List(operation.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, badID, failed[0].OperationID)

	none := q.List(operation.StatusTimeout)
	assert.Empty(t, none)
}

func TestQueue_Metrics(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	okID, _ := q.Submit(operation.Func("ok", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, nil
	}))
	badID, _ := q.Submit(operation.Func("bad", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, errors.New("nope")
	}))
	waitStatus(t, q, okID, 2*time.Second)
	waitStatus(t, q, badID, 2*time.Second)

	m := q.Metrics()
	assert.Equal(t, int64(2), m.Submitted)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(1), m.Failed)
	assert.InDelta(t, 0.5, m.SuccessRate, 0.001)
}

func TestQueue_SubmittedPrecedesStarted(t *testing.T) {
	// Single bus worker (newQueue): delivery follows publish order, so
	// the first event seen per operation is the first one published.
	bus, q := newQueue(t, operation.QueueConfig{MaxConcurrent: 4, Capacity: 1024})

	var mu sync.Mutex
	first := make(map[string]string)
	bus.Subscribe(event.HandlerFunc(func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		if _, ok := first[evt.CorrelationID]; !ok {
			first[evt.CorrelationID] = evt.Type
		}
		mu.Unlock()
		return nil
	}), []string{operation.EventSubmitted, operation.EventStarted}, nil)

	const n = 200
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.Submit(operation.Func("noop", func(ctx context.Context, h *operation.Handle) (any, error) {
			return nil, nil
		}))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitStatus(t, q, id, 5*time.Second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(first) == n
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, first, n)
	for id, eventType := range first {
		assert.Equal(t, operation.EventSubmitted, eventType,
			"operation %s delivered %s before operation.submitted", id, eventType)
	}
}

func TestQueue_SubmitOverflow(t *testing.T) {
	bus, q := newQueue(t, operation.QueueConfig{MaxConcurrent: 1, Capacity: 1})

	var submittedEvents atomic.Int32
	bus.Subscribe(event.HandlerFunc(func(ctx context.Context, evt *event.Event) error {
		submittedEvents.Add(1)
		return nil
	}), []string{operation.EventSubmitted}, nil)

	// Occupy the single worker; its admission slot frees once it starts.
	started := make(chan struct{})
	gate := make(chan struct{})
	_, err := q.Submit(operation.Func("blocker", func(ctx context.Context, h *operation.Handle) (any, error) {
		close(started)
		<-gate
		return nil, nil
	}))
	require.NoError(t, err)
	<-started

	// This submission takes the only queue slot.
	queuedID, err := q.Submit(operation.Func("queued", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	// The queue is full: rejected synchronously, no events published.
	_, err = q.Submit(operation.Func("rejected", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, nil
	}))
	assert.ErrorIs(t, err, operation.ErrQueueFull)

	close(gate)
	waitStatus(t, q, queuedID, 2*time.Second)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), submittedEvents.Load(),
		"a rejected submission must not publish operation.submitted")
	assert.Equal(t, int64(2), q.Metrics().Submitted)
}

func TestQueue_CancelDuringTimedExecution(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{})

	started := make(chan struct{})
	id, err := q.Submit(operation.Func("timed", func(ctx context.Context, h *operation.Handle) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), operation.WithTimeout(10*time.Second))
	require.NoError(t, err)

	<-started
	assert.True(t, q.Cancel(id))

	r := waitStatus(t, q, id, 2*time.Second)
	assert.Equal(t, operation.StatusCancelled, r.Status,
		"cancel must win over a pending deadline")
}

func TestQueue_LifecycleEvents(t *testing.T) {
	bus, q := newQueue(t, operation.QueueConfig{MaxConcurrent: 1})

	type record struct {
		eventType     string
		correlationID string
	}
	var mu sync.Mutex
	var records []record
	bus.Subscribe(event.HandlerFunc(func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		records = append(records, record{evt.Type, evt.CorrelationID})
		mu.Unlock()
		return nil
	}), operation.LifecycleEventTypes, nil)

	// Occupy the single worker so the submitted event is published
	// before the operation can start.
	release := make(chan struct{})
	_, err := q.Submit(operation.Func("blocker", func(ctx context.Context, h *operation.Handle) (any, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, err)

	id, err := q.Submit(operation.Func("steps", func(ctx context.Context, h *operation.Handle) (any, error) {
		h.UpdateProgress(1, 2, "halfway", nil)
		h.UpdateProgress(2, 2, "done", nil)
		return nil, nil
	}))
	require.NoError(t, err)

	close(release)
	waitStatus(t, q, id, 2*time.Second)

	// Single bus worker: delivery follows publish order, which is causal
	// per operation: submitted -> started -> progress... -> terminal.
	expected := []string{
		operation.EventSubmitted,
		operation.EventStarted,
		operation.EventProgress,
		operation.EventProgress,
		operation.EventCompleted,
	}

	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		var out []string
		for _, r := range records {
			if r.correlationID == id {
				out = append(out, r.eventType)
			}
		}
		return out
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(seen()) >= len(expected) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, expected, seen())
}

func TestQueue_SingleTerminalEvent(t *testing.T) {
	bus, q := newQueue(t, operation.QueueConfig{})

	var terminal atomic.Int32
	bus.Subscribe(event.HandlerFunc(func(ctx context.Context, evt *event.Event) error {
		terminal.Add(1)
		return nil
	}), []string{
		operation.EventCompleted,
		operation.EventFailed,
		operation.EventCancelled,
		operation.EventTimeout,
	}, nil)

	started := make(chan struct{})
	id, err := q.Submit(operation.Func("racer", func(ctx context.Context, h *operation.Handle) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)

	<-started
	// Cancel twice while the context cancellation races the worker.
	q.Cancel(id)
	q.Cancel(id)
	waitStatus(t, q, id, 2*time.Second)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), terminal.Load(),
		"exactly one terminal event per operation")
}

func TestQueue_CompletedEventCarriesDuration(t *testing.T) {
	bus, q := newQueue(t, operation.QueueConfig{})

	got := make(chan *event.Event, 1)
	bus.Subscribe(event.HandlerFunc(func(ctx context.Context, evt *event.Event) error {
		select {
		case got <- evt:
		default:
		}
		return nil
	}), []string{operation.EventCompleted}, nil)

	id, err := q.Submit(operation.Func("timed", func(ctx context.Context, h *operation.Handle) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	}))
	require.NoError(t, err)
	waitStatus(t, q, id, 2*time.Second)

	select {
	case evt := <-got:
		assert.Equal(t, event.PriorityHigh, evt.Priority)
		assert.Equal(t, id, evt.CorrelationID)
		assert.Equal(t, id, evt.Data["operation_id"])
		duration, ok := evt.Data["duration_seconds"].(float64)
		require.True(t, ok, "completed event must carry duration_seconds")
		assert.Greater(t, duration, 0.0)
	case <-time.After(2 * time.Second):
		t.Fatal("operation.completed event not delivered")
	}
}

func TestQueue_StopCancelsRunning(t *testing.T) {
	bus := event.NewBus(event.BusConfig{Workers: 1})
	bus.Start(context.Background())
	defer bus.Stop()

	q := operation.NewQueue(bus, operation.QueueConfig{})
	q.Start(context.Background())

	started := make(chan struct{})
	id, err := q.Submit(operation.Func("long", func(ctx context.Context, h *operation.Handle) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)

	<-started
	q.Stop()

	r := q.Status(id)
	require.NotNil(t, r)
	assert.Equal(t, operation.StatusCancelled, r.Status)

	// Submissions after stop are rejected.
	_, err = q.Submit(operation.Func("late", func(ctx context.Context, h *operation.Handle) (any, error) {
		return nil, nil
	}))
	assert.ErrorIs(t, err, operation.ErrQueueNotRunning)
}

func TestQueue_TerminalRetention(t *testing.T) {
	_, q := newQueue(t, operation.QueueConfig{TerminalRetention: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Submit(operation.Func("quick", func(ctx context.Context, h *operation.Handle) (any, error) {
			return nil, nil
		}))
		require.NoError(t, err)
		ids = append(ids, id)
		waitStatus(t, q, id, 2*time.Second)
	}

	assert.Nil(t, q.Status(ids[0]), "oldest terminal result evicted")
	assert.NotNil(t, q.Status(ids[1]))
	assert.NotNil(t, q.Status(ids[2]))
}
