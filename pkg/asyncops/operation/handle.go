package operation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handle is the queue-owned tracked state of one submitted operation:
// status, progress, timestamps, and outcome. Operations receive their
// handle in Execute to report progress and poll for cancellation.
type Handle struct {
	id      string
	op      Operation
	timeout time.Duration

	mu          sync.Mutex
	status      Status
	progress    Progress
	startedAt   *time.Time
	completedAt *time.Time
	result      any
	errMsg      string

	cancelled atomic.Bool

	// notify publishes a progress snapshot; set by the owning queue.
	notify func(h *Handle, p Progress)
}

func newHandle(op Operation, timeout time.Duration, notify func(*Handle, Progress)) *Handle {
	return &Handle{
		id:      uuid.New().String(),
		op:      op,
		timeout: timeout,
		status:  StatusPending,
		notify:  notify,
	}
}

// ID returns the operation ID assigned at submission.
func (h *Handle) ID() string {
	return h.id
}

// Name returns the underlying operation's name.
func (h *Handle) Name() string {
	return h.op.Name()
}

// Timeout returns the configured execution deadline, 0 when unbounded.
func (h *Handle) Timeout() time.Duration {
	return h.timeout
}

// Status returns the current lifecycle status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Cancelled reports whether cancellation has been requested. Cooperative
// operations poll this between steps and return early when it fires.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// UpdateProgress records new progress and publishes an
// operation.progress event carrying a snapshot. This is the sole channel
// that makes execution progress externally observable.
//
// total <= 0 keeps the previous total; an empty message keeps the
// previous message; details are merged into the existing map.
func (h *Handle) UpdateProgress(current, total int, message string, details map[string]any) {
	h.mu.Lock()
	h.progress.update(current, total, message, details)
	snapshot := h.progress.clone()
	h.mu.Unlock()

	if h.notify != nil {
		h.notify(h, snapshot)
	}
}

// Snapshot returns a point-in-time Result for this operation.
func (h *Handle) Snapshot() Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Result{
		OperationID: h.id,
		Name:        h.op.Name(),
		Status:      h.status,
		Value:       h.result,
		Error:       h.errMsg,
		Progress:    h.progress.clone(),
		StartedAt:   h.startedAt,
		CompletedAt: h.completedAt,
	}
}

// requestCancel sets the cancelled flag. The status transition happens
// separately through markTerminal so an already-terminal operation is
// never overwritten.
func (h *Handle) requestCancel() {
	h.cancelled.Store(true)
}

// markRunning transitions pending -> running. Returns false when the
// operation was cancelled before a worker picked it up.
func (h *Handle) markRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusPending {
		return false
	}
	now := time.Now().UTC()
	h.status = StatusRunning
	h.startedAt = &now
	return true
}

// markTerminal records the terminal outcome. The first terminal status
// wins; later calls return false and change nothing.
func (h *Handle) markTerminal(s Status, result any, errMsg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status.Terminal() {
		return false
	}
	now := time.Now().UTC()
	h.status = s
	h.result = result
	h.errMsg = errMsg
	h.completedAt = &now
	return true
}
