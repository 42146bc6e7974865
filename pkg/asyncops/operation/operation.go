package operation

import (
	"context"
)

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses. The four right-hand states of the state machine
// (completed, failed, cancelled, timeout) are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Event types published by the queue for operation lifecycle transitions.
const (
	EventSubmitted = "operation.submitted"
	EventStarted   = "operation.started"
	EventProgress  = "operation.progress"
	EventCompleted = "operation.completed"
	EventFailed    = "operation.failed"
	EventCancelled = "operation.cancelled"
	EventTimeout   = "operation.timeout"
)

// LifecycleEventTypes is the full set of event types the queue publishes.
var LifecycleEventTypes = []string{
	EventSubmitted,
	EventStarted,
	EventProgress,
	EventCompleted,
	EventFailed,
	EventCancelled,
	EventTimeout,
}

// Operation is a unit of cancellable, long-running work.
//
// Execute should poll ctx and h.Cancelled() at convenient points and
// return promptly once either fires; operations that ignore both run to
// completion in the background while the queue reports the terminal
// status without them.
type Operation interface {
	// Name identifies the kind of operation (e.g., "portfolio-analysis").
	Name() string

	// Execute performs the work, reporting progress through the handle.
	// The returned value becomes the operation result on success.
	Execute(ctx context.Context, h *Handle) (any, error)
}

// Func builds an Operation from a name and a closure.
func Func(name string, fn func(ctx context.Context, h *Handle) (any, error)) Operation {
	return &funcOperation{name: name, fn: fn}
}

type funcOperation struct {
	name string
	fn   func(ctx context.Context, h *Handle) (any, error)
}

func (o *funcOperation) Name() string {
	return o.name
}

func (o *funcOperation) Execute(ctx context.Context, h *Handle) (any, error) {
	return o.fn(ctx, h)
}
