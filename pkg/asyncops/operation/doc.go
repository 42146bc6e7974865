// Package operation manages cancellable, timeout-bound background work.
//
// # Overview
//
//   - Operation: the capability interface a unit of work implements
//   - Handle: queue-owned tracked state (status, progress, timestamps)
//   - Queue: worker pool with admission control, timeout/cancellation
//     supervision, and lifecycle event publication
//   - Result: terminal snapshot retained after the live handle is evicted
//
// # Lifecycle
//
// Every operation moves through a strict state machine:
//
//	pending -> running -> {completed | failed | cancelled | timeout}
//
// cancelled is also reachable directly from pending via Cancel. The four
// right-hand states are terminal; the first terminal status recorded wins
// and is never overwritten.
//
// # Usage
//
//	queue := operation.NewQueue(bus, operation.QueueConfig{MaxConcurrent: 4})
//	queue.Start(ctx)
//	defer queue.Stop()
//
//	id, err := queue.Submit(operation.Func("resize", func(ctx context.Context, h *operation.Handle) (any, error) {
//	    for i := 0; i < steps; i++ {
//	        if h.Cancelled() {
//	            return nil, context.Canceled
//	        }
//	        // ... work ...
//	        h.UpdateProgress(i+1, steps, "resizing", nil)
//	    }
//	    return "done", nil
//	}), operation.WithTimeout(5*time.Second))
//
// Cancellation is cooperative: the queue cancels the operation's context
// and sets the cancelled flag, but an Execute that polls neither will run
// to completion in the background while the queue reports the terminal
// status. Timeouts are enforced at the queue layer by racing Execute
// against the deadline, so a sleeping operation still terminates TIMEOUT
// on time.
//
// Lifecycle events (operation.submitted, .started, .progress, .completed,
// .failed, .cancelled, .timeout) are published on the event bus with the
// operation ID as correlation ID; they are causally ordered per operation
// because one worker owns the operation end to end.
package operation
