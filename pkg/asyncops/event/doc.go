// Package event provides the in-process pub/sub core for asyncops.
//
// # Overview
//
//   - Event: immutable typed notification with priority and correlation
//   - Filter: predicate over type/source/priority/correlation plus a
//     custom matcher
//   - Handler: subscriber callback with declared event types
//   - Bus: queue-backed dispatcher with N workers, bounded history,
//     and metrics
//
// # Event Correlation
//
// Events carry a correlation ID so consumers can group related events
// even though dispatch order across workers is not guaranteed:
//
//	evt := event.New("operation.progress", "queue", data,
//	    event.WithCorrelationID(operationID))
//
// # Bus
//
// The bus must be started before publishing. Publish is fire-and-forget:
// it enqueues the event and returns without waiting for handlers.
//
//	bus := event.NewBus(event.BusConfig{Workers: 4})
//	bus.Start(ctx)
//	defer bus.Stop()
//
//	subID := bus.Subscribe(handler, []string{"operation.completed"}, nil)
//	defer bus.Unsubscribe(subID)
//
//	if err := bus.Publish(evt); err != nil { ... }
//
// Each event is dispatched by exactly one worker, which invokes every
// matching handler concurrently. A handler error or panic is logged and
// counted; it never reaches the publisher or the other handlers.
//
// Ordering: events are appended to history and enqueued in Publish call
// order, but multiple workers may dispatch them out of order. Run a
// single worker or correlate via CorrelationID when total order matters.
package event
