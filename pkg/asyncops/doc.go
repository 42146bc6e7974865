// Package asyncops wires the event bus, operation queue, and progress
// stream into one explicitly constructed System.
//
// There are no package-level singletons: build a System once and inject
// it into every consumer, which keeps shared state visible and makes
// per-test isolation trivial.
//
//	sys := asyncops.New(
//	    asyncops.WithQueueWorkers(8),
//	    asyncops.WithLogger(logger),
//	)
//	sys.Start(ctx)
//	defer sys.Stop()
//
//	id, err := sys.Submit(op, operation.WithTimeout(30*time.Second))
//	...
//	sub := sys.SubscribeToOperation(id)
//	for payload := range sub.C() {
//	    // relay payload
//	}
//
// State is in-memory and process-lifetime only: nothing survives a
// restart, and delivery to any one subscriber is at-most-once.
package asyncops
