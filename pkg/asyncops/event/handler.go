package event

import (
	"context"
	"fmt"
	"reflect"
)

// Handler processes events delivered by the Bus.
type Handler interface {
	// Handle processes a single event. Errors are logged and counted by
	// the bus; they never propagate to the publisher or other handlers.
	Handle(ctx context.Context, evt *Event) error

	// EventTypes returns the event types this handler declares interest
	// in. Subscribe falls back to these when no explicit types are given.
	// An empty slice means the handler accepts all event types.
	EventTypes() []string
}

// HandlerFunc adapts a function to the Handler interface.
// A HandlerFunc declares no event types, so subscribing one without
// explicit types creates a global subscription.
type HandlerFunc func(ctx context.Context, evt *Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// EventTypes returns nil (accepts all event types).
func (f HandlerFunc) EventTypes() []string {
	return nil
}

// TypedHandler wraps a function with a declared set of event types.
func TypedHandler(types []string, fn func(ctx context.Context, evt *Event) error) Handler {
	return &typedHandler{types: types, fn: fn}
}

type typedHandler struct {
	types []string
	fn    func(ctx context.Context, evt *Event) error
}

func (h *typedHandler) Handle(ctx context.Context, evt *Event) error {
	return h.fn(ctx, evt)
}

func (h *typedHandler) EventTypes() []string {
	return h.types
}

// HandlerID returns a stable identity for a handler, used by
// Bus.UnsubscribeHandler to remove every subscription a handler holds.
//
// Handlers may provide their own identity by implementing
// interface{ HandlerID() string }. Otherwise the identity is derived from
// the dynamic value's address, which distinguishes pointer and func
// handlers; value handlers of the same type share one identity.
func HandlerID(h Handler) string {
	if ider, ok := h.(interface{ HandlerID() string }); ok {
		return ider.HandlerID()
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.UnsafePointer:
		return fmt.Sprintf("%T@%x", h, v.Pointer())
	default:
		return fmt.Sprintf("%T", h)
	}
}
