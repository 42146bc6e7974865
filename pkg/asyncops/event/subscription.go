package event

import (
	"time"
)

// subscription binds a handler and optional filter inside the bus.
// The bus exclusively owns subscriptions; callers only see SubscriptionInfo.
type subscription struct {
	id        string
	handlerID string
	handler   Handler
	types     []string // nil = global (all events)
	filter    *Filter
	active    bool
	createdAt time.Time
}

// wants reports whether this subscription should receive the event.
// Type routing has already happened; this checks the active flag and filter.
func (s *subscription) wants(evt *Event) bool {
	return s.active && s.filter.Matches(evt)
}

// SubscriptionInfo is a read-only snapshot of a subscription.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	HandlerID string    `json:"handler_id"`
	Types     []string  `json:"types,omitempty"` // empty = all events
	Filtered  bool      `json:"filtered"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *subscription) info() SubscriptionInfo {
	types := make([]string, len(s.types))
	copy(types, s.types)
	return SubscriptionInfo{
		ID:        s.id,
		HandlerID: s.handlerID,
		Types:     types,
		Filtered:  s.filter != nil,
		Active:    s.active,
		CreatedAt: s.createdAt,
	}
}
