package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders events by importance. Higher values are more urgent.
type Priority int

// Priority levels, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name back to its Priority value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalJSON serializes the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON parses a priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("priority must be a JSON string, got %s", data)
	}
	parsed, err := ParsePriority(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Event is an immutable typed notification broadcast through the Bus.
// Fields must not be mutated after construction; treat Data and Metadata
// as read-only once the event has been published.
type Event struct {
	// Type is the event type (e.g., "operation.progress").
	Type string `json:"type"`

	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Source identifies the publisher (optional).
	Source string `json:"source,omitempty"`

	// Data is the event payload.
	Data map[string]any `json:"data,omitempty"`

	// Priority orders events by importance.
	Priority Priority `json:"priority"`

	// CorrelationID groups related events (optional).
	CorrelationID string `json:"correlation_id,omitempty"`

	// Metadata carries transport-level annotations (optional).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now().UTC()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithPriority sets the event priority (default: PriorityNormal).
func WithPriority(p Priority) Option {
	return func(e *Event) {
		e.Priority = p
	}
}

// WithCorrelationID groups this event with related events.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithMetadata attaches a metadata entry.
func WithMetadata(key string, value any) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// New creates an event with the given type, source, and payload.
func New(eventType, source string, data map[string]any, opts ...Option) *Event {
	evt := &Event{
		Type:      eventType,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
		Priority:  PriorityNormal,
	}
	for _, opt := range opts {
		opt(evt)
	}
	return evt
}

// ToMap converts the event to a generic map suitable for transports
// that want plain key/value payloads.
func (e *Event) ToMap() map[string]any {
	m := map[string]any{
		"type":      e.Type,
		"id":        e.ID,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
		"priority":  e.Priority.String(),
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.CorrelationID != "" {
		m["correlation_id"] = e.CorrelationID
	}
	if e.Metadata != nil {
		m["metadata"] = e.Metadata
	}
	return m
}

// FromMap reconstructs an event from a map produced by ToMap.
func FromMap(m map[string]any) (*Event, error) {
	eventType, ok := m["type"].(string)
	if !ok || eventType == "" {
		return nil, fmt.Errorf("event map missing type")
	}

	evt := &Event{
		Type:     eventType,
		Priority: PriorityNormal,
	}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	} else {
		evt.ID = uuid.New().String()
	}
	if ts, ok := m["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		evt.Timestamp = parsed
	}
	if src, ok := m["source"].(string); ok {
		evt.Source = src
	}
	if data, ok := m["data"].(map[string]any); ok {
		evt.Data = data
	}
	if pr, ok := m["priority"].(string); ok {
		parsed, err := ParsePriority(pr)
		if err != nil {
			return nil, err
		}
		evt.Priority = parsed
	}
	if cid, ok := m["correlation_id"].(string); ok {
		evt.CorrelationID = cid
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		evt.Metadata = meta
	}

	return evt, nil
}
