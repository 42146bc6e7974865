// Package stream bridges the event bus broadcast model to per-operation,
// single-consumer sequences for live status streaming.
//
// ProgressStream subscribes to operation lifecycle events and fans each
// one out to every subscriber registered for that operation ID. Each
// subscriber owns an independent buffered channel; a slow or abandoned
// subscriber never affects the others. The channel closes after the
// first terminal payload (completed, failed, cancelled, or timeout), so
// consumers can range over it until it drains:
//
//	sub := ps.Subscribe(opID)
//	defer sub.Close()
//	for payload := range sub.C() {
//	    push(payload) // e.g., one server-push frame per payload
//	}
//
// Payloads carry the raw event data maps and are suitable for relaying
// verbatim over a push transport.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/asyncops/pkg/asyncops/event"
	"github.com/randalmurphal/asyncops/pkg/asyncops/operation"
)

// Payload is one frame of an operation's progress stream.
type Payload struct {
	// Type is the frame kind: progress, completed, failed, cancelled,
	// or timeout.
	Type string `json:"type"`

	// Data is the event payload, relayable verbatim.
	Data map[string]any `json:"data"`
}

// Terminal reports whether this payload ends the stream.
func (p Payload) Terminal() bool {
	switch p.Type {
	case "completed", "failed", "cancelled", "timeout":
		return true
	default:
		return false
	}
}

// streamedTypes is the lifecycle subset the stream relays.
var streamedTypes = []string{
	operation.EventProgress,
	operation.EventCompleted,
	operation.EventFailed,
	operation.EventCancelled,
	operation.EventTimeout,
}

// Config configures the progress stream.
type Config struct {
	// Buffer is the per-subscriber channel capacity. A full subscriber
	// is skipped best-effort; delivery never blocks.
	// Default: 64
	Buffer int

	// Logger receives drop warnings.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Buffer: 64,
}

// ProgressStream is an event bus handler that fans operation progress
// and terminal events into per-operation subscriber channels.
//
// Register it on a bus with its declared types:
//
//	ps := stream.NewProgressStream(stream.Config{})
//	subID := bus.Subscribe(ps, nil, nil)
type ProgressStream struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription // operation ID -> subscribers

	dropped atomic.Int64
}

// NewProgressStream creates a progress stream handler.
func NewProgressStream(config Config) *ProgressStream {
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig.Buffer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ProgressStream{
		config: config,
		logger: logger.With(slog.String("component", "progress_stream")),
		subs:   make(map[string][]*Subscription),
	}
}

// EventTypes declares the lifecycle events the stream consumes.
func (ps *ProgressStream) EventTypes() []string {
	return streamedTypes
}

// Handle fans one lifecycle event out to the operation's subscribers.
// Delivery is best-effort: a full channel is skipped with a counter, and
// a terminal event closes and deregisters every subscriber afterwards.
func (ps *ProgressStream) Handle(_ context.Context, evt *event.Event) error {
	opID, _ := evt.Data["operation_id"].(string)
	if opID == "" {
		opID = evt.CorrelationID
	}
	if opID == "" {
		return nil
	}

	payload := Payload{
		Type: strings.TrimPrefix(evt.Type, "operation."),
		Data: evt.Data,
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, sub := range ps.subs[opID] {
		select {
		case sub.ch <- payload:
		default:
			ps.dropped.Add(1)
			ps.logger.Warn("stream payload dropped, subscriber buffer full",
				slog.String("operation_id", opID),
				slog.String("payload_type", payload.Type))
		}
	}

	if payload.Terminal() {
		for _, sub := range ps.subs[opID] {
			sub.closeLocked()
		}
		delete(ps.subs, opID)
	}

	return nil
}

// Subscribe registers a fresh subscriber for the operation's stream.
// Multiple independent subscribers may observe the same operation
// concurrently. Close the subscription when abandoning it early; after a
// terminal payload the channel closes on its own.
func (ps *ProgressStream) Subscribe(operationID string) *Subscription {
	sub := &Subscription{
		operationID: operationID,
		ch:          make(chan Payload, ps.config.Buffer),
		stream:      ps,
	}

	ps.mu.Lock()
	ps.subs[operationID] = append(ps.subs[operationID], sub)
	ps.mu.Unlock()

	return sub
}

// Dropped returns the number of payloads skipped at full buffers.
func (ps *ProgressStream) Dropped() int64 {
	return ps.dropped.Load()
}

// Subscribers returns the current subscriber count for an operation.
func (ps *ProgressStream) Subscribers(operationID string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.subs[operationID])
}

// Subscription is one consumer's view of an operation's stream.
type Subscription struct {
	operationID string
	ch          chan Payload
	stream      *ProgressStream
	closed      bool // guarded by stream.mu
}

// C returns the payload channel. It closes after the first terminal
// payload, or when Close is called.
func (s *Subscription) C() <-chan Payload {
	return s.ch
}

// OperationID returns the operation this subscription observes.
func (s *Subscription) OperationID() string {
	return s.operationID
}

// Close deregisters the subscription and closes its channel. Idempotent;
// safe to call after the stream has already terminated.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()

	subs := s.stream.subs[s.operationID]
	for i, sub := range subs {
		if sub == s {
			s.stream.subs[s.operationID] = append(subs[:i], subs[i+1:]...)
			if len(s.stream.subs[s.operationID]) == 0 {
				delete(s.stream.subs, s.operationID)
			}
			break
		}
	}
	s.closeLocked()
}

// closeLocked closes the channel once. Caller holds stream.mu.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
