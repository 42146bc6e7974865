package operation

import (
	"time"
)

// Progress tracks how far an operation has advanced. It is owned by the
// operation's Handle; external observers receive copies.
type Progress struct {
	// Current is the number of completed steps.
	Current int `json:"current"`

	// Total is the expected number of steps; 0 means unknown.
	Total int `json:"total,omitempty"`

	// Percentage is derived: Current/Total*100 when Total > 0.
	Percentage float64 `json:"percentage"`

	// Message is a human-readable status line.
	Message string `json:"message,omitempty"`

	// Details carries operation-specific extras.
	Details map[string]any `json:"details,omitempty"`
}

// update mutates the progress in place and recomputes the percentage.
// A zero total keeps the previous total.
func (p *Progress) update(current, total int, message string, details map[string]any) {
	p.Current = current
	if total > 0 {
		p.Total = total
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Current) / float64(p.Total) * 100
	}
	if message != "" {
		p.Message = message
	}
	for k, v := range details {
		if p.Details == nil {
			p.Details = make(map[string]any, len(details))
		}
		p.Details[k] = v
	}
}

// clone returns an independent copy.
func (p Progress) clone() Progress {
	out := p
	if p.Details != nil {
		out.Details = make(map[string]any, len(p.Details))
		for k, v := range p.Details {
			out.Details[k] = v
		}
	}
	return out
}

// ToMap converts the progress to a generic map for event payloads.
func (p Progress) ToMap() map[string]any {
	m := map[string]any{
		"current":    p.Current,
		"percentage": p.Percentage,
	}
	if p.Total > 0 {
		m["total"] = p.Total
	}
	if p.Message != "" {
		m["message"] = p.Message
	}
	if len(p.Details) > 0 {
		m["details"] = p.Details
	}
	return m
}

// Result is a terminal snapshot of an operation. The queue retains
// results after the live handle is evicted so status queries keep
// working once the operation finishes.
type Result struct {
	OperationID string     `json:"operation_id"`
	Name        string     `json:"operation,omitempty"`
	Status      Status     `json:"status"`
	Value       any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Progress    Progress   `json:"progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration is CompletedAt-StartedAt when both are present, else 0.
func (r Result) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// ToMap converts the result to a generic map for event payloads and
// push transports.
func (r Result) ToMap() map[string]any {
	m := map[string]any{
		"operation_id": r.OperationID,
		"status":       string(r.Status),
		"progress":     r.Progress.ToMap(),
	}
	if r.Name != "" {
		m["operation"] = r.Name
	}
	if r.Value != nil {
		m["result"] = r.Value
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.StartedAt != nil {
		m["started_at"] = r.StartedAt.Format(time.RFC3339Nano)
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt.Format(time.RFC3339Nano)
		m["duration_seconds"] = r.Duration().Seconds()
	}
	return m
}
