package event

// Filter restricts which events a subscription receives.
// The zero value matches every event; each configured criterion narrows
// the match, and all configured criteria must hold (conjunction).
type Filter struct {
	// Types restricts to these event types (empty = any type).
	Types []string

	// Sources restricts to these sources (empty = any source).
	Sources []string

	// CorrelationIDs restricts to these correlation IDs (empty = any).
	CorrelationIDs []string

	// MinPriority is the minimum accepted priority.
	MinPriority Priority

	// Predicate is an optional custom matcher, evaluated last.
	Predicate func(*Event) bool
}

// Matches reports whether the event satisfies every configured criterion.
// A nil filter matches everything.
func (f *Filter) Matches(evt *Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !contains(f.Types, evt.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, evt.Source) {
		return false
	}
	if len(f.CorrelationIDs) > 0 && !contains(f.CorrelationIDs, evt.CorrelationID) {
		return false
	}
	if evt.Priority < f.MinPriority {
		return false
	}
	if f.Predicate != nil && !f.Predicate(evt) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
