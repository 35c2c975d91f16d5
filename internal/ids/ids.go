// Package ids centralizes trace, event, and nonce generation so every
// component mints identifiers the same way, matching the pervasive
// google/uuid usage across the teacher codebase's events, federation, and
// handler packages.
package ids

import "github.com/google/uuid"

// NewTraceID mints a fresh trace_id for an order that arrived without an
// x-trace-id header.
func NewTraceID() string {
	return uuid.NewString()
}

// NewEventID mints an event_id for a lifecycle event envelope.
func NewEventID() string {
	return uuid.NewString()
}

// NewNonce mints a decision-token nonce. Distinct from trace/event IDs only
// in name — all three are UUIDv4 — but kept as separate functions so call
// sites read as what they are, not as interchangeable string generators.
func NewNonce() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
