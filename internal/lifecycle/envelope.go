// Package lifecycle ingests post-trade lifecycle events (execution reports,
// cancels, expiries, reconciliation breaks) from upstream systems, applying
// the same envelope-plus-idempotent-ingest shape internal/events' EventBus
// uses for its own CloudEvents-style messages, narrowed to the gate's
// closed lifecycle state machine and order-digest tamper check.
package lifecycle

import "time"

// State is one stage in an order's lifecycle.
type State string

const (
	StateSubmitted       State = "SUBMITTED"
	StateAccepted        State = "ACCEPTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateRejected        State = "REJECTED"
	StateCanceled        State = "CANCELED"
	StateExpired         State = "EXPIRED"
	StateUnknown         State = "UNKNOWN"
)

// terminal lists states with no further legal transitions, UNKNOWN
// included.
var terminal = map[State]bool{
	StateRejected: true,
	StateFilled:   true,
	StateCanceled: true,
	StateExpired:  true,
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s State) bool {
	return terminal[s]
}

// Correlation ties an envelope back to the order it concerns.
type Correlation struct {
	TraceID       string `json:"trace_id"`
	ClientOrderID string `json:"client_order_id"`
}

// Normalization carries this gate's own derived fields: the classified
// rejection reason and the target state this event requests.
type Normalization struct {
	ToState         State             `json:"to_state"`
	RawCode         string            `json:"raw_code,omitempty"`
	RawMessage      string            `json:"raw_message,omitempty"`
	RawFields       map[string]string `json:"raw_fields,omitempty"`
	TaxonomyVersion string            `json:"taxonomy_version,omitempty"`
	ReasonClass     string            `json:"reason_class,omitempty"`
	ReasonCode      string            `json:"reason_code,omitempty"`
	Confidence      string            `json:"confidence,omitempty"`
}

// Integrity carries the tamper-detection fields: the order digest the
// upstream system asserts, compared against the gate's own recomputed
// digest for the same order.
type Integrity struct {
	AssertedOrderDigest string `json:"asserted_order_digest,omitempty"`
	TamperSuspected     bool   `json:"tamper_suspected"`
}

// Envelope is one inbound lifecycle event.
type Envelope struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	EventVersion  string                 `json:"event_version"`
	Source        string                 `json:"source"`
	OccurredAt    time.Time              `json:"occurred_at"`
	IngestedAt    time.Time              `json:"ingested_at"`
	Correlation   Correlation            `json:"correlation"`
	Payload       map[string]interface{} `json:"payload"`
	Normalization Normalization          `json:"normalization"`
	Integrity     Integrity              `json:"integrity"`
}

// IdempotencyKey returns this envelope's dedup key per source event kind,
// using the three key shapes the lifecycle ingress contract defines:
// exec:{exec_id}, close:{close_id}, recon:{trade_date}:{symbol}:{account_id}.
// Any other event type falls back to g1:{event_id}.
func (e Envelope) IdempotencyKey() string {
	switch e.EventType {
	case "EXECUTION_REPORT":
		if id, ok := e.Payload["exec_id"].(string); ok && id != "" {
			return "exec:" + id
		}
	case "ORDER_CLOSE":
		if id, ok := e.Payload["close_id"].(string); ok && id != "" {
			return "close:" + id
		}
	case "RECONCILIATION":
		tradeDate, _ := e.Payload["trade_date"].(string)
		symbol, _ := e.Payload["symbol"].(string)
		accountID, _ := e.Payload["account_id"].(string)
		if tradeDate != "" && symbol != "" && accountID != "" {
			return "recon:" + tradeDate + ":" + symbol + ":" + accountID
		}
	}
	return "g1:" + e.EventID
}
