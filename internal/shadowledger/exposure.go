package shadowledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ironclad/gate/internal/canonical"
)

// ExposureEventKind is the closed set of exposure-event kinds spec §3
// defines for the per-(client_id, symbol) chain.
type ExposureEventKind string

const (
	ExposureAuthorized    ExposureEventKind = "AUTHORIZED"
	ExposureBlocked       ExposureEventKind = "BLOCKED"
	ExposureFilled        ExposureEventKind = "FILLED"
	ExposureCancelled     ExposureEventKind = "CANCELLED"
	ExposureExpired       ExposureEventKind = "EXPIRED"
	ExposurePositionClose ExposureEventKind = "POSITION_CLOSED"
)

// ExposureEvent is the hash-chained record of one exposure mutation against
// a position. Unlike the audit log's per-trace_id chain, exposure events
// chain per (client_id, symbol): the sequence a reader replays to
// reconstruct a position's current exposure from scratch.
type ExposureEvent struct {
	ClientID  string            `json:"client_id"`
	Symbol    string            `json:"symbol"`
	TraceID   string            `json:"trace_id"`
	Kind      ExposureEventKind `json:"kind"`
	Delta     float64           `json:"delta"`
	PrevHash  string            `json:"prev_hash,omitempty"`
	Hash      string            `json:"hash"`
	CreatedAt time.Time         `json:"created_at"`
}

// exposureHash computes SHA256(prev_hash | trace_id | client_id | symbol |
// delta), the chain input spec's exposure-event model requires.
func exposureHash(prevHash, traceID, clientID, symbol string, delta float64) string {
	return canonical.ChainHash(prevHash, traceID, clientID, symbol, formatDelta(delta))
}

func formatDelta(delta float64) string {
	b, _ := canonical.Marshal(delta)
	return string(b)
}

// ExposureStore persists the per-(client_id, symbol) exposure event chain.
// A Store implementation backing a Ledger must also satisfy this.
type ExposureStore interface {
	AppendExposureEvent(ctx context.Context, ev ExposureEvent) error
	LastExposureEvent(ctx context.Context, clientID, symbol string) (ExposureEvent, bool, error)
	ListExposureEvents(ctx context.Context, clientID, symbol string) ([]ExposureEvent, error)
}

// recordExposure appends the next exposure event in (clientID, symbol)'s
// chain. Callers hold the per-key lock already, so reading the chain tail
// and appending the next link is race-free without extra synchronization
// here.
func (l *Ledger) recordExposure(ctx context.Context, traceID, clientID, symbol string, kind ExposureEventKind, delta float64) error {
	es, ok := l.store.(ExposureStore)
	if !ok {
		return fmt.Errorf("shadowledger: store does not implement ExposureStore")
	}

	var prevHash string
	last, found, err := es.LastExposureEvent(ctx, clientID, symbol)
	if err != nil {
		return fmt.Errorf("shadowledger: read last exposure event: %w", err)
	}
	if found {
		prevHash = last.Hash
	}

	ev := ExposureEvent{
		ClientID:  clientID,
		Symbol:    symbol,
		TraceID:   traceID,
		Kind:      kind,
		Delta:     delta,
		PrevHash:  prevHash,
		Hash:      exposureHash(prevHash, traceID, clientID, symbol, delta),
		CreatedAt: time.Now().UTC(),
	}
	return es.AppendExposureEvent(ctx, ev)
}

// VerifyExposureChain validates a (client_id, symbol) exposure chain the
// same way audit.VerifyChain validates a trace's audit chain.
func VerifyExposureChain(events []ExposureEvent) (bool, int, string) {
	if len(events) == 0 {
		return true, -1, ""
	}
	if events[0].PrevHash != "" {
		return false, 0, "first event has a predecessor"
	}
	for i, ev := range events {
		expected := exposureHash(ev.PrevHash, ev.TraceID, ev.ClientID, ev.Symbol, ev.Delta)
		if expected != ev.Hash {
			return false, i, "hash mismatch"
		}
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			return false, i, "prev_hash does not match predecessor"
		}
	}
	return true, -1, ""
}
