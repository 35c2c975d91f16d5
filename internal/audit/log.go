// Package audit implements the gate's append-only, hash-chained audit log.
// Every event is chained to its predecessor within the same trace_id, the
// same blockchain-like linkage internal/evidence's EvidenceChain used for
// AOCS transactions, narrowed here to the exact chain input spec §4.4
// requires: prev_hash | event_type | event_version | canonical_json(payload).
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ironclad/gate/internal/canonical"
)

// Event is a single audit log entry, chained per trace_id.
type Event struct {
	TraceID      string      `json:"trace_id"`
	EventType    string      `json:"event_type"`
	EventVersion string      `json:"event_version"`
	Payload      interface{} `json:"payload"`
	PrevHash     string      `json:"prev_hash,omitempty"` // absent on the first event in a chain
	Hash         string      `json:"hash"`
	CreatedAt    time.Time   `json:"created_at"`
}

// AppendResult is returned by Append.
type AppendResult struct {
	PrevHash string
	Hash     string
}

// VerifyResult is returned by VerifyChain.
type VerifyResult struct {
	Valid    bool
	BrokenAt int // index of the first broken event, -1 if valid
	Reason   string
}

var ErrChainNotFound = errors.New("audit: no chain for trace_id")

// Store persists and retrieves audit events, one chain per trace_id.
type Store interface {
	// AppendEvent stores ev. Implementations must serialize appends per
	// trace_id so prev_hash linkage is never raced.
	AppendEvent(ctx context.Context, ev Event) error
	// ReadChain returns all events for traceID in append order.
	ReadChain(ctx context.Context, traceID string) ([]Event, error)
}

// Hash computes the chain hash for an event: SHA256 over
// prev_hash | event_type | event_version | canonical_json(payload). An
// empty prevHash is passed through unchanged — it is the literal "no
// predecessor" input, not a placeholder value.
func Hash(prevHash, eventType, eventVersion string, payload interface{}) (string, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	return canonical.ChainHash(prevHash, eventType, eventVersion, string(canon)), nil
}

// Log is the gate's audit log: a per-trace hash chain backed by Store.
type Log struct {
	store Store

	// mu serializes append+read-predecessor across all traces at the
	// process level; a per-trace lock would be finer-grained but the audit
	// append rate is low relative to authorize throughput, and correctness
	// here — never computing a chain hash against a stale prev_hash — comes
	// first.
	mu sync.Mutex
}

// New constructs a Log backed by store.
func New(store Store) *Log {
	return &Log{store: store}
}

// Append adds a new event to traceID's chain, computing prev_hash from the
// chain's current tail (absent if this is the first event) and the hash
// over the event's own content.
func (l *Log) Append(ctx context.Context, traceID, eventType, eventVersion string, payload interface{}) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.ReadChain(ctx, traceID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("audit: read existing chain: %w", err)
	}

	var prevHash string
	if len(existing) > 0 {
		prevHash = existing[len(existing)-1].Hash
	}

	hash, err := Hash(prevHash, eventType, eventVersion, payload)
	if err != nil {
		return AppendResult{}, err
	}

	ev := Event{
		TraceID:      traceID,
		EventType:    eventType,
		EventVersion: eventVersion,
		Payload:      payload,
		PrevHash:     prevHash,
		Hash:         hash,
		CreatedAt:    time.Now().UTC(),
	}

	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return AppendResult{}, fmt.Errorf("audit: append event: %w", err)
	}

	return AppendResult{PrevHash: prevHash, Hash: hash}, nil
}

// Read returns traceID's chain in append order.
func (l *Log) Read(ctx context.Context, traceID string) ([]Event, error) {
	events, err := l.store.ReadChain(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrChainNotFound
	}
	return events, nil
}

// VerifyChain validates chain linkage and per-event hashing. It starts at
// the first event, which must have no predecessor, and for each subsequent
// event confirms prev_hash == predecessor.hash and hash ==
// SHA256(prev_hash | event_type | event_version | canonical_json(payload)).
func VerifyChain(events []Event) VerifyResult {
	if len(events) == 0 {
		return VerifyResult{Valid: true, BrokenAt: -1}
	}

	if events[0].PrevHash != "" {
		return VerifyResult{Valid: false, BrokenAt: 0, Reason: "first event has a predecessor"}
	}

	for i, ev := range events {
		expectedHash, err := Hash(ev.PrevHash, ev.EventType, ev.EventVersion, ev.Payload)
		if err != nil {
			return VerifyResult{Valid: false, BrokenAt: i, Reason: fmt.Sprintf("hash computation failed: %v", err)}
		}
		if expectedHash != ev.Hash {
			return VerifyResult{Valid: false, BrokenAt: i, Reason: "hash mismatch"}
		}
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			return VerifyResult{Valid: false, BrokenAt: i, Reason: "prev_hash does not match predecessor"}
		}
	}

	return VerifyResult{Valid: true, BrokenAt: -1}
}
