// Package idempotency implements the gate's exactly-once processing guard
// for inbound lifecycle events: a conditional reserve-then-complete
// contract backed by a store capable of a strongly consistent conditional
// write, the same role Cloud Spanner's ReadWriteTransaction plays in the
// pack's reputation ledger (internal/reputation/spanner.go), applied here
// to deduplication instead of balance transfers.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ironclad/gate/internal/canonical"
	"github.com/ironclad/gate/internal/obsmetrics"
)

// Key identifies one idempotent unit of work.
type Key struct {
	SourceSystem string
	EventType    string
	EventID      string
}

// String renders the key in the "source:type:id" form used as the store's
// primary key.
func (k Key) String() string {
	return k.SourceSystem + ":" + k.EventType + ":" + k.EventID
}

// Record is the persisted state for one key.
type Record struct {
	Key           Key
	PayloadHash   string
	FirstSeenAt   time.Time
	Completed     bool
	Result        string
	ResultData    interface{}
	AttemptCount  int
}

// ReserveOutcome is returned by Store.Reserve.
type ReserveOutcome struct {
	ShouldProcess   bool
	FirstSeenAt     time.Time
	PreviousResult  string
	PreviousData    interface{}
	PayloadMismatch bool
	// AttemptCount is the number of times this key has been looked up,
	// including this call: 1 on the first reservation, incremented on
	// every subsequent duplicate lookup (spec §4.5).
	AttemptCount int
}

var ErrNotFound = errors.New("idempotency: key not found")

// Store is the conditional-write contract a backing store must provide.
// Reserve must be atomic: concurrent callers racing on the same key must
// see exactly one winner with should_process=true.
type Store interface {
	Reserve(ctx context.Context, key Key, payloadHash string, now time.Time) (ReserveOutcome, error)
	Complete(ctx context.Context, key Key, result string, resultData interface{}) error
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
}

// Service wraps a Store with payload-hash computation and Prometheus
// observation of payload mismatches, so callers never touch a raw Store.
type Service struct {
	store   Store
	metrics *obsmetrics.Metrics
}

// New constructs a Service. metrics may be nil to disable observation.
func New(store Store, metrics *obsmetrics.Metrics) *Service {
	return &Service{store: store, metrics: metrics}
}

// CheckAndReserve computes payload's canonical hash and attempts to claim
// key for processing. A caller that gets should_process=false must not
// reprocess the event; it should return previous_result/previous_data
// instead. A true payload_mismatch means the same key arrived with
// materially different content — a correctness hazard the caller should
// surface, not silently ignore.
func (s *Service) CheckAndReserve(ctx context.Context, key Key, payload interface{}, now time.Time) (ReserveOutcome, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return ReserveOutcome{}, fmt.Errorf("idempotency: canonicalize payload: %w", err)
	}
	payloadHash := canonical.Sha256Hex(canon)

	outcome, err := s.store.Reserve(ctx, key, payloadHash, now)
	if err != nil {
		return ReserveOutcome{}, fmt.Errorf("idempotency: reserve %s: %w", key, err)
	}

	if outcome.PayloadMismatch && s.metrics != nil {
		s.metrics.ObservePayloadMismatch(key.SourceSystem + ":" + key.EventType)
	}

	return outcome, nil
}

// Complete records the terminal result for key after processing finishes.
func (s *Service) Complete(ctx context.Context, key Key, result string, resultData interface{}) error {
	if err := s.store.Complete(ctx, key, result, resultData); err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	return nil
}

// Cleanup removes reservations older than olderThan, returning the number
// removed.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := s.store.Cleanup(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	return n, nil
}
