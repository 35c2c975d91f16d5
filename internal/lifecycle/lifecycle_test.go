package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/idempotency"
	"github.com/ironclad/gate/internal/obsmetrics"
)

type memIdempotencyStore struct {
	records map[string]idempotency.ReserveOutcome
	hashes  map[string]string
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{records: map[string]idempotency.ReserveOutcome{}, hashes: map[string]string{}}
}

func (s *memIdempotencyStore) Reserve(ctx context.Context, key idempotency.Key, payloadHash string, now time.Time) (idempotency.ReserveOutcome, error) {
	k := key.String()
	if existing, ok := s.records[k]; ok {
		existing.ShouldProcess = false
		existing.PayloadMismatch = s.hashes[k] != payloadHash
		return existing, nil
	}
	outcome := idempotency.ReserveOutcome{ShouldProcess: true, FirstSeenAt: now}
	s.records[k] = outcome
	s.hashes[k] = payloadHash
	return outcome, nil
}

func (s *memIdempotencyStore) Complete(ctx context.Context, key idempotency.Key, result string, resultData interface{}) error {
	rec := s.records[key.String()]
	rec.PreviousResult = result
	s.records[key.String()] = rec
	return nil
}

func (s *memIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

type memStateStore struct {
	states map[string]State
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: map[string]State{}}
}

func (s *memStateStore) CurrentState(ctx context.Context, traceID string) (State, bool, error) {
	st, ok := s.states[traceID]
	return st, ok, nil
}

func (s *memStateStore) SetState(ctx context.Context, traceID string, state State) error {
	s.states[traceID] = state
	return nil
}

type memAuditStore struct {
	chains map[string][]audit.Event
}

func newMemAuditStore() *memAuditStore {
	return &memAuditStore{chains: map[string][]audit.Event{}}
}

func (s *memAuditStore) AppendEvent(ctx context.Context, ev audit.Event) error {
	s.chains[ev.TraceID] = append(s.chains[ev.TraceID], ev)
	return nil
}

func (s *memAuditStore) ReadChain(ctx context.Context, traceID string) ([]audit.Event, error) {
	return s.chains[traceID], nil
}

// testMetrics is shared across test cases: obsmetrics.New() registers with
// the global Prometheus registry via promauto, so constructing it more than
// once per test binary panics on duplicate registration.
var testMetrics = obsmetrics.New()

func newTestIngress() *Ingress {
	idem := idempotency.New(newMemIdempotencyStore(), nil)
	states := newMemStateStore()
	auditLog := audit.New(newMemAuditStore())
	return New(idem, states, nil, auditLog, testMetrics)
}

func TestIngestValidTransition(t *testing.T) {
	in := newTestIngress()

	result, err := in.Ingest(context.Background(), Envelope{
		EventID:      "evt-1",
		EventType:    "EXECUTION_REPORT",
		EventVersion: "v1",
		Source:       "oms",
		IngestedAt:   time.Now(),
		Correlation:  Correlation{TraceID: "trace-1"},
		Payload:      map[string]interface{}{"exec_id": "exec-1"},
		Normalization: Normalization{ToState: StateAccepted},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Processed || result.HasViolations {
		t.Fatalf("expected a clean processed transition, got %+v", result)
	}
}

func TestIngestDuplicateEventSkipsReprocessing(t *testing.T) {
	in := newTestIngress()
	env := Envelope{
		EventID:       "evt-2",
		EventType:     "EXECUTION_REPORT",
		EventVersion:  "v1",
		Source:        "oms",
		IngestedAt:    time.Now(),
		Correlation:   Correlation{TraceID: "trace-2"},
		Payload:       map[string]interface{}{"exec_id": "exec-2"},
		Normalization: Normalization{ToState: StateAccepted},
	}

	first, err := in.Ingest(context.Background(), env)
	if err != nil || !first.Processed {
		t.Fatalf("expected first ingest to process, got %+v err=%v", first, err)
	}

	second, err := in.Ingest(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Processed {
		t.Fatalf("expected duplicate event to be skipped")
	}
}

func TestIngestInvalidTransitionFlagsViolation(t *testing.T) {
	in := newTestIngress()

	// Move trace-3 to a terminal state first.
	_, err := in.Ingest(context.Background(), Envelope{
		EventID: "evt-3a", EventType: "EXECUTION_REPORT", EventVersion: "v1", Source: "oms",
		IngestedAt: time.Now(), Correlation: Correlation{TraceID: "trace-3"},
		Payload: map[string]interface{}{"exec_id": "exec-3a"}, Normalization: Normalization{ToState: StateFilled},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second event trying to move a FILLED order back to ACCEPTED is a
	// state machine violation: it's still ingested, not rejected.
	result, err := in.Ingest(context.Background(), Envelope{
		EventID: "evt-3b", EventType: "EXECUTION_REPORT", EventVersion: "v1", Source: "oms",
		IngestedAt: time.Now(), Correlation: Correlation{TraceID: "trace-3"},
		Payload: map[string]interface{}{"exec_id": "exec-3b"}, Normalization: Normalization{ToState: StateAccepted},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Processed || !result.HasViolations {
		t.Fatalf("expected the event to be processed but flagged, got %+v", result)
	}
}

func TestNormalizeReasonKnownAndFallback(t *testing.T) {
	if got := NormalizeReason("CREDIT_LIMIT_EXCEEDED"); got != "MARGIN" {
		t.Fatalf("expected MARGIN, got %s", got)
	}
	if got := NormalizeReason("weird new upstream wording about RISK threshold"); got != "RISK_POLICY" {
		t.Fatalf("expected keyword fallback to RISK_POLICY, got %s", got)
	}
	if got := NormalizeReason("completely novel reason"); got != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN fallback, got %s", got)
	}
}

func TestClassifyConfidenceLevels(t *testing.T) {
	table := Classify("", "PRICE_OUT_OF_RANGE", "")
	if table.Confidence != ConfidenceHigh || table.ReasonClass != ReasonPrice {
		t.Fatalf("expected HIGH confidence PRICE classification, got %+v", table)
	}
	keyword := Classify("", "", "quote rejected, stale by 4s")
	if keyword.Confidence != ConfidenceMedium || keyword.ReasonClass != ReasonPrice {
		t.Fatalf("expected MEDIUM confidence PRICE classification, got %+v", keyword)
	}
	unknown := Classify("", "", "")
	if unknown.Confidence != ConfidenceLow || unknown.ReasonClass != ReasonUnknown || unknown.ReasonCode != "UNKNOWN_REJECT" {
		t.Fatalf("expected LOW confidence UNKNOWN_REJECT classification, got %+v", unknown)
	}
}
