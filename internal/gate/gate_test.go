package gate

import (
	"context"
	"testing"
	"time"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/circuitbreaker"
	"github.com/ironclad/gate/internal/lock"
	"github.com/ironclad/gate/internal/obsmetrics"
	"github.com/ironclad/gate/internal/policy"
	"github.com/ironclad/gate/internal/shadowledger"
	"github.com/ironclad/gate/internal/token"
)

// memLedgerStore is an in-memory shadowledger.Store + ExposureStore fake
// for gate pipeline tests.
type memLedgerStore struct {
	positions map[string]shadowledger.Position
	limits    map[string]shadowledger.Limits
	holds     map[string]shadowledger.Hold
	exposure  map[string][]shadowledger.ExposureEvent
}

func newMemLedgerStore(limits shadowledger.Limits) *memLedgerStore {
	return &memLedgerStore{
		positions: map[string]shadowledger.Position{},
		limits:    map[string]shadowledger.Limits{"default": limits},
		holds:     map[string]shadowledger.Hold{},
		exposure:  map[string][]shadowledger.ExposureEvent{},
	}
}

func posKey(clientID, symbol string) string { return clientID + ":" + symbol }

func (s *memLedgerStore) GetPosition(ctx context.Context, clientID, symbol string) (shadowledger.Position, error) {
	if p, ok := s.positions[posKey(clientID, symbol)]; ok {
		return p, nil
	}
	return shadowledger.Position{ClientID: clientID, Symbol: symbol}, nil
}

func (s *memLedgerStore) SavePosition(ctx context.Context, pos shadowledger.Position) error {
	s.positions[posKey(pos.ClientID, pos.Symbol)] = pos
	return nil
}

func (s *memLedgerStore) GetLimits(ctx context.Context, clientID, symbol string) (shadowledger.Limits, error) {
	return s.limits["default"], nil
}

func (s *memLedgerStore) SaveHold(ctx context.Context, h shadowledger.Hold) error {
	s.holds[h.TraceID] = h
	return nil
}

func (s *memLedgerStore) GetHold(ctx context.Context, traceID string) (shadowledger.Hold, error) {
	h, ok := s.holds[traceID]
	if !ok {
		return shadowledger.Hold{}, shadowledger.ErrNotFound
	}
	return h, nil
}

func (s *memLedgerStore) ListOpenHoldsOlderThan(ctx context.Context, cutoff time.Time) ([]shadowledger.Hold, error) {
	var out []shadowledger.Hold
	for _, h := range s.holds {
		if h.State == shadowledger.HoldAuthorized && h.CreatedAt.Before(cutoff) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memLedgerStore) AppendExposureEvent(ctx context.Context, ev shadowledger.ExposureEvent) error {
	key := posKey(ev.ClientID, ev.Symbol)
	s.exposure[key] = append(s.exposure[key], ev)
	return nil
}

func (s *memLedgerStore) LastExposureEvent(ctx context.Context, clientID, symbol string) (shadowledger.ExposureEvent, bool, error) {
	events := s.exposure[posKey(clientID, symbol)]
	if len(events) == 0 {
		return shadowledger.ExposureEvent{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (s *memLedgerStore) ListExposureEvents(ctx context.Context, clientID, symbol string) ([]shadowledger.ExposureEvent, error) {
	return s.exposure[posKey(clientID, symbol)], nil
}

// memAuditStore is an in-memory audit.Store fake.
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

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// testMetrics is shared across test cases: obsmetrics.New() registers with
// the global Prometheus registry via promauto, so constructing it more than
// once per test binary panics on duplicate registration.
var testMetrics = obsmetrics.New()

func newTestGate(t *testing.T, limits shadowledger.Limits, bundle *policy.Bundle) *Gate {
	t.Helper()
	store := newMemLedgerStore(limits)
	ledger := shadowledger.New(store, lock.NewDistributedKeyed(nil, "test", time.Second))
	auditLog := audit.New(newMemAuditStore())
	tokens := token.NewBroker("test-signing-key", "")
	evaluator := policy.NewEvaluator(bundle)

	return New(evaluator, ledger, auditLog, tokens, circuitbreaker.NewGateCircuitBreakers(), testMetrics, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func allowAllBundle() *policy.Bundle {
	return &policy.Bundle{
		Version: "test",
		Rules: []policy.Rule{
			{ID: "allow-all", Action: policy.Allow, ReasonCode: "WITHIN_LIMITS"},
		},
	}
}

func TestAuthorizeAllowsWithinLimits(t *testing.T) {
	g := newTestGate(t, shadowledger.Limits{SingleOrder: 1_000_000, GrossExposure: 10_000_000, NetExposure: 10_000_000, SymbolLimit: 10_000_000}, allowAllBundle())

	resp, err := g.Authorize(context.Background(), AuthorizeRequest{
		TraceID: "trace-1",
		Order:   Order{ClientOrderID: "co-1", ClientID: "client-1", Symbol: "AAPL", Side: "BUY", Qty: 10, Price: 100},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != token.DecisionAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s (%s)", resp.Decision, resp.ReasonCode)
	}
	if resp.Token == nil {
		t.Fatalf("expected a token on authorization")
	}
	if resp.Segments["total"] < 0 {
		t.Fatalf("expected non-negative total segment")
	}
}

func TestAuthorizeRejectsInvalidSchema(t *testing.T) {
	g := newTestGate(t, shadowledger.Limits{SingleOrder: 1_000_000}, allowAllBundle())

	resp, err := g.Authorize(context.Background(), AuthorizeRequest{
		TraceID: "trace-2",
		Order:   Order{ClientOrderID: "co-2", ClientID: "client-1", Symbol: "AAPL", Side: "SIDEWAYS", Qty: 10, Price: 100},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != token.DecisionBlocked || resp.ReasonCode != ReasonInvalidOrderSchema {
		t.Fatalf("expected INVALID_ORDER_SCHEMA block, got %+v", resp)
	}
}

func TestAuthorizeBlocksOnSingleOrderBreach(t *testing.T) {
	g := newTestGate(t, shadowledger.Limits{SingleOrder: 100}, allowAllBundle())

	resp, err := g.Authorize(context.Background(), AuthorizeRequest{
		TraceID: "trace-3",
		Order:   Order{ClientOrderID: "co-3", ClientID: "client-1", Symbol: "AAPL", Side: "BUY", Qty: 1000, Price: 100},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != token.DecisionBlocked || resp.Breach != shadowledger.BreachSingleOrder {
		t.Fatalf("expected SINGLE_ORDER breach, got %+v", resp)
	}
}

func TestAuthorizeBlocksOnPolicyRule(t *testing.T) {
	bundle := &policy.Bundle{
		Version: "test",
		Rules: []policy.Rule{
			{ID: "restricted", Action: policy.Block, ReasonCode: "RESTRICTED_SYMBOL", When: policy.Condition{Field: "order.symbol", Op: "eq", Value: "RESTRICTED"}},
			{ID: "allow-all", Action: policy.Allow, ReasonCode: "WITHIN_LIMITS"},
		},
	}
	g := newTestGate(t, shadowledger.Limits{SingleOrder: 1_000_000, GrossExposure: 10_000_000, NetExposure: 10_000_000, SymbolLimit: 10_000_000}, bundle)

	resp, err := g.Authorize(context.Background(), AuthorizeRequest{
		TraceID: "trace-4",
		Order:   Order{ClientOrderID: "co-4", ClientID: "client-1", Symbol: "RESTRICTED", Side: "BUY", Qty: 1, Price: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != token.DecisionBlocked || resp.ReasonCode != "RESTRICTED_SYMBOL" {
		t.Fatalf("expected policy block, got %+v", resp)
	}
}

// racyLedgerStore simulates a concurrent order landing between the gate's
// Check call and its Reserve call: GetPosition returns an empty position the
// first time (so Check sees room under the limit) and an already-full
// position every time after (so Reserve's own re-check, inside the ledger's
// per-client critical section, loses the race).
type racyLedgerStore struct {
	*memLedgerStore
	calls int
}

func (s *racyLedgerStore) GetPosition(ctx context.Context, clientID, symbol string) (shadowledger.Position, error) {
	s.calls++
	if s.calls == 1 {
		return shadowledger.Position{ClientID: clientID, Symbol: symbol}, nil
	}
	return shadowledger.Position{ClientID: clientID, Symbol: symbol, GrossExposure: 999_999_999}, nil
}

func TestAuthorizeDemotesToBlockedWhenReserveLosesRace(t *testing.T) {
	limits := shadowledger.Limits{SingleOrder: 1_000_000, GrossExposure: 1_000_000, NetExposure: 1_000_000, SymbolLimit: 1_000_000}
	store := &racyLedgerStore{memLedgerStore: newMemLedgerStore(limits)}
	ledger := shadowledger.New(store, lock.NewDistributedKeyed(nil, "test", time.Second))
	auditLog := audit.New(newMemAuditStore())
	tokens := token.NewBroker("test-signing-key", "")
	g := New(policy.NewEvaluator(allowAllBundle()), ledger, auditLog, tokens, circuitbreaker.NewGateCircuitBreakers(), testMetrics, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})

	resp, err := g.Authorize(context.Background(), AuthorizeRequest{
		TraceID: "trace-race",
		Order:   Order{ClientOrderID: "co-race", ClientID: "client-race", Symbol: "AAPL", Side: "BUY", Qty: 10, Price: 100},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != token.DecisionBlocked {
		t.Fatalf("expected reserve-race loss to demote to BLOCKED, got %s", resp.Decision)
	}
	if resp.Breach != shadowledger.BreachGrossExposure {
		t.Fatalf("expected GROSS_EXPOSURE breach from the losing reserve re-check, got %q", resp.Breach)
	}
	if resp.ReasonCode != string(shadowledger.BreachGrossExposure) {
		t.Fatalf("expected reason_code to carry the breach type, got %q", resp.ReasonCode)
	}
	if resp.Economics.SavedExposure == nil {
		t.Fatalf("expected demoted decision's economics to report saved_exposure, not projected_exposure_delta")
	}
	if len(store.holds) != 0 {
		t.Fatalf("expected no hold to be booked when reserve loses the race, got %d", len(store.holds))
	}
	if resp.Token == nil || resp.Token.Payload.Decision != token.DecisionBlocked {
		t.Fatalf("expected the issued token itself to carry BLOCKED, not a stale AUTHORIZED payload")
	}
}

func TestOrderDigestCaseInsensitiveSymbolAndSide(t *testing.T) {
	o1 := Order{ClientOrderID: "co-1", Symbol: "aapl", Side: "buy", Qty: 10, Price: 100}
	o2 := Order{ClientOrderID: "co-1", Symbol: "AAPL", Side: "BUY", Qty: 10, Price: 100}
	if o1.Digest() != o2.Digest() {
		t.Fatalf("expected case-insensitive digest match")
	}
}

func TestOrderDigestDiffersOnPrice(t *testing.T) {
	o1 := Order{ClientOrderID: "co-1", Symbol: "AAPL", Side: "BUY", Qty: 10, Price: 100}
	o2 := Order{ClientOrderID: "co-1", Symbol: "AAPL", Side: "BUY", Qty: 10, Price: 101}
	if o1.Digest() == o2.Digest() {
		t.Fatalf("expected digest to differ when price differs")
	}
}
