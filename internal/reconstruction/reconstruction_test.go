package reconstruction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/canonical"
	"github.com/ironclad/gate/internal/economics"
	"github.com/ironclad/gate/internal/policy"
)

// fakePolicySource stands in for *policy.Evaluator, handing BuildEvidencePack
// a fixed bundle so tests can control the policy_snapshot component's
// content without a real YAML-loaded bundle.
type fakePolicySource struct {
	bundle *policy.Bundle
}

func (f fakePolicySource) Active() *policy.Bundle {
	return f.bundle
}

type fakeAuditSource struct {
	events []audit.Event
}

func (f fakeAuditSource) Read(ctx context.Context, traceID string) ([]audit.Event, error) {
	return f.events, nil
}

// chainedEvent computes a correctly hash-chained event so fixtures pass
// audit.VerifyChain the same way a real persisted chain would.
func chainedEvent(t *testing.T, traceID, prevHash, eventType, eventVersion string, payload interface{}) audit.Event {
	t.Helper()
	hash, err := audit.Hash(prevHash, eventType, eventVersion, payload)
	if err != nil {
		t.Fatalf("failed to compute fixture hash: %v", err)
	}
	return audit.Event{
		TraceID:      traceID,
		EventType:    eventType,
		EventVersion: eventVersion,
		Payload:      payload,
		PrevHash:     prevHash,
		Hash:         hash,
	}
}

func TestBuildEvidencePackHashIsDeterministic(t *testing.T) {
	events := []audit.Event{
		chainedEvent(t, "trace-1", "", "ORDER_AUTHORIZATION", "v1", nil),
	}
	builder := NewBuilder(fakeAuditSource{events: events}, nil, nil)

	exposurePre := 1000.0
	econ := economics.Compute(economics.Input{Qty: 10, Price: 100, Decision: economics.DecisionAllow, ExposurePre: &exposurePre}, time.Unix(0, 0).UTC())

	pack1, err := builder.BuildEvidencePack(context.Background(), "trace-1", "abcdef0123456789", "AUTHORIZED", "WITHIN_LIMITS", econ, nil, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pack2, err := builder.BuildEvidencePack(context.Background(), "trace-1", "abcdef0123456789", "AUTHORIZED", "WITHIN_LIMITS", econ, nil, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pack1.PackHash != pack2.PackHash {
		t.Fatalf("expected stable pack hash, got %q vs %q", pack1.PackHash, pack2.PackHash)
	}
	if pack1.PackHash == "" {
		t.Fatalf("expected a non-empty pack hash")
	}
}

func TestBuildEvidencePackForTraceReadsDecisionFromChain(t *testing.T) {
	first := chainedEvent(t, "trace-2", "", "authorize.requested", "v1", nil)
	second := chainedEvent(t, "trace-2", first.Hash, "authorize.authorized", "v1", map[string]interface{}{
		"decision":             "AUTHORIZED",
		"reason_code":          "WITHIN_LIMITS",
		"policy_snapshot_hash": "abcdef0123456789",
		"economics": map[string]interface{}{
			"decision_time": time.Unix(0, 0).UTC(),
			"notional":      1000.0,
			"price_source":  "FIRM",
			"currency":      "USD",
		},
	})
	events := []audit.Event{first, second}
	builder := NewBuilder(fakeAuditSource{events: events}, nil, nil)

	pack, err := builder.BuildEvidencePackForTrace(context.Background(), "trace-2", nil, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pack.Decision != "AUTHORIZED" || pack.ReasonCode != "WITHIN_LIMITS" || pack.PolicySnapshotHash != "abcdef0123456789" {
		t.Fatalf("expected decision fields read back from chain, got %+v", pack)
	}
	if pack.Economics.Notional == nil || *pack.Economics.Notional != 1000.0 {
		t.Fatalf("expected economics round-tripped from payload, got %+v", pack.Economics)
	}
	if pack.PackHash == "" {
		t.Fatalf("expected a non-empty pack hash")
	}
	if !pack.IntegrityVerified {
		t.Fatalf("expected IntegrityVerified true for a valid chain")
	}
}

func TestBuildEvidencePackForTraceFailsClosedOnBrokenChain(t *testing.T) {
	first := chainedEvent(t, "trace-3", "", "authorize.requested", "v1", nil)
	second := chainedEvent(t, "trace-3", first.Hash, "authorize.authorized", "v1", map[string]interface{}{
		"decision": "AUTHORIZED",
	})
	second.Hash = "tampered"
	events := []audit.Event{first, second}
	builder := NewBuilder(fakeAuditSource{events: events}, nil, nil)

	if _, err := builder.BuildEvidencePackForTrace(context.Background(), "trace-3", nil, time.Unix(0, 0).UTC()); err == nil {
		t.Fatalf("expected a broken chain to fail closed, got nil error")
	}
}

func TestBuildTraceBundleFailsClosedOnBrokenChain(t *testing.T) {
	first := chainedEvent(t, "trace-4", "", "authorize.requested", "v1", nil)
	second := chainedEvent(t, "trace-4", "not-the-real-prev-hash", "authorize.authorized", "v1", nil)
	events := []audit.Event{first, second}
	builder := NewBuilder(fakeAuditSource{events: events}, nil, nil)

	if _, err := builder.BuildTraceBundle(context.Background(), "trace-4"); err == nil {
		t.Fatalf("expected a broken chain to fail closed, got nil error")
	}
}

func TestBuildEvidencePackForTraceNoDecisionEvent(t *testing.T) {
	builder := NewBuilder(fakeAuditSource{events: nil}, nil, nil)
	if _, err := builder.BuildEvidencePackForTrace(context.Background(), "trace-none", nil, time.Unix(0, 0).UTC()); err == nil {
		t.Fatalf("expected an error when no decision event exists")
	}
}

func TestCheckConsistencyMatchesPrefix(t *testing.T) {
	ok, reason := CheckConsistency("abcdef0123456789fedcba", "abcdef0123456789")
	if !ok || reason != "" {
		t.Fatalf("expected consistent match, got ok=%v reason=%s", ok, reason)
	}
}

func TestCheckConsistencyDetectsMismatch(t *testing.T) {
	ok, reason := CheckConsistency("0000000000000000fedcba", "abcdef0123456789")
	if ok || reason != "POLICY_INCONSISTENT" {
		t.Fatalf("expected POLICY_INCONSISTENT, got ok=%v reason=%s", ok, reason)
	}
}

// TestPackHashUsesColonJoinNotChainHash pins pack_hash to spec §3/§4.7's
// literal SHA256(join(":", component_hashes)) formula, distinct from
// canonical.ChainHash's pipe-joined form used elsewhere in the codebase.
func TestPackHashUsesColonJoinNotChainHash(t *testing.T) {
	events := []audit.Event{chainedEvent(t, "trace-5", "", "ORDER_AUTHORIZATION", "v1", nil)}
	builder := NewBuilder(fakeAuditSource{events: events}, nil, nil)

	exposurePre := 1000.0
	econ := economics.Compute(economics.Input{Qty: 10, Price: 100, Decision: economics.DecisionAllow, ExposurePre: &exposurePre}, time.Unix(0, 0).UTC())

	pack, err := builder.BuildEvidencePack(context.Background(), "trace-5", "abcdef0123456789", "AUTHORIZED", "WITHIN_LIMITS", econ, nil, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshotComponent := builder.buildPolicySnapshotComponent()
	hashes, err := componentHashes(snapshotComponent, "AUTHORIZED", events, econ, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := sha256.Sum256([]byte(strings.Join(hashes, ":")))
	want := hex.EncodeToString(sum[:])
	if pack.PackHash != want {
		t.Fatalf("expected pack hash from colon-joined components %q, got %q", want, pack.PackHash)
	}
	if pack.PackHash == canonical.ChainHash(hashes...) {
		t.Fatalf("pack hash must not equal the pipe-joined ChainHash form")
	}
}

// TestBuildEvidencePackFlagsPolicyInconsistentOnMismatch exercises the
// wiring the review flagged as dead: a Builder with a policy source whose
// active bundle content hashes to something other than the decision's
// on-token policy_snapshot_hash must come back POLICY_INCONSISTENT.
func TestBuildEvidencePackFlagsPolicyInconsistentOnMismatch(t *testing.T) {
	events := []audit.Event{chainedEvent(t, "trace-6", "", "ORDER_AUTHORIZATION", "v1", nil)}
	builder := NewBuilder(fakeAuditSource{events: events}, nil, fakePolicySource{bundle: &policy.Bundle{Version: "v1"}})

	exposurePre := 1000.0
	econ := economics.Compute(economics.Input{Qty: 10, Price: 100, Decision: economics.DecisionAllow, ExposurePre: &exposurePre}, time.Unix(0, 0).UTC())

	pack, err := builder.BuildEvidencePack(context.Background(), "trace-6", "0000000000000000", "AUTHORIZED", "WITHIN_LIMITS", econ, nil, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pack.PolicyConsistent || pack.ConsistencyReason != "POLICY_INCONSISTENT" {
		t.Fatalf("expected POLICY_INCONSISTENT for a mismatched bundle, got consistent=%v reason=%s", pack.PolicyConsistent, pack.ConsistencyReason)
	}
	if pack.PolicySnapshot == nil || pack.PolicySnapshot.PolicyContent == nil {
		t.Fatalf("expected a non-empty policy_snapshot component, got %+v", pack.PolicySnapshot)
	}
}

// TestBuildEvidencePackConsistentWhenBundleMatchesToken confirms the happy
// path: a policy_snapshot_hash computed from the wired bundle's own content
// agrees with the 16-hex truncation recorded on the token at decision time.
func TestBuildEvidencePackConsistentWhenBundleMatchesToken(t *testing.T) {
	bundle := &policy.Bundle{Version: "v1"}
	fullHash, err := bundle.SnapshotHash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := []audit.Event{chainedEvent(t, "trace-7", "", "ORDER_AUTHORIZATION", "v1", nil)}
	builder := NewBuilder(fakeAuditSource{events: events}, nil, fakePolicySource{bundle: bundle})

	exposurePre := 1000.0
	econ := economics.Compute(economics.Input{Qty: 10, Price: 100, Decision: economics.DecisionAllow, ExposurePre: &exposurePre}, time.Unix(0, 0).UTC())

	pack, err := builder.BuildEvidencePack(context.Background(), "trace-7", fullHash[:16], "AUTHORIZED", "WITHIN_LIMITS", econ, nil, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pack.PolicyConsistent || pack.ConsistencyReason != "" {
		t.Fatalf("expected a consistent pack, got consistent=%v reason=%s", pack.PolicyConsistent, pack.ConsistencyReason)
	}
}
