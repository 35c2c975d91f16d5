package policy

import "testing"

func testBundle() *Bundle {
	return &Bundle{
		Version: "v1",
		Rules: []Rule{
			{
				ID:         "block-oversized-symbol",
				Action:     Block,
				ReasonCode: "SYMBOL_LIMIT_BREACH",
				When: Condition{
					Field: "exposure.gross",
					Op:    "gt",
					Value: 1000000.0,
				},
			},
			{
				ID:         "block-restricted-symbol",
				Action:     Block,
				ReasonCode: "RESTRICTED_SYMBOL",
				When: Condition{
					Field: "order.symbol",
					Op:    "eq",
					Value: "RESTRICTED",
				},
			},
			{
				ID:         "allow-default",
				Action:     Allow,
				ReasonCode: "WITHIN_LIMITS",
			},
		},
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	e := NewEvaluator(testBundle())

	result, err := e.Evaluate(Order{Symbol: "AAPL", Qty: 10, Price: 100}, ExposureContext{GrossExposure: 2000000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != Block || result.ReasonCode != "SYMBOL_LIMIT_BREACH" {
		t.Fatalf("expected gross exposure breach, got %+v", result)
	}
}

func TestEvaluateRestrictedSymbol(t *testing.T) {
	e := NewEvaluator(testBundle())

	result, err := e.Evaluate(Order{Symbol: "RESTRICTED", Qty: 1, Price: 1}, ExposureContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != Block || result.RuleID != "block-restricted-symbol" {
		t.Fatalf("expected restricted symbol block, got %+v", result)
	}
}

func TestEvaluateDefaultAllow(t *testing.T) {
	e := NewEvaluator(testBundle())

	result, err := e.Evaluate(Order{Symbol: "AAPL", Qty: 1, Price: 1}, ExposureContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != Allow || result.RuleID != "allow-default" {
		t.Fatalf("expected default allow, got %+v", result)
	}
}

func TestSnapshotHashStableAcrossEvaluations(t *testing.T) {
	e := NewEvaluator(testBundle())

	r1, err := e.Evaluate(Order{Symbol: "AAPL", Qty: 1, Price: 1}, ExposureContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := e.Evaluate(Order{Symbol: "MSFT", Qty: 2, Price: 2}, ExposureContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1.PolicySnapshotHash != r2.PolicySnapshotHash {
		t.Fatalf("expected stable snapshot hash, got %q vs %q", r1.PolicySnapshotHash, r2.PolicySnapshotHash)
	}
	if len(r1.PolicySnapshotHash) != 16 {
		t.Fatalf("expected 16 hex char snapshot hash, got %d chars", len(r1.PolicySnapshotHash))
	}
}

func TestReloadChangesSnapshotHash(t *testing.T) {
	e := NewEvaluator(testBundle())
	before, _ := e.Evaluate(Order{Symbol: "AAPL", Qty: 1, Price: 1}, ExposureContext{})

	reloaded := testBundle()
	reloaded.Version = "v2"
	e.Reload(reloaded)

	after, _ := e.Evaluate(Order{Symbol: "AAPL", Qty: 1, Price: 1}, ExposureContext{})
	if before.PolicySnapshotHash == after.PolicySnapshotHash {
		t.Fatalf("expected snapshot hash to change after reload")
	}
}
