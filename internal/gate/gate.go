package gate

import (
	"context"
	"time"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/circuitbreaker"
	"github.com/ironclad/gate/internal/economics"
	"github.com/ironclad/gate/internal/obsmetrics"
	"github.com/ironclad/gate/internal/policy"
	"github.com/ironclad/gate/internal/shadowledger"
	"github.com/ironclad/gate/internal/token"
)

// Clock abstracts wall-clock reads so tests can inject a fixed time
// instead of sleeping or racing time.Now(), matching SPEC_FULL.md's test
// tooling section.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AuthorizeRequest is the gate's single inbound operation's argument.
type AuthorizeRequest struct {
	TraceID         string
	Order           Order
	ReferencePrice  float64
	Subject         string
	Audience        string
	Nonce           string
	// PriceAssertedBy/PriceAssertedAt/PriceSignature carry the
	// x-price-asserted-by/x-price-asserted-at/x-price-signature headers
	// (spec §4.1) through to the economics snapshot as provenance for the
	// reference price used, when the caller supplies one.
	PriceAssertedBy string
	PriceAssertedAt time.Time
	PriceSignature  string
}

// AuthorizeResponse is returned for every authorize() call, allowed or
// blocked: the decision token, the economics snapshot, and per-segment
// timings for observability.
type AuthorizeResponse struct {
	Decision      token.Decision
	ReasonCode    string
	RuleID        string
	PolicyVersion string
	Token         *token.Token
	Economics     economics.Snapshot
	Segments      map[string]time.Duration
	Breach        shadowledger.BreachType
}

// Reason codes for fail-closed paths. A dependency outage never yields an
// ALLOW; it always yields one of these.
const (
	ReasonInvalidOrderSchema = "INVALID_ORDER_SCHEMA"
	ReasonStateUnavailable   = "STATE_UNAVAILABLE"
	ReasonGateUnavailable    = "GATE_UNAVAILABLE"
	ReasonSigningUnavailable = "SIGNING_UNAVAILABLE"
	ReasonAuditUnavailable   = "AUDIT_UNAVAILABLE"
)

// Gate wires together the policy evaluator, shadow ledger, audit log, and
// token broker into the authorize() pipeline, guarding every external
// dependency call with its own circuit breaker so a single failing
// dependency degrades to a fast, explicit fail-closed reason code instead
// of hanging the request or silently allowing it through.
type Gate struct {
	Policy   policy.Service
	Ledger   *shadowledger.Ledger
	Audit    *audit.Log
	Tokens   *token.Broker
	Breakers *circuitbreaker.GateCircuitBreakers
	Metrics  *obsmetrics.Metrics
	Clock    Clock
}

// New constructs a Gate. Metrics and Clock may be nil; nil Metrics
// disables observation, nil Clock defaults to SystemClock.
func New(
	policySvc policy.Service,
	ledger *shadowledger.Ledger,
	auditLog *audit.Log,
	tokens *token.Broker,
	breakers *circuitbreaker.GateCircuitBreakers,
	metrics *obsmetrics.Metrics,
	clock Clock,
) *Gate {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Gate{
		Policy:   policySvc,
		Ledger:   ledger,
		Audit:    auditLog,
		Tokens:   tokens,
		Breakers: breakers,
		Metrics:  metrics,
		Clock:    clock,
	}
}

// Authorize runs one order through the full pipeline: validate, compute
// the shadow ledger's breach check, evaluate policy, compute economics,
// combine into one decision, reserve on ALLOW, sign a decision token, and
// append the audit trail — returning a response whose decision is always
// present even when a downstream dependency is unavailable.
func (g *Gate) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error) {
	segments := map[string]time.Duration{}
	start := g.Clock.Now()
	track := func(name string, from time.Time) {
		segments[name] = g.Clock.Now().Sub(from)
	}

	resp := AuthorizeResponse{Segments: segments}

	// 1. parse_validate
	t0 := g.Clock.Now()
	if err := req.Order.Validate(); err != nil {
		track("parse_validate", t0)
		track("total", start)
		resp.Decision = token.DecisionBlocked
		resp.ReasonCode = ReasonInvalidOrderSchema
		return resp, nil
	}
	orderDigest := req.Order.Digest()
	track("parse_validate", t0)

	// 3. authorize.requested is appended before any decision is made. If the
	// audit log cannot accept it, the gate has no tamper-evident record to
	// point to and must fail closed rather than authorize an unrecorded
	// order.
	t0 = g.Clock.Now()
	_, err := g.Breakers.Audit.Execute(func() (interface{}, error) {
		return g.Audit.Append(ctx, req.TraceID, "authorize.requested", "v1", map[string]interface{}{
			"order_digest": orderDigest,
			"order":        req.Order,
		})
	})
	track("audit_requested", t0)
	if err != nil {
		track("total", start)
		resp.Decision = token.DecisionBlocked
		resp.ReasonCode = ReasonAuditUnavailable
		g.observeAuthorize(resp, start)
		return resp, nil
	}

	side := shadowledger.SideBuy
	if req.Order.Side == "SELL" || req.Order.Side == "sell" {
		side = shadowledger.SideSell
	}
	notional := req.Order.Qty * req.Order.Price

	// 4. shadow ledger check, circuit-protected. A tripped breaker fails
	// closed: the gate cannot authorize an order without current exposure
	// state.
	t0 = g.Clock.Now()
	checkIface, err := g.Breakers.Ledger.Execute(func() (interface{}, error) {
		return g.Ledger.Check(ctx, req.Order.ClientID, req.Order.Symbol, side, req.Order.Qty, req.Order.Price, notional)
	})
	track("state_check", t0)
	if err != nil {
		track("total", start)
		resp.Decision = token.DecisionBlocked
		resp.ReasonCode = ReasonStateUnavailable
		g.observeAuthorize(resp, start)
		return resp, nil
	}
	checkResult := checkIface.(shadowledger.CheckResult)

	// 4b. policy evaluation, circuit-protected.
	t0 = g.Clock.Now()
	policyIface, err := g.Breakers.Policy.Execute(func() (interface{}, error) {
		return g.Policy.Evaluate(policy.Order{
			ClientOrderID: req.Order.ClientOrderID,
			Symbol:        req.Order.Symbol,
			Side:          req.Order.Side,
			Qty:           req.Order.Qty,
			Price:         req.Order.Price,
		}, policy.ExposureContext{
			ClientID:        req.Order.ClientID,
			GrossExposure:   checkResult.CurrentGross,
			NetExposure:     checkResult.CurrentNet,
			PendingExposure: checkResult.Pending,
			MaxGross:        checkResult.Limits.GrossExposure,
			MaxNet:          checkResult.Limits.NetExposure,
			MaxSingleOrder:  checkResult.Limits.SingleOrder,
			MaxSymbol:       checkResult.Limits.SymbolLimit,
		})
	})
	track("policy_decision", t0)
	if err != nil {
		track("total", start)
		resp.Decision = token.DecisionBlocked
		resp.ReasonCode = ReasonGateUnavailable
		g.observeAuthorize(resp, start)
		return resp, nil
	}
	policyResult := policyIface.(policy.Result)

	// 4c. combine policy + limit-breach verdicts. A limit breach always
	// blocks regardless of what the policy bundle says; the policy bundle
	// can additionally block an order the limits would have allowed.
	decision := token.DecisionAuthorized
	reasonCode := policyResult.ReasonCode
	ruleID := policyResult.RuleID
	breach := checkResult.BreachType

	if !checkResult.Allowed {
		decision = token.DecisionBlocked
		reasonCode = string(checkResult.BreachType)
	} else if policyResult.Decision == policy.Block {
		decision = token.DecisionBlocked
	}

	if decision == token.DecisionBlocked {
		// Best-effort: a blocked attempt is still worth recording in the
		// exposure chain, but the audit append later in this pipeline is the
		// authoritative fail-closed record, so a failure here never changes
		// the outcome.
		_ = g.Ledger.RecordBlocked(ctx, req.TraceID, req.Order.ClientID, req.Order.Symbol)
	}

	// 5. economics, pure and uncircuited.
	t0 = g.Clock.Now()
	exposurePre := checkResult.CurrentGross
	econDecision := economics.DecisionAllow
	if decision == token.DecisionBlocked {
		econDecision = economics.DecisionBlock
	}
	priceAssertedAt := req.PriceAssertedAt
	if priceAssertedAt.IsZero() {
		priceAssertedAt = g.Clock.Now()
	}
	econSnapshot := economics.Compute(economics.Input{
		Qty:             req.Order.Qty,
		Price:           req.Order.Price,
		ReferencePrice:  req.ReferencePrice,
		Decision:        econDecision,
		ExposurePre:     &exposurePre,
		Currency:        req.Order.Currency,
		PriceAssertedBy: req.PriceAssertedBy,
		PriceAssertedAt: priceAssertedAt,
		PriceSignature:  req.PriceSignature,
	}, g.Clock.Now())
	resp.Economics = econSnapshot
	track("economics", t0)

	// 6. reserve on ALLOW, circuit-protected. The reserve call re-evaluates
	// the same limits inside the ledger's per-client critical section, so a
	// concurrent order that landed between our earlier check and this
	// reserve can still cause this one to lose the race: reserve then
	// returns Allowed=false with no error (nothing was booked). Per spec
	// §4.1 step 6, that demotes the decision to BLOCKED with the breach
	// reason instead of proceeding to sign an AUTHORIZED token for a hold
	// that was never placed.
	if decision == token.DecisionAuthorized {
		t0 = g.Clock.Now()
		reserveIface, err := g.Breakers.Ledger.Execute(func() (interface{}, error) {
			return g.Ledger.Reserve(ctx, req.TraceID, req.Order.ClientID, req.Order.Symbol, side, req.Order.Qty, req.Order.Price, policyResult.PolicyVersion)
		})
		track("reserve", t0)
		if err != nil {
			track("total", start)
			resp.Decision = token.DecisionBlocked
			resp.ReasonCode = ReasonStateUnavailable
			g.observeAuthorize(resp, start)
			return resp, nil
		}
		reserveResult := reserveIface.(shadowledger.CheckResult)
		if !reserveResult.Allowed {
			decision = token.DecisionBlocked
			reasonCode = string(reserveResult.BreachType)
			breach = reserveResult.BreachType
			_ = g.Ledger.RecordBlocked(ctx, req.TraceID, req.Order.ClientID, req.Order.Symbol)

			econDecision = economics.DecisionBlock
			econSnapshot = economics.Compute(economics.Input{
				Qty:             req.Order.Qty,
				Price:           req.Order.Price,
				ReferencePrice:  req.ReferencePrice,
				Decision:        econDecision,
				ExposurePre:     &exposurePre,
				Currency:        req.Order.Currency,
				PriceAssertedBy: req.PriceAssertedBy,
				PriceAssertedAt: priceAssertedAt,
				PriceSignature:  req.PriceSignature,
			}, g.Clock.Now())
			resp.Economics = econSnapshot
		}
	}

	// 7. sign the decision token. Signing failure (e.g. no key material
	// configured) fails the whole request closed — an unsigned decision is
	// not a decision.
	t0 = g.Clock.Now()
	projectedExposure := econSnapshot.ExposurePre
	if econSnapshot.ProjectedExposureDelta != nil {
		pe := checkResult.CurrentGross + *econSnapshot.ProjectedExposureDelta
		projectedExposure = &pe
	}
	tok, err := g.Tokens.Issue(token.IssueParams{
		TraceID:            req.TraceID,
		Decision:           decision,
		ReasonCode:         reasonCode,
		RuleIDs:            ruleIDs(ruleID),
		PolicySnapshotHash: policyResult.PolicySnapshotHash,
		OrderDigest:        orderDigest,
		Order:              req.Order,
		Subject:            req.Subject,
		Audience:           req.Audience,
		Nonce:              req.Nonce,
		ProjectedExposure:  projectedExposure,
		IssuedAt:           g.Clock.Now(),
	})
	track("token_sign", t0)
	if err != nil {
		track("total", start)
		resp.Decision = token.DecisionBlocked
		resp.ReasonCode = ReasonSigningUnavailable
		g.observeAuthorize(resp, start)
		return resp, nil
	}

	// 8. audit append, circuit-protected. An authorization that cannot be
	// recorded is not considered authorized.
	auditEventType := "authorize.authorized"
	if decision == token.DecisionBlocked {
		auditEventType = "authorize.blocked"
	}
	t0 = g.Clock.Now()
	_, err = g.Breakers.Audit.Execute(func() (interface{}, error) {
		return g.Audit.Append(ctx, req.TraceID, auditEventType, "v1", map[string]interface{}{
			"decision":             string(decision),
			"reason_code":          reasonCode,
			"rule_id":              ruleID,
			"order_digest":         orderDigest,
			"policy_snapshot_hash": policyResult.PolicySnapshotHash,
			"order":                req.Order,
			"token":                tok,
			"economics":            econSnapshot,
		})
	})
	track("audit_append", t0)
	if err != nil {
		track("total", start)
		resp.Decision = token.DecisionBlocked
		resp.ReasonCode = ReasonAuditUnavailable
		g.observeAuthorize(resp, start)
		return resp, nil
	}

	resp.Decision = decision
	resp.ReasonCode = reasonCode
	resp.RuleID = ruleID
	resp.PolicyVersion = policyResult.PolicyVersion
	resp.Token = tok
	resp.Breach = breach
	track("total", start)

	g.observeAuthorize(resp, start)
	return resp, nil
}

func (g *Gate) observeAuthorize(resp AuthorizeResponse, start time.Time) {
	if g.Metrics == nil {
		return
	}
	g.Metrics.ObserveAuthorize(string(resp.Decision), resp.ReasonCode, g.Clock.Now().Sub(start).Seconds())
	if resp.Breach != shadowledger.BreachNone {
		g.Metrics.ObserveBreach(string(resp.Breach))
	}
}

func ruleIDs(ruleID string) []string {
	if ruleID == "" {
		return nil
	}
	return []string{ruleID}
}
