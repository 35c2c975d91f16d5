// Package reconstruction assembles the post-hoc artifacts an operator or
// auditor pulls for a single trace: the full trace bundle, a self-
// contained evidence pack with its own integrity hash, and an LP fill
// timeline, following the same "gather, aggregate, hash" shape
// internal/evidence's audit query layer used for its own transaction
// lookups, rebuilt here around the gate's hash-chained primitives instead
// of that package's EvidenceRecord model.
package reconstruction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/canonical"
	"github.com/ironclad/gate/internal/economics"
	"github.com/ironclad/gate/internal/identity"
	"github.com/ironclad/gate/internal/policy"
	"github.com/ironclad/gate/internal/store/readmodel"
)

// TraceBundle is the complete raw material for one trace: its audit chain
// and every lifecycle event recorded against it. IntegrityVerified is
// always true on a successfully returned bundle — BuildTraceBundle fails
// closed (returns an error instead of a bundle) when the chain doesn't
// verify — but the field is still carried on the struct since spec §4.7
// names it as part of the bundle's shape.
type TraceBundle struct {
	TraceID           string                         `json:"trace_id"`
	AuditChain        []audit.Event                  `json:"audit_chain"`
	LifecycleEvents   []readmodel.LifecycleEventRow  `json:"lifecycle_events"`
	IntegrityVerified bool                           `json:"integrity_verified"`
}

// ErrChainBroken is returned by any reconstruction operation that detects a
// hash-chain break; callers must treat this as a hard failure, never as a
// best-effort bundle, per spec §4.4/§4.7.
var ErrChainBroken = fmt.Errorf("reconstruction: audit chain failed verification")

// EvidencePack is the fixed-order, self-verifying artifact handed to an
// auditor: policy snapshot, decision, audit chain, economics, and operator
// identity, hashed together in that exact order so pack_hash is
// reproducible from the pack's own content.
type EvidencePack struct {
	TraceID            string                     `json:"trace_id"`
	PolicySnapshotHash string                     `json:"policy_snapshot_hash"`
	PolicySnapshot     *PolicySnapshotComponent   `json:"policy_snapshot,omitempty"`
	Decision           string                     `json:"decision"`
	ReasonCode         string                     `json:"reason_code"`
	AuditChain         []audit.Event              `json:"audit_chain"`
	Economics          economics.Snapshot         `json:"economics"`
	OperatorIdentity   *identity.OperatorIdentity `json:"operator_identity,omitempty"`
	PackHash           string                     `json:"pack_hash"`
	GeneratedAt        time.Time                  `json:"generated_at"`
	IntegrityVerified  bool                       `json:"integrity_verified"`
	// PolicyConsistent and ConsistencyReason carry CheckConsistency's
	// verdict, per spec §4.7's property #8: the decision token's
	// policy_snapshot_hash must equal the first 16 hex chars of
	// SHA256(policy_snapshot.policyContent). ConsistencyReason is
	// "POLICY_INCONSISTENT" on a mismatch, empty on a match.
	PolicyConsistent  bool   `json:"policy_consistent"`
	ConsistencyReason string `json:"consistency_reason,omitempty"`
}

// PolicySnapshotComponent is the evidence pack's policy_snapshot component:
// the actual rule content the decision was evaluated against, not just its
// hash. Its canonical-JSON hash, truncated to 16 hex chars, is what
// CheckConsistency compares against the decision token's policy_snapshot_hash.
type PolicySnapshotComponent struct {
	PolicyVersion string         `json:"policy_version"`
	PolicyContent *policy.Bundle `json:"policy_content"`
}

// PolicySnapshotSource supplies the policy bundle content an evidence pack
// should embed as its policy_snapshot component. *policy.Evaluator satisfies
// this directly. A gRPC-backed policy.RemoteEvaluator has no local bundle to
// offer, so callers wired to one pass a nil source; evidence packs built
// without a source fall back to a content-less snapshot (policy_content
// null) and the consistency check is skipped rather than falsely failed.
type PolicySnapshotSource interface {
	Active() *policy.Bundle
}

// LPFill is one aggregated liquidity-provider fill in a timeline.
type LPFill struct {
	EventID  string    `json:"event_id"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	LPName   string    `json:"lp_name"`
	FilledAt time.Time `json:"filled_at"`
}

// LPTimeline is the ordered sequence of fills for one trace, plus the
// aggregate quantity and volume-weighted average price across all of them.
type LPTimeline struct {
	TraceID    string   `json:"trace_id"`
	Fills      []LPFill `json:"fills"`
	TotalQty   float64  `json:"total_qty"`
	VWAP       float64  `json:"vwap"`
}

// AuditSource reads a trace's hash chain.
type AuditSource interface {
	Read(ctx context.Context, traceID string) ([]audit.Event, error)
}

// Builder assembles reconstruction artifacts from the gate's stores.
type Builder struct {
	audit     AuditSource
	readModel *readmodel.Store
	policy    PolicySnapshotSource
}

// NewBuilder constructs a Builder. policySource may be nil, in which case
// evidence packs carry an empty policy_snapshot component and skip the
// consistency check rather than reporting a false mismatch.
func NewBuilder(auditSource AuditSource, readModel *readmodel.Store, policySource PolicySnapshotSource) *Builder {
	return &Builder{audit: auditSource, readModel: readModel, policy: policySource}
}

// BuildTraceBundle gathers every recorded fact for traceID. It fails closed:
// a broken hash chain returns ErrChainBroken instead of a best-effort
// bundle, matching spec §4.7's "fails closed if the chain is broken."
func (b *Builder) BuildTraceBundle(ctx context.Context, traceID string) (TraceBundle, error) {
	chain, err := b.audit.Read(ctx, traceID)
	if err != nil {
		return TraceBundle{}, fmt.Errorf("reconstruction: read audit chain: %w", err)
	}

	verify := audit.VerifyChain(chain)
	if !verify.Valid {
		return TraceBundle{}, fmt.Errorf("%w: %s (broken at index %d)", ErrChainBroken, verify.Reason, verify.BrokenAt)
	}

	var lifecycleEvents []readmodel.LifecycleEventRow
	if b.readModel != nil {
		lifecycleEvents, err = b.readModel.ListLifecycleEventsByCorrelation(ctx, traceID)
		if err != nil {
			return TraceBundle{}, fmt.Errorf("reconstruction: list lifecycle events: %w", err)
		}
	}

	return TraceBundle{TraceID: traceID, AuditChain: chain, LifecycleEvents: lifecycleEvents, IntegrityVerified: true}, nil
}

// componentHashes returns the evidence pack's per-component hashes in the
// fixed order pack_hash is computed over: policy_snapshot, decision,
// audit_chain, economics, operator_identity. The policy_snapshot component
// is hashed whole (policy_version and policy_content together), matching
// how the other four components are hashed whole — distinct from
// policyContentHash, which spec §4.7's consistency check needs instead.
func componentHashes(policySnapshot *PolicySnapshotComponent, decision string, auditChain []audit.Event, econ economics.Snapshot, op *identity.OperatorIdentity) ([]string, error) {
	snapshotCanon, err := canonical.Marshal(policySnapshot)
	if err != nil {
		return nil, err
	}
	decisionCanon, err := canonical.Marshal(decision)
	if err != nil {
		return nil, err
	}
	auditCanon, err := canonical.Marshal(auditChain)
	if err != nil {
		return nil, err
	}
	econCanon, err := canonical.Marshal(econ)
	if err != nil {
		return nil, err
	}
	opCanon, err := canonical.Marshal(op)
	if err != nil {
		return nil, err
	}

	return []string{
		canonical.Sha256Hex(snapshotCanon),
		canonical.Sha256Hex(decisionCanon),
		canonical.Sha256Hex(auditCanon),
		canonical.Sha256Hex(econCanon),
		canonical.Sha256Hex(opCanon),
	}, nil
}

// policyContentHash hashes only the policy_snapshot component's
// policy_content field, per spec §4.7's consistency formula
// "policy_snapshot_hash == SHA256(policy_snapshot.policyContent)[:16]" — the
// token's hash was computed over the bundle's own content
// (policy.Bundle.SnapshotHash), never over the wrapping component object.
func policyContentHash(policySnapshot *PolicySnapshotComponent) (string, error) {
	if policySnapshot == nil || policySnapshot.PolicyContent == nil {
		return "", nil
	}
	canon, err := canonical.Marshal(policySnapshot.PolicyContent)
	if err != nil {
		return "", err
	}
	return canonical.Sha256Hex(canon), nil
}

// packHash computes SHA256 over the colon-joined component hashes, per spec
// §3/§4.7's pack_hash = SHA256(join(":", component_hashes)). This is a
// distinct algorithm from canonical.ChainHash, which pipe-joins its parts
// for the audit/exposure/token hash-chain inputs — reusing ChainHash here
// would produce a pack_hash an external auditor recomputing the spec's
// literal formula could never reproduce.
func packHash(hashes []string) string {
	return canonical.Sha256Hex([]byte(strings.Join(hashes, ":")))
}

// buildPolicySnapshotComponent assembles the policy_snapshot component from
// the Builder's configured source. A nil source or nil active bundle yields
// a component with no policy_content, and the caller skips the consistency
// check rather than reporting a false POLICY_INCONSISTENT.
func (b *Builder) buildPolicySnapshotComponent() *PolicySnapshotComponent {
	if b.policy == nil {
		return &PolicySnapshotComponent{}
	}
	active := b.policy.Active()
	if active == nil {
		return &PolicySnapshotComponent{}
	}
	return &PolicySnapshotComponent{PolicyVersion: active.Version, PolicyContent: active}
}

// BuildEvidencePack assembles and hashes an evidence pack for traceID.
// pack_hash = SHA256(join(":", component_hashes)) over exactly the five
// components in componentHashes' order. Assembly never tolerates a broken
// chain: a verification failure returns ErrChainBroken instead of a pack.
func (b *Builder) BuildEvidencePack(ctx context.Context, traceID, policySnapshotHash, decision, reasonCode string, econ economics.Snapshot, op *identity.OperatorIdentity, now time.Time) (EvidencePack, error) {
	chain, err := b.audit.Read(ctx, traceID)
	if err != nil {
		return EvidencePack{}, fmt.Errorf("reconstruction: read audit chain: %w", err)
	}

	verify := audit.VerifyChain(chain)
	if !verify.Valid {
		return EvidencePack{}, fmt.Errorf("%w: %s (broken at index %d)", ErrChainBroken, verify.Reason, verify.BrokenAt)
	}

	snapshotComponent := b.buildPolicySnapshotComponent()
	hashes, err := componentHashes(snapshotComponent, decision, chain, econ, op)
	if err != nil {
		return EvidencePack{}, fmt.Errorf("reconstruction: hash components: %w", err)
	}

	consistent, consistencyReason := true, ""
	if snapshotComponent.PolicyContent != nil {
		contentHash, hashErr := policyContentHash(snapshotComponent)
		if hashErr != nil {
			return EvidencePack{}, fmt.Errorf("reconstruction: hash policy content: %w", hashErr)
		}
		consistent, consistencyReason = CheckConsistency(contentHash, policySnapshotHash)
	}

	return EvidencePack{
		TraceID:            traceID,
		PolicySnapshotHash: policySnapshotHash,
		PolicySnapshot:     snapshotComponent,
		Decision:           decision,
		ReasonCode:         reasonCode,
		AuditChain:         chain,
		Economics:          econ,
		OperatorIdentity:   op,
		PackHash:           packHash(hashes),
		GeneratedAt:        now,
		IntegrityVerified:  true,
		PolicyConsistent:   consistent,
		ConsistencyReason:  consistencyReason,
	}, nil
}

// BuildEvidencePackForTrace assembles an evidence pack by reading traceID's
// own decision fields back out of its audit chain — the
// authorize.authorized/authorize.blocked event's payload — instead of
// requiring the caller to already know them. This is what the
// GET /trace/{id}/evidence-pack endpoint calls: an auditor asking for a
// pack only has a trace_id on hand.
func (b *Builder) BuildEvidencePackForTrace(ctx context.Context, traceID string, op *identity.OperatorIdentity, now time.Time) (EvidencePack, error) {
	chain, err := b.audit.Read(ctx, traceID)
	if err != nil {
		return EvidencePack{}, fmt.Errorf("reconstruction: read audit chain: %w", err)
	}

	verify := audit.VerifyChain(chain)
	if !verify.Valid {
		return EvidencePack{}, fmt.Errorf("%w: %s (broken at index %d)", ErrChainBroken, verify.Reason, verify.BrokenAt)
	}

	decision, reasonCode, policyHash, econ, err := decisionFieldsFromChain(chain)
	if err != nil {
		return EvidencePack{}, err
	}

	snapshotComponent := b.buildPolicySnapshotComponent()
	hashes, err := componentHashes(snapshotComponent, decision, chain, econ, op)
	if err != nil {
		return EvidencePack{}, fmt.Errorf("reconstruction: hash components: %w", err)
	}

	consistent, consistencyReason := true, ""
	if snapshotComponent.PolicyContent != nil {
		contentHash, hashErr := policyContentHash(snapshotComponent)
		if hashErr != nil {
			return EvidencePack{}, fmt.Errorf("reconstruction: hash policy content: %w", hashErr)
		}
		consistent, consistencyReason = CheckConsistency(contentHash, policyHash)
	}

	return EvidencePack{
		TraceID:            traceID,
		PolicySnapshotHash: policyHash,
		PolicySnapshot:     snapshotComponent,
		Decision:           decision,
		ReasonCode:         reasonCode,
		AuditChain:         chain,
		Economics:          econ,
		OperatorIdentity:   op,
		PackHash:           packHash(hashes),
		GeneratedAt:        now,
		IntegrityVerified:  true,
		PolicyConsistent:   consistent,
		ConsistencyReason:  consistencyReason,
	}, nil
}

// decisionFieldsFromChain walks chain backward for the most recent
// authorize.authorized/authorize.blocked event and pulls the decision,
// reason_code, policy_snapshot_hash, and economics snapshot gate.Gate
// recorded on it at authorization time.
func decisionFieldsFromChain(chain []audit.Event) (decision, reasonCode, policyHash string, econ economics.Snapshot, err error) {
	for i := len(chain) - 1; i >= 0; i-- {
		ev := chain[i]
		if ev.EventType != "authorize.authorized" && ev.EventType != "authorize.blocked" {
			continue
		}
		m, ok := ev.Payload.(map[string]interface{})
		if !ok {
			return "", "", "", economics.Snapshot{}, fmt.Errorf("reconstruction: decision event payload has unexpected shape")
		}
		decision, _ = m["decision"].(string)
		reasonCode, _ = m["reason_code"].(string)
		policyHash, _ = m["policy_snapshot_hash"].(string)
		if econRaw, ok := m["economics"]; ok {
			econBytes, mErr := json.Marshal(econRaw)
			if mErr != nil {
				return "", "", "", economics.Snapshot{}, fmt.Errorf("reconstruction: remarshal economics: %w", mErr)
			}
			if uErr := json.Unmarshal(econBytes, &econ); uErr != nil {
				return "", "", "", economics.Snapshot{}, fmt.Errorf("reconstruction: unmarshal economics: %w", uErr)
			}
		}
		return decision, reasonCode, policyHash, econ, nil
	}
	return "", "", "", economics.Snapshot{}, fmt.Errorf("reconstruction: no decision event found for trace %s", traceIDOf(chain))
}

func traceIDOf(chain []audit.Event) string {
	if len(chain) == 0 {
		return ""
	}
	return chain[0].TraceID
}

// CheckConsistency compares the full SHA256 hash of an evidence pack's
// policy_snapshot.policyContent against the 16-hex on-token truncation
// produced at decision time (policy.Bundle.SnapshotHash). A mismatch means
// the evidence pack was built against a different policy bundle than the
// one that actually authorized the order.
func CheckConsistency(policyContentFullHash, tokenPolicySnapshotHash string) (bool, string) {
	if len(policyContentFullHash) < 16 {
		return false, "POLICY_INCONSISTENT"
	}
	if policyContentFullHash[:16] != tokenPolicySnapshotHash {
		return false, "POLICY_INCONSISTENT"
	}
	return true, ""
}

// BuildLPTimeline aggregates every recorded fill for traceID into an
// ordered timeline with a volume-weighted average price.
func (b *Builder) BuildLPTimeline(ctx context.Context, traceID string) (LPTimeline, error) {
	if b.readModel == nil {
		return LPTimeline{TraceID: traceID}, nil
	}

	rows, err := b.readModel.ListLPFills(ctx, traceID)
	if err != nil {
		return LPTimeline{}, fmt.Errorf("reconstruction: list lp fills: %w", err)
	}

	fills := make([]LPFill, 0, len(rows))
	var totalQty, totalNotional float64
	for _, r := range rows {
		fills = append(fills, LPFill{EventID: r.EventID, Qty: r.Qty, Price: r.Price, LPName: r.LPName, FilledAt: r.FilledAt})
		totalQty += r.Qty
		totalNotional += r.Qty * r.Price
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].FilledAt.Before(fills[j].FilledAt) })

	var vwap float64
	if totalQty > 0 {
		vwap = totalNotional / totalQty
	}

	return LPTimeline{TraceID: traceID, Fills: fills, TotalQty: totalQty, VWAP: vwap}, nil
}
