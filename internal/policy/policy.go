// Package policy implements the gate's deterministic rule evaluator: an
// ordered list of rules evaluated against an order and the client's current
// exposure, first match wins. It is a pure function of its inputs and the
// currently loaded policy bundle, generalized from
// internal/catalog/policy_versioning.go's per-tool version/rollback model
// (there: a mutex-guarded map of JSON-Logic policy bodies keyed by tool
// name and swapped by pushing a new version; here: a single ordered rule
// list loaded from YAML and swapped atomically so the decision hot path
// never blocks on a writer).
package policy

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v2"

	"github.com/ironclad/gate/internal/canonical"
)

// Decision is the evaluator's verdict, distinct from the gate's own
// AUTHORIZED/BLOCKED vocabulary the same way internal/economics keeps its
// own ALLOW/BLOCK pair — this package has no dependency on internal/gate.
type Decision string

const (
	Allow Decision = "ALLOW"
	Block Decision = "BLOCK"
)

// Order is the subset of order fields a rule predicate may reference.
type Order struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Qty           float64
	Price         float64 // 0 means absent (market order)
}

// ExposureContext is the shadow-ledger state a rule predicate may reference,
// computed by the gate immediately before calling Evaluate.
type ExposureContext struct {
	ClientID        string
	GrossExposure   float64
	NetExposure     float64
	PendingExposure float64
	MaxGross        float64
	MaxNet          float64
	MaxSingleOrder  float64
	MaxSymbol       float64
}

// Result is the evaluator's verdict for one order.
type Result struct {
	Decision           Decision
	ReasonCode         string
	RuleID             string
	PolicyVersion      string
	PolicySnapshotHash string // 16 hex chars, the on-token truncation
}

// Condition is one leaf or combinator in a rule's predicate tree. Exactly
// one of (Field/Op/Value) or (All) or (Any) should be set; Evaluate treats
// an empty Condition as "always true" so a rule with no `when` acts as a
// catch-all.
type Condition struct {
	Field string      `yaml:"field,omitempty"`
	Op    string      `yaml:"op,omitempty"`
	Value interface{} `yaml:"value,omitempty"`
	All   []Condition `yaml:"all,omitempty"`
	Any   []Condition `yaml:"any,omitempty"`
}

// Rule is one entry in a policy bundle's ordered rule list.
type Rule struct {
	ID         string    `yaml:"id"`
	Action     Decision  `yaml:"action"`
	ReasonCode string    `yaml:"reason_code"`
	When       Condition `yaml:"when"`
}

// Bundle is the complete, versioned set of rules an Evaluator holds. First
// matching rule wins; a bundle with no matching rule defaults to Allow with
// reason_code "NO_MATCHING_RULE" (no implicit deny — an explicit catch-all
// rule is how a bundle author expresses default-deny).
type Bundle struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// LoadBundle reads and parses a YAML policy bundle from path.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle %s: %w", path, err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("policy: parse bundle %s: %w", path, err)
	}
	return &b, nil
}

// SnapshotHash returns the full 64-hex SHA256 of the bundle's canonical
// content. The evidence pack's consistency check compares the first 16
// chars of this against the decision token's policy_snapshot_hash field.
func (b *Bundle) SnapshotHash() (string, error) {
	canon, err := canonical.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize bundle: %w", err)
	}
	return canonical.Sha256Hex(canon), nil
}

// truncatedHash returns the 16-hex-char on-token form of a full hash.
func truncatedHash(full string) string {
	if len(full) > 16 {
		return full[:16]
	}
	return full
}

// Service is the interface internal/gate depends on; both Evaluator (local,
// in-process bundle) and RemoteEvaluator (out-of-process gRPC transport)
// satisfy it.
type Service interface {
	Evaluate(order Order, exposure ExposureContext) (Result, error)
}

// Evaluator holds an atomically-swapped active Bundle so a hot reload never
// blocks or races against an in-flight Evaluate call.
type Evaluator struct {
	bundle atomic.Pointer[Bundle]
}

// NewEvaluator constructs an Evaluator with an initial bundle.
func NewEvaluator(initial *Bundle) *Evaluator {
	e := &Evaluator{}
	e.bundle.Store(initial)
	return e
}

// Reload atomically swaps in a new bundle. New decisions use the new hash;
// decision tokens already issued under the old bundle remain verifiable
// via the evidence pack, which embeds the policy content of the snapshot
// they used, not a reference to "the current bundle."
func (e *Evaluator) Reload(b *Bundle) {
	e.bundle.Store(b)
}

// Active returns the currently loaded bundle.
func (e *Evaluator) Active() *Bundle {
	return e.bundle.Load()
}

// Evaluate runs order and exposure through the active bundle's rules in
// order, returning the first match. Deterministic: a pure function of its
// arguments and the currently loaded bundle.
func (e *Evaluator) Evaluate(order Order, exposure ExposureContext) (Result, error) {
	b := e.bundle.Load()
	if b == nil {
		return Result{}, fmt.Errorf("policy: no bundle loaded")
	}

	fullHash, err := b.SnapshotHash()
	if err != nil {
		return Result{}, err
	}
	snapshotHash := truncatedHash(fullHash)

	for _, rule := range b.Rules {
		if matches(rule.When, order, exposure) {
			return Result{
				Decision:           rule.Action,
				ReasonCode:         rule.ReasonCode,
				RuleID:             rule.ID,
				PolicyVersion:      b.Version,
				PolicySnapshotHash: snapshotHash,
			}, nil
		}
	}

	return Result{
		Decision:           Allow,
		ReasonCode:         "NO_MATCHING_RULE",
		PolicyVersion:      b.Version,
		PolicySnapshotHash: snapshotHash,
	}, nil
}

// matches evaluates a condition tree against order/exposure. An empty
// condition (no field, no All, no Any) always matches.
func matches(c Condition, order Order, exposure ExposureContext) bool {
	if len(c.All) > 0 {
		for _, sub := range c.All {
			if !matches(sub, order, exposure) {
				return false
			}
		}
		return true
	}
	if len(c.Any) > 0 {
		for _, sub := range c.Any {
			if matches(sub, order, exposure) {
				return true
			}
		}
		return false
	}
	if c.Field == "" {
		return true
	}

	actual, ok := resolveField(c.Field, order, exposure)
	if !ok {
		return false
	}
	return compare(actual, c.Op, c.Value)
}

// resolveField maps a rule's dotted field name onto the order/exposure
// inputs. Unknown fields never match, rather than panicking a hot path on
// a bundle-authoring typo.
func resolveField(field string, order Order, exposure ExposureContext) (interface{}, bool) {
	switch field {
	case "order.symbol":
		return order.Symbol, true
	case "order.side":
		return order.Side, true
	case "order.qty":
		return order.Qty, true
	case "order.price":
		return order.Price, true
	case "order.notional":
		return order.Qty * order.Price, true
	case "exposure.gross":
		return exposure.GrossExposure, true
	case "exposure.net":
		return exposure.NetExposure, true
	case "exposure.pending":
		return exposure.PendingExposure, true
	case "exposure.max_gross":
		return exposure.MaxGross, true
	case "exposure.max_net":
		return exposure.MaxNet, true
	case "exposure.max_single_order":
		return exposure.MaxSingleOrder, true
	case "exposure.max_symbol":
		return exposure.MaxSymbol, true
	default:
		return nil, false
	}
}

func compare(actual interface{}, op string, expected interface{}) bool {
	switch op {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case "neq":
		return fmt.Sprint(actual) != fmt.Sprint(expected)
	}

	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if !aok || !eok {
		return false
	}
	switch op {
	case "gt":
		return af > ef
	case "gte":
		return af >= ef
	case "lt":
		return af < ef
	case "lte":
		return af <= ef
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
