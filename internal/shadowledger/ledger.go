// Package shadowledger tracks per-(client_id, symbol) exposure and holds.
// It is the gate's only mutable trading state: every check/reserve for a
// client is serialized through internal/lock so concurrent authorize calls
// for the same client never race, the same linearizability the teacher's
// per-tenant Merkle ledger gave its audit chain, applied here to exposure
// accounting instead of hashing.
package shadowledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ironclad/gate/internal/lock"
)

// BreachType enumerates limit breaches, ordered from highest to lowest
// precedence: a single check returns the first one found in this order.
type BreachType string

const (
	BreachNone          BreachType = ""
	BreachSingleOrder   BreachType = "SINGLE_ORDER"
	BreachGrossExposure BreachType = "GROSS_EXPOSURE"
	BreachNetExposure   BreachType = "NET_EXPOSURE"
	BreachSymbolLimit   BreachType = "SYMBOL_LIMIT"
)

// breachPrecedence ranks breach types for sorting when more than one
// applies simultaneously; lower value wins.
var breachPrecedence = map[BreachType]int{
	BreachSingleOrder:   0,
	BreachGrossExposure: 1,
	BreachNetExposure:   2,
	BreachSymbolLimit:   3,
}

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// HoldState is the small state machine a hold moves through.
type HoldState string

const (
	HoldAuthorized HoldState = "AUTHORIZED_HOLD"
	HoldExecuted   HoldState = "EXECUTED"
	HoldExpired    HoldState = "EXPIRED"
	HoldCanceled   HoldState = "CANCELED"
	HoldClosed     HoldState = "CLOSED"
)

// Limits bounds a client's exposure.
type Limits struct {
	SingleOrder   float64
	GrossExposure float64
	NetExposure   float64
	SymbolLimit   float64
}

// Position is the per-(client_id, symbol) exposure state. Invariants:
// gross_exposure >= |net_exposure|; pending_exposure >= 0, and reflects
// only unsettled authorized holds.
type Position struct {
	ClientID        string
	Symbol          string
	NetQuantity     float64
	AvgCostBasis    float64
	GrossExposure   float64
	NetExposure     float64
	PendingExposure float64
}

// Hold is a single reservation against a position.
type Hold struct {
	TraceID       string
	ClientID      string
	Symbol        string
	Side          Side
	Qty           float64
	Price         float64
	Notional      float64
	State         HoldState
	PolicyVersion string
	CreatedAt     time.Time
}

// CheckResult is returned by Check.
type CheckResult struct {
	Allowed         bool
	BreachType      BreachType
	CurrentGross    float64
	CurrentNet      float64
	Pending         float64
	ProjectedTotal  float64
	Limits          Limits
}

var (
	ErrStateConflict = fmt.Errorf("shadowledger: state conflict")
	ErrNotFound      = fmt.Errorf("shadowledger: hold not found")
)

// Store persists positions and holds. A single implementation backs both;
// it is split into two interfaces only so callers needing just one side
// (e.g. a read model) don't have to satisfy both.
type Store interface {
	GetPosition(ctx context.Context, clientID, symbol string) (Position, error)
	SavePosition(ctx context.Context, pos Position) error
	GetLimits(ctx context.Context, clientID, symbol string) (Limits, error)

	SaveHold(ctx context.Context, h Hold) error
	GetHold(ctx context.Context, traceID string) (Hold, error)
	ListOpenHoldsOlderThan(ctx context.Context, cutoff time.Time) ([]Hold, error)
}

// Ledger implements the shadow ledger's check/reserve/settle/cancel/expire
// contract.
type Ledger struct {
	store Store
	locks *lock.DistributedKeyed
}

// New constructs a Ledger backed by store, serializing per-client mutations
// through locks.
func New(store Store, locks *lock.DistributedKeyed) *Ledger {
	return &Ledger{store: store, locks: locks}
}

func keyFor(clientID, symbol string) string {
	return clientID + ":" + symbol
}

// Check evaluates whether an order would breach a limit without mutating
// any state, returning the first breach found in SINGLE_ORDER >
// GROSS_EXPOSURE > NET_EXPOSURE > SYMBOL_LIMIT order.
func (l *Ledger) Check(ctx context.Context, clientID, symbol string, side Side, qty, price, projectedNotional float64) (CheckResult, error) {
	var result CheckResult
	err := l.locks.With(ctx, keyFor(clientID, symbol), func() error {
		pos, err := l.store.GetPosition(ctx, clientID, symbol)
		if err != nil {
			return fmt.Errorf("shadowledger: get position: %w", err)
		}
		limits, err := l.store.GetLimits(ctx, clientID, symbol)
		if err != nil {
			return fmt.Errorf("shadowledger: get limits: %w", err)
		}

		result = evaluate(pos, limits, side, projectedNotional)
		return nil
	})
	return result, err
}

func evaluate(pos Position, limits Limits, side Side, projectedNotional float64) CheckResult {
	projectedGross := pos.GrossExposure + projectedNotional

	signedDelta := projectedNotional
	if side == SideSell {
		signedDelta = -projectedNotional
	}
	projectedNet := pos.NetExposure + signedDelta

	breaches := []BreachType{}
	if limits.SingleOrder > 0 && projectedNotional > limits.SingleOrder {
		breaches = append(breaches, BreachSingleOrder)
	}
	if limits.GrossExposure > 0 && projectedGross > limits.GrossExposure {
		breaches = append(breaches, BreachGrossExposure)
	}
	if limits.NetExposure > 0 && absF(projectedNet) > limits.NetExposure {
		breaches = append(breaches, BreachNetExposure)
	}
	if limits.SymbolLimit > 0 && projectedGross > limits.SymbolLimit {
		breaches = append(breaches, BreachSymbolLimit)
	}

	sort.Slice(breaches, func(i, j int) bool {
		return breachPrecedence[breaches[i]] < breachPrecedence[breaches[j]]
	})

	result := CheckResult{
		Allowed:        len(breaches) == 0,
		CurrentGross:   pos.GrossExposure,
		CurrentNet:     pos.NetExposure,
		Pending:        pos.PendingExposure,
		ProjectedTotal: projectedGross,
		Limits:         limits,
	}
	if len(breaches) > 0 {
		result.BreachType = breaches[0]
	}
	return result
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Reserve atomically re-checks the limits (closing the check/reserve race
// window) and, if still within limits, books an AUTHORIZED_HOLD and
// increases pending_exposure by the notional.
func (l *Ledger) Reserve(ctx context.Context, traceID, clientID, symbol string, side Side, qty, price float64, policyVersion string) (CheckResult, error) {
	notional := qty * price
	var result CheckResult

	err := l.locks.With(ctx, keyFor(clientID, symbol), func() error {
		pos, err := l.store.GetPosition(ctx, clientID, symbol)
		if err != nil {
			return fmt.Errorf("shadowledger: get position: %w", err)
		}
		limits, err := l.store.GetLimits(ctx, clientID, symbol)
		if err != nil {
			return fmt.Errorf("shadowledger: get limits: %w", err)
		}

		result = evaluate(pos, limits, side, notional)
		if !result.Allowed {
			return nil
		}

		pos.PendingExposure += notional
		if err := l.store.SavePosition(ctx, pos); err != nil {
			return fmt.Errorf("shadowledger: save position: %w", err)
		}

		hold := Hold{
			TraceID:       traceID,
			ClientID:      clientID,
			Symbol:        symbol,
			Side:          side,
			Qty:           qty,
			Price:         price,
			Notional:      notional,
			State:         HoldAuthorized,
			PolicyVersion: policyVersion,
			CreatedAt:     time.Now().UTC(),
		}
		if err := l.store.SaveHold(ctx, hold); err != nil {
			return fmt.Errorf("shadowledger: save hold: %w", err)
		}

		return l.recordExposure(ctx, traceID, clientID, symbol, ExposureAuthorized, notional)
	})

	return result, err
}

// RecordBlocked appends a zero-delta BLOCKED exposure event to the
// (clientID, symbol) chain, the same chain AUTHORIZED/FILLED/CANCELLED/
// EXPIRED events use, so a blocked attempt is visible in exposure history
// even though it never touches pending/gross/net.
func (l *Ledger) RecordBlocked(ctx context.Context, traceID, clientID, symbol string) error {
	return l.locks.With(ctx, keyFor(clientID, symbol), func() error {
		return l.recordExposure(ctx, traceID, clientID, symbol, ExposureBlocked, 0)
	})
}

// SettleFill transitions a hold from AUTHORIZED_HOLD to EXECUTED, reducing
// pending_exposure by the hold's notional and updating gross/net from the
// fill. A fill observing an already-EXPIRED hold fails with
// ErrStateConflict.
func (l *Ledger) SettleFill(ctx context.Context, traceID, clientID, symbol string, side Side, qty, fillPrice float64) error {
	return l.locks.With(ctx, keyFor(clientID, symbol), func() error {
		hold, err := l.store.GetHold(ctx, traceID)
		if err != nil {
			return fmt.Errorf("shadowledger: get hold: %w", err)
		}
		if hold.State == HoldExpired {
			return ErrStateConflict
		}
		if hold.State != HoldAuthorized {
			return ErrStateConflict
		}

		pos, err := l.store.GetPosition(ctx, clientID, symbol)
		if err != nil {
			return fmt.Errorf("shadowledger: get position: %w", err)
		}

		pos.PendingExposure -= hold.Notional
		if pos.PendingExposure < 0 {
			pos.PendingExposure = 0
		}

		fillNotional := qty * fillPrice
		signedQty := qty
		if side == SideSell {
			signedQty = -qty
		}
		pos.NetQuantity += signedQty
		pos.GrossExposure += fillNotional
		if side == SideSell {
			pos.NetExposure -= fillNotional
		} else {
			pos.NetExposure += fillNotional
		}

		if err := l.store.SavePosition(ctx, pos); err != nil {
			return fmt.Errorf("shadowledger: save position: %w", err)
		}

		hold.State = HoldExecuted
		if pos.NetQuantity == 0 && pos.PendingExposure == 0 {
			hold.State = HoldClosed
		}
		if err := l.store.SaveHold(ctx, hold); err != nil {
			return err
		}

		if err := l.recordExposure(ctx, traceID, clientID, symbol, ExposureFilled, -hold.Notional); err != nil {
			return err
		}
		if hold.State == HoldClosed {
			return l.recordExposure(ctx, traceID, clientID, symbol, ExposurePositionClose, 0)
		}
		return nil
	})
}

// Cancel transitions a hold to CANCELED, reversing its pending delta.
func (l *Ledger) Cancel(ctx context.Context, traceID, clientID, symbol string) error {
	return l.locks.With(ctx, keyFor(clientID, symbol), func() error {
		hold, err := l.store.GetHold(ctx, traceID)
		if err != nil {
			return fmt.Errorf("shadowledger: get hold: %w", err)
		}
		if hold.State != HoldAuthorized {
			return ErrStateConflict
		}

		pos, err := l.store.GetPosition(ctx, clientID, symbol)
		if err != nil {
			return fmt.Errorf("shadowledger: get position: %w", err)
		}
		pos.PendingExposure -= hold.Notional
		if pos.PendingExposure < 0 {
			pos.PendingExposure = 0
		}
		if err := l.store.SavePosition(ctx, pos); err != nil {
			return fmt.Errorf("shadowledger: save position: %w", err)
		}

		hold.State = HoldCanceled
		if err := l.store.SaveHold(ctx, hold); err != nil {
			return err
		}

		return l.recordExposure(ctx, traceID, clientID, symbol, ExposureCancelled, -hold.Notional)
	})
}

// ExpireStaleHolds scans for AUTHORIZED holds older than ttl with no
// settlement, reverses their pending delta, and marks them EXPIRED. It is
// idempotent: a hold already settled or expired is skipped, not
// double-reversed.
func (l *Ledger) ExpireStaleHolds(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	stale, err := l.store.ListOpenHoldsOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("shadowledger: list stale holds: %w", err)
	}

	var expired []string
	for _, hold := range stale {
		err := l.locks.With(ctx, keyFor(hold.ClientID, hold.Symbol), func() error {
			current, err := l.store.GetHold(ctx, hold.TraceID)
			if err != nil {
				return err
			}
			if current.State != HoldAuthorized {
				return nil
			}

			pos, err := l.store.GetPosition(ctx, hold.ClientID, hold.Symbol)
			if err != nil {
				return err
			}
			pos.PendingExposure -= current.Notional
			if pos.PendingExposure < 0 {
				pos.PendingExposure = 0
			}
			if err := l.store.SavePosition(ctx, pos); err != nil {
				return err
			}

			current.State = HoldExpired
			if err := l.store.SaveHold(ctx, current); err != nil {
				return err
			}

			return l.recordExposure(ctx, hold.TraceID, hold.ClientID, hold.Symbol, ExposureExpired, -current.Notional)
		})
		if err != nil {
			return expired, fmt.Errorf("shadowledger: expire hold %s: %w", hold.TraceID, err)
		}
		expired = append(expired, hold.TraceID)
	}

	return expired, nil
}
