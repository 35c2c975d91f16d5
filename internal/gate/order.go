// Package gate implements the authorize() pipeline: the single operation
// that ties policy evaluation, shadow-ledger reservation, economics, and
// token issuance into one fail-closed decision per order, the same
// "one entrypoint orchestrates many leaf packages" shape the teacher's
// request handlers use for their own multi-dependency operations.
package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Order is the inbound pre-trade order the gate authorizes.
type Order struct {
	ClientOrderID string  `json:"client_order_id"`
	ClientID      string  `json:"client_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price,omitempty"` // 0/absent for a market order
	Currency      string  `json:"currency,omitempty"`
}

// Digest computes the order's tamper-evident fingerprint:
// SHA256(client_order_id | UPPER(symbol) | UPPER(side) | qty | price_repr).
// price_repr is the literal string "null" when price is absent (a market
// order), otherwise the price formatted to exactly 8 decimal places so the
// digest is stable regardless of how the caller's JSON serialized it.
func (o Order) Digest() string {
	priceRepr := "null"
	if o.Price != 0 {
		priceRepr = strconv.FormatFloat(o.Price, 'f', 8, 64)
	}

	parts := []string{
		o.ClientOrderID,
		strings.ToUpper(o.Symbol),
		strings.ToUpper(o.Side),
		strconv.FormatFloat(o.Qty, 'f', -1, 64),
		priceRepr,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Validate checks the closed set of required fields for schema validity.
// It does not check business rules (limits, policy) — only shape.
func (o Order) Validate() error {
	if o.ClientOrderID == "" {
		return errMissingField("client_order_id")
	}
	if o.ClientID == "" {
		return errMissingField("client_id")
	}
	if o.Symbol == "" {
		return errMissingField("symbol")
	}
	side := strings.ToUpper(o.Side)
	if side != "BUY" && side != "SELL" {
		return errInvalidField("side")
	}
	if o.Qty <= 0 {
		return errInvalidField("qty")
	}
	if o.Price < 0 {
		return errInvalidField("price")
	}
	return nil
}

type fieldError struct {
	field  string
	reason string
}

func (e *fieldError) Error() string {
	return "gate: " + e.reason + ": " + e.field
}

func errMissingField(field string) error {
	return &fieldError{field: field, reason: "missing required field"}
}

func errInvalidField(field string) error {
	return &fieldError{field: field, reason: "invalid field value"}
}
