// Package economics computes the deterministic snapshot economics the gate
// attaches to every authorization decision: notional, projected exposure
// delta, and the price source used, derived purely from the inputs given
// to Compute with no hidden state, the same "small struct, pure function"
// shape the pack's wallet/monetization code uses for its own per-decision
// cost calculations.
package economics

import "time"

// PriceSource classifies where the price used for this decision came from.
type PriceSource string

const (
	PriceFirm        PriceSource = "FIRM"
	PriceIndicative  PriceSource = "INDICATIVE"
	PriceReference   PriceSource = "REFERENCE"
	PriceUnavailable PriceSource = "UNAVAILABLE"
)

// Decision mirrors the gate's authorization outcome, duplicated here
// rather than imported from internal/token to keep this package a leaf
// with no dependency on the decision pipeline.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionBlock Decision = "BLOCK"
)

// Input carries everything Compute needs.
type Input struct {
	Qty             float64
	Price           float64 // firm execution price, 0 if unknown
	ReferencePrice  float64 // indicative/reference price, 0 if unknown
	Decision        Decision
	ExposurePre     *float64
	Currency        string
	PriceAssertedBy string
	PriceAssertedAt time.Time
	PriceSignature  string // provenance signature from x-price-signature, carried through unverified
}

// CurrencyValidation flags a non-USD currency. Non-USD inputs are not
// rejected, only excluded from USD aggregates.
type CurrencyValidation struct {
	Flagged  bool   `json:"flagged"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

// Snapshot is the deterministic economics attached to a decision.
type Snapshot struct {
	DecisionTime           time.Time           `json:"decision_time"`
	DecisionTimePrice       *float64            `json:"decision_time_price,omitempty"`
	Notional                *float64            `json:"notional,omitempty"`
	ProjectedExposureDelta  *float64            `json:"projected_exposure_delta,omitempty"`
	SavedExposure           *float64            `json:"saved_exposure,omitempty"`
	PriceSource             PriceSource         `json:"price_source"`
	PriceUnavailable        bool                `json:"price_unavailable"`
	ExposurePre             *float64            `json:"exposure_pre,omitempty"`
	ExposurePost            *float64            `json:"exposure_post,omitempty"`
	Currency                string              `json:"currency"`
	CurrencyValidation      *CurrencyValidation `json:"currency_validation,omitempty"`
	PriceAssertedBy         string              `json:"price_asserted_by,omitempty"`
	PriceAssertedAt         *time.Time          `json:"price_asserted_at,omitempty"`
	PriceSignature          string              `json:"price_signature,omitempty"`
}

// Compute derives a Snapshot from in, deterministically. Price source is
// FIRM if price > 0, else INDICATIVE if reference_price > 0, else
// UNAVAILABLE. notional = qty * price when a price is known. For ALLOW,
// projected_exposure_delta = notional and exposure_post = exposure_pre +
// notional when both are known. For BLOCK, saved_exposure = notional.
func Compute(in Input, now time.Time) Snapshot {
	snap := Snapshot{
		DecisionTime: now,
		Currency:     "USD",
	}

	var price float64
	switch {
	case in.Price > 0:
		snap.PriceSource = PriceFirm
		price = in.Price
	case in.ReferencePrice > 0:
		snap.PriceSource = PriceIndicative
		price = in.ReferencePrice
	default:
		snap.PriceSource = PriceUnavailable
		snap.PriceUnavailable = true
	}

	if snap.PriceSource != PriceUnavailable {
		p := price
		snap.DecisionTimePrice = &p
		notional := in.Qty * price
		snap.Notional = &notional

		switch in.Decision {
		case DecisionAllow:
			snap.ProjectedExposureDelta = &notional
			if in.ExposurePre != nil {
				post := *in.ExposurePre + notional
				snap.ExposurePost = &post
			}
		case DecisionBlock:
			snap.SavedExposure = &notional
		}
	}

	snap.ExposurePre = in.ExposurePre

	snap.PriceAssertedBy = in.PriceAssertedBy
	snap.PriceSignature = in.PriceSignature
	if !in.PriceAssertedAt.IsZero() {
		at := in.PriceAssertedAt
		snap.PriceAssertedAt = &at
	}

	if in.Currency != "" && in.Currency != "USD" {
		snap.Currency = in.Currency
		snap.CurrencyValidation = &CurrencyValidation{
			Flagged:  true,
			Currency: in.Currency,
			Reason:   "non-USD currency excluded from USD aggregates",
		}
	}

	return snap
}
