package economics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr(f float64) *float64 { return &f }

func TestCompute_FirmPriceAllow(t *testing.T) {
	now := time.Now()
	snap := Compute(Input{
		Qty:         100,
		Price:       185.50,
		Decision:    DecisionAllow,
		ExposurePre: ptr(0),
		Currency:    "USD",
	}, now)

	assert.Equal(t, PriceFirm, snap.PriceSource)
	assert.False(t, snap.PriceUnavailable)
	assert.Equal(t, 18550.0, *snap.Notional)
	assert.Equal(t, 18550.0, *snap.ProjectedExposureDelta)
	assert.Equal(t, 18550.0, *snap.ExposurePost)
}

func TestCompute_IndicativeWhenNoFirmPrice(t *testing.T) {
	snap := Compute(Input{
		Qty:            10,
		ReferencePrice: 50,
		Decision:       DecisionAllow,
		Currency:       "USD",
	}, time.Now())

	assert.Equal(t, PriceIndicative, snap.PriceSource)
	assert.Equal(t, 500.0, *snap.Notional)
}

func TestCompute_UnavailableWhenNoPrice(t *testing.T) {
	snap := Compute(Input{Qty: 10, Decision: DecisionAllow, Currency: "USD"}, time.Now())

	assert.Equal(t, PriceUnavailable, snap.PriceSource)
	assert.True(t, snap.PriceUnavailable)
	assert.Nil(t, snap.Notional)
}

func TestCompute_BlockRecordsSavedExposure(t *testing.T) {
	snap := Compute(Input{
		Qty:      100,
		Price:    10,
		Decision: DecisionBlock,
		Currency: "USD",
	}, time.Now())

	assert.Equal(t, 1000.0, *snap.SavedExposure)
	assert.Nil(t, snap.ProjectedExposureDelta)
}

func TestCompute_NonUSDCurrencyFlaggedNotRejected(t *testing.T) {
	snap := Compute(Input{
		Qty:      1,
		Price:    1,
		Decision: DecisionAllow,
		Currency: "EUR",
	}, time.Now())

	assert.NotNil(t, snap.CurrencyValidation)
	assert.True(t, snap.CurrencyValidation.Flagged)
	assert.Equal(t, "EUR", snap.Currency)
	assert.NotNil(t, snap.Notional)
}

func TestCompute_ExposurePostOnlyWhenBothKnown(t *testing.T) {
	snap := Compute(Input{
		Qty:      10,
		Price:    10,
		Decision: DecisionAllow,
		Currency: "USD",
	}, time.Now())

	assert.Nil(t, snap.ExposurePre)
	assert.Nil(t, snap.ExposurePost)
}
