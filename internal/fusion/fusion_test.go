package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvault/revalue/internal/model"
)

func usdComps(prices ...float64) []model.RawComp {
	comps := make([]model.RawComp, len(prices))
	for i, p := range prices {
		comps[i] = model.RawComp{
			Source:    "ebay",
			Price:     p,
			Currency:  "USD",
			Condition: "near mint",
			SoldDate:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
		}
	}
	return comps
}

func TestFuse_OrderingInvariant(t *testing.T) {
	e := NewEngine(DefaultConfig())
	result := e.Fuse(usdComps(12, 18, 25, 9, 14, 16, 21, 11))

	assert.LessOrEqual(t, result.ValueLow, result.ValueMedian)
	assert.LessOrEqual(t, result.ValueMedian, result.ValueHigh)
	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)
	assert.GreaterOrEqual(t, result.Volatility, 0.0)
}

func TestFuse_IQRRemovesOutlier(t *testing.T) {
	e := NewEngine(DefaultConfig())
	result := e.Fuse(usdComps(10, 11, 12, 13, 1000))

	assert.Equal(t, 4, result.CompsCount, "the 1000 outlier must be dropped")
	assert.InDelta(t, 12, result.ValueMedian, 1.0)
	assert.Less(t, result.ValueHigh, 100.0)
}

func TestFuse_EmptyInputDegradesGracefully(t *testing.T) {
	e := NewEngine(DefaultConfig())
	result := e.Fuse(nil)

	assert.Equal(t, 0, result.CompsCount)
	assert.Equal(t, 0.0, result.Confidence)
	require.NotNil(t, result.Sources)
	assert.Empty(t, result.Sources)
}

func TestFuse_AllUnknownCurrenciesDegrade(t *testing.T) {
	e := NewEngine(DefaultConfig())
	result := e.Fuse([]model.RawComp{
		{Source: "ebay", Price: 10, Currency: "XXX", Condition: "nm"},
	})

	assert.Equal(t, 0, result.CompsCount)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestFuse_ConfidenceGrowsWithSampleSize(t *testing.T) {
	e := NewEngine(DefaultConfig())

	small := e.Fuse(usdComps(10, 10.5, 11))
	large := e.Fuse(usdComps(10, 10.5, 11, 10.2, 10.8, 10.4, 10.6, 10.3, 10.7, 10.5))

	assert.Greater(t, large.Confidence, small.Confidence)
}

func TestFuse_ConfidenceShrinksWithSpread(t *testing.T) {
	e := NewEngine(DefaultConfig())

	tight := e.Fuse(usdComps(10, 10.1, 10.2, 10.3, 10.4))
	wide := e.Fuse(usdComps(2, 8, 15, 21, 30))

	assert.Greater(t, tight.Confidence, wide.Confidence)
	assert.Less(t, tight.Volatility, wide.Volatility)
}

func TestFuse_MergesCurrenciesAndSources(t *testing.T) {
	e := NewEngine(DefaultConfig())
	comps := []model.RawComp{
		{Source: "ebay", Price: 10, Currency: "USD", Condition: "nm"},
		{Source: "tcgplayer", Price: 10, Currency: "usd", Condition: "lp"},
		{Source: "pricecharting", Price: 10, Currency: "EUR", Condition: "mint"},
	}
	result := e.Fuse(comps)

	assert.Equal(t, 3, result.CompsCount)
	assert.Equal(t, []string{"ebay", "pricecharting", "tcgplayer"}, result.Sources)
	assert.Equal(t, "USD", result.Currency)
	// EUR comp converted above par.
	assert.Greater(t, result.ValueHigh, 10.0)
}

func TestNormalize_DropsNonPositivePrices(t *testing.T) {
	e := NewEngine(DefaultConfig())
	out := e.Normalize([]model.RawComp{
		{Source: "ebay", Price: 0, Currency: "USD"},
		{Source: "ebay", Price: -3, Currency: "USD"},
		{Source: "ebay", Price: 5, Currency: "USD"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, 5.0, out[0].Price)
}

func TestPercentile_LinearInterpolation(t *testing.T) {
	values := []float64{10, 11, 12, 13, 1000}

	assert.Equal(t, 11.0, percentile(values, 25))
	assert.Equal(t, 13.0, percentile(values, 75))
	assert.Equal(t, 12.0, percentile(values, 50))
	assert.Equal(t, 10.0, percentile(values, 0))
	assert.Equal(t, 1000.0, percentile(values, 100))
	assert.Equal(t, 7.0, percentile([]float64{7}, 90))
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		raw  string
		want model.Condition
	}{
		{"Near Mint", model.ConditionNearMint},
		{"nm", model.ConditionNearMint},
		{"Gem Mint", model.ConditionMint},
		{"lightly played", model.ConditionExcellent},
		{"LP", model.ConditionExcellent},
		{"moderately played", model.ConditionGood},
		{"damaged", model.ConditionPoor},
		{"HP", model.ConditionPoor},
		{"some nonsense grade", model.ConditionGood},
		{"", model.ConditionGood},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCondition(tt.raw), "raw=%q", tt.raw)
	}
}
