package fusion

import (
	"sort"

	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
)

// Config tunes the fusion engine. The confidence and volatility formulas are
// deliberately tunable; only the ordering invariants are load-bearing.
type Config struct {
	// TargetCurrency is the unit all comps are converted into. Default: USD.
	TargetCurrency string

	// Rates converts comp currencies into the target unit.
	Rates RateTable

	// IQRMultiplier widens the outlier fence. Default: 1.5.
	IQRMultiplier float64

	// LowPercentile / HighPercentile bound the fused range. Defaults: 10 / 90.
	LowPercentile  float64
	HighPercentile float64

	// CompsSaturation is the comp count at which sample-size confidence
	// saturates to 1. Default: 10.
	CompsSaturation int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TargetCurrency:  "USD",
		Rates:           DefaultRates(),
		IQRMultiplier:   1.5,
		LowPercentile:   10,
		HighPercentile:  90,
		CompsSaturation: 10,
	}
}

// Engine fuses raw comparable sales into a PricingResult.
type Engine struct {
	cfg Config
}

// NewEngine creates a fusion engine, filling config defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.TargetCurrency == "" {
		cfg.TargetCurrency = "USD"
	}
	if cfg.Rates == nil {
		cfg.Rates = DefaultRates()
	}
	if cfg.IQRMultiplier <= 0 {
		cfg.IQRMultiplier = 1.5
	}
	if cfg.LowPercentile <= 0 {
		cfg.LowPercentile = 10
	}
	if cfg.HighPercentile <= 0 {
		cfg.HighPercentile = 90
	}
	if cfg.CompsSaturation <= 0 {
		cfg.CompsSaturation = 10
	}
	return &Engine{cfg: cfg}
}

// Normalize converts comps into the target currency and maps conditions onto
// the ordinal scale. Comps in a currency the rate table cannot convert are
// dropped with a warning rather than poisoning the fusion.
func (e *Engine) Normalize(comps []model.RawComp) []model.NormalizedComp {
	out := make([]model.NormalizedComp, 0, len(comps))
	for _, c := range comps {
		price, ok := e.cfg.Rates.Convert(c.Price, c.Currency)
		if !ok {
			zap.L().Warn("fusion: dropping comp with unknown currency",
				zap.String("source", c.Source),
				zap.String("currency", c.Currency),
			)
			continue
		}
		if price <= 0 {
			continue
		}
		out = append(out, model.NormalizedComp{
			Source:    c.Source,
			Price:     price,
			Condition: ParseCondition(c.Condition),
			SoldDate:  c.SoldDate,
		})
	}
	return out
}

// Fuse normalizes, filters outliers via IQR, and fuses the surviving prices
// into a low/median/high estimate. Zero usable comps is a valid degraded
// result, never an error: {compsCount:0, confidence:0, sources:[]}.
func (e *Engine) Fuse(comps []model.RawComp) model.PricingResult {
	normalized := e.Normalize(comps)
	filtered := e.filterOutliers(normalized)

	if len(filtered) == 0 {
		return model.PricingResult{
			Currency: e.cfg.TargetCurrency,
			Sources:  []string{},
		}
	}

	prices := make([]float64, len(filtered))
	for i, c := range filtered {
		prices[i] = c.Price
	}

	m := mean(prices)
	volatility := 0.0
	if m > 0 {
		volatility = stddev(prices) / m
	}

	sampleFactor := float64(len(filtered)) / float64(e.cfg.CompsSaturation)
	confidence := clamp(1-volatility, 0, 1) * clamp(sampleFactor, 0, 1)

	result := model.PricingResult{
		ValueLow:    percentile(prices, e.cfg.LowPercentile),
		ValueMedian: percentile(prices, 50),
		ValueHigh:   percentile(prices, e.cfg.HighPercentile),
		Currency:    e.cfg.TargetCurrency,
		CompsCount:  len(filtered),
		Sources:     sourceNames(filtered),
		Confidence:  confidence,
		Volatility:  volatility,
	}

	zap.L().Debug("fusion: fused comps",
		zap.Int("raw", len(comps)),
		zap.Int("filtered", len(filtered)),
		zap.Float64("median", result.ValueMedian),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("volatility", result.Volatility),
	)
	return result
}

// filterOutliers drops comps priced outside [Q1 − k·IQR, Q3 + k·IQR].
func (e *Engine) filterOutliers(comps []model.NormalizedComp) []model.NormalizedComp {
	if len(comps) < 4 {
		// Too few points for meaningful quartiles.
		return comps
	}

	prices := make([]float64, len(comps))
	for i, c := range comps {
		prices[i] = c.Price
	}

	q1 := percentile(prices, 25)
	q3 := percentile(prices, 75)
	iqr := q3 - q1
	lo := q1 - e.cfg.IQRMultiplier*iqr
	hi := q3 + e.cfg.IQRMultiplier*iqr

	out := make([]model.NormalizedComp, 0, len(comps))
	for _, c := range comps {
		if c.Price >= lo && c.Price <= hi {
			out = append(out, c)
		}
	}
	return out
}

func sourceNames(comps []model.NormalizedComp) []string {
	seen := make(map[string]struct{})
	for _, c := range comps {
		seen[c.Source] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
