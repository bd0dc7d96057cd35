package model

import "time"

// Condition is the five-point ordinal condition scale comps are mapped onto.
type Condition int

const (
	ConditionUnknown Condition = iota
	ConditionPoor
	ConditionGood
	ConditionExcellent
	ConditionNearMint
	ConditionMint
)

func (c Condition) String() string {
	switch c {
	case ConditionPoor:
		return "poor"
	case ConditionGood:
		return "good"
	case ConditionExcellent:
		return "excellent"
	case ConditionNearMint:
		return "near_mint"
	case ConditionMint:
		return "mint"
	default:
		return "unknown"
	}
}

// RawComp is one comparable sale as returned by a price source. Ephemeral;
// discarded after fusion.
type RawComp struct {
	Source    string    `json:"source"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Condition string    `json:"condition"`
	SoldDate  time.Time `json:"sold_date"`
}

// NormalizedComp is a RawComp converted to the target currency with its
// condition mapped onto the ordinal scale.
type NormalizedComp struct {
	Source    string
	Price     float64
	Condition Condition
	SoldDate  time.Time
}

// PricingResult is the fused output of the pricing branch.
// Invariant: ValueLow <= ValueMedian <= ValueHigh.
type PricingResult struct {
	ValueLow    float64  `json:"value_low"`
	ValueMedian float64  `json:"value_median"`
	ValueHigh   float64  `json:"value_high"`
	Currency    string   `json:"currency"`
	CompsCount  int      `json:"comps_count"`
	Sources     []string `json:"sources"`
	Confidence  float64  `json:"confidence"`
	Volatility  float64  `json:"volatility"`
}

// ValuationOpinion is the judge's narrative read on a fused price.
type ValuationOpinion struct {
	Summary        string  `json:"summary"`
	FairValue      float64 `json:"fair_value"`
	Trend          string  `json:"trend"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}
