// Package fusion normalizes raw comparable sales and fuses them into a
// single priced estimate.
package fusion

import (
	"strings"

	"github.com/cardvault/revalue/internal/model"
)

// conditionAliases maps marketplace condition vocabulary onto the five-point
// ordinal scale. Marketplace grading language varies wildly; this list covers
// the vocabularies of the three wired sources.
var conditionAliases = map[string]model.Condition{
	"poor":              model.ConditionPoor,
	"damaged":           model.ConditionPoor,
	"dmg":               model.ConditionPoor,
	"heavily played":    model.ConditionPoor,
	"hp":                model.ConditionPoor,
	"good":              model.ConditionGood,
	"played":            model.ConditionGood,
	"moderately played": model.ConditionGood,
	"mp":                model.ConditionGood,
	"fair":              model.ConditionGood,
	"excellent":         model.ConditionExcellent,
	"ex":                model.ConditionExcellent,
	"lightly played":    model.ConditionExcellent,
	"lp":                model.ConditionExcellent,
	"very good":         model.ConditionExcellent,
	"near mint":         model.ConditionNearMint,
	"near-mint":         model.ConditionNearMint,
	"nm":                model.ConditionNearMint,
	"nm-mt":             model.ConditionNearMint,
	"mint":              model.ConditionMint,
	"gem mint":          model.ConditionMint,
	"gem-mt":            model.ConditionMint,
	"new":               model.ConditionMint,
}

// ParseCondition maps a free-form condition string onto the ordinal scale.
// Unknown labels map to Good (the scale midpoint floor) so a comp is never
// discarded for labeling alone.
func ParseCondition(raw string) model.Condition {
	key := strings.ToLower(strings.TrimSpace(raw))
	if c, ok := conditionAliases[key]; ok {
		return c
	}
	return model.ConditionGood
}
