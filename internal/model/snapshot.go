package model

import "time"

// CardSnapshot is the persisted card record the aggregator merges results
// into. Applying the same patch twice yields the same snapshot.
type CardSnapshot struct {
	CardID          string `json:"card_id"`
	UserID          string `json:"user_id"`
	LastExecutionID string `json:"last_execution_id,omitempty"`

	Pricing      *PricingResult      `json:"pricing,omitempty"`
	Authenticity *AuthenticityResult `json:"authenticity,omitempty"`
	Opinion      *ValuationOpinion   `json:"opinion,omitempty"`

	// FailureMarker is set instead of fresh results when an execution
	// dead-letters; pollers observe it as the terminal failure signal.
	FailureMarker string `json:"failure_marker,omitempty"`

	RevaluedAt time.Time `json:"revalued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CardPatch is the partial-field update the aggregator hands to the card
// persistence collaborator. Nil fields are left untouched.
type CardPatch struct {
	ExecutionID   string              `json:"execution_id,omitempty"`
	Pricing       *PricingResult      `json:"pricing,omitempty"`
	Authenticity  *AuthenticityResult `json:"authenticity,omitempty"`
	Opinion       *ValuationOpinion   `json:"opinion,omitempty"`
	FailureMarker *string             `json:"failure_marker,omitempty"`
	RevaluedAt    time.Time           `json:"revalued_at"`
}

// Apply merges the patch into the snapshot. Pure with respect to its inputs:
// identical patches produce identical snapshots.
func (s CardSnapshot) Apply(p CardPatch) CardSnapshot {
	if p.ExecutionID != "" {
		s.LastExecutionID = p.ExecutionID
	}
	if p.Pricing != nil {
		cp := *p.Pricing
		s.Pricing = &cp
		s.FailureMarker = ""
	}
	if p.Authenticity != nil {
		cp := *p.Authenticity
		s.Authenticity = &cp
		s.FailureMarker = ""
	}
	if p.Opinion != nil {
		cp := *p.Opinion
		s.Opinion = &cp
	}
	if p.FailureMarker != nil {
		s.FailureMarker = *p.FailureMarker
	}
	if !p.RevaluedAt.IsZero() {
		s.RevaluedAt = p.RevaluedAt
	}
	return s
}
