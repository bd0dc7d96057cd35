package model

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevaluationRequest_Validate(t *testing.T) {
	valid := RevaluationRequest{
		UserID:    "u-1",
		CardID:    "c-1",
		ImageRefs: []string{"s3://cards/c-1/front.jpg"},
		RequestID: "r-1",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*RevaluationRequest)
	}{
		{"missing user", func(r *RevaluationRequest) { r.UserID = " " }},
		{"missing card", func(r *RevaluationRequest) { r.CardID = "" }},
		{"no images", func(r *RevaluationRequest) { r.ImageRefs = nil }},
		{"missing request id", func(r *RevaluationRequest) { r.RequestID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrValidation))
		})
	}
}

func TestFakeDetected_Boundary(t *testing.T) {
	assert.True(t, FakeDetected(0.84, 0.85))
	assert.False(t, FakeDetected(0.85, 0.85))
	assert.False(t, FakeDetected(0.86, 0.85))
}

func TestSignals_Mean(t *testing.T) {
	s := AuthenticitySignals{
		VisualHash:     1.0,
		TextMatch:      0.5,
		HoloPattern:    0.5,
		BorderConsist:  0.5,
		FontValidation: 0.0,
	}
	assert.InDelta(t, 0.5, s.Mean(), 1e-9)
}

func TestCardSnapshot_ApplyIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	patch := CardPatch{
		ExecutionID: "exec-1",
		Pricing: &PricingResult{
			ValueLow: 10, ValueMedian: 12, ValueHigh: 15,
			CompsCount: 8, Sources: []string{"ebay"}, Confidence: 0.7,
		},
		Authenticity: &AuthenticityResult{Score: 0.92, VerifiedByAI: true},
		RevaluedAt:   now,
	}

	base := CardSnapshot{CardID: "c-1", UserID: "u-1", FailureMarker: "stale failure"}
	once := base.Apply(patch)
	twice := once.Apply(patch)

	assert.Equal(t, once, twice)
	assert.Equal(t, "exec-1", once.LastExecutionID)
	assert.Empty(t, once.FailureMarker, "fresh results clear the failure marker")
	assert.Equal(t, now, once.RevaluedAt)
}

func TestCardSnapshot_ApplyFailureMarker(t *testing.T) {
	marker := "revaluation failed: feature extraction"
	snap := CardSnapshot{CardID: "c-1"}.Apply(CardPatch{FailureMarker: &marker})
	assert.Equal(t, marker, snap.FailureMarker)
	assert.Nil(t, snap.Pricing)
}

func TestCondition_String(t *testing.T) {
	assert.Equal(t, "near_mint", ConditionNearMint.String())
	assert.Equal(t, "unknown", Condition(42).String())
}
