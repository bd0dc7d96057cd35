// Package authenticity computes the five local authenticity signals and
// obtains the final score from the AI judge, with a local fallback.
package authenticity

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/pkg/judge"
)

// DefaultFakeThreshold flags cards scoring strictly below it.
const DefaultFakeThreshold = 0.85

// fallbackRationale is used when the judge is unreachable and the local
// signal mean stands in for the verdict.
const fallbackRationale = "AI judgment unavailable; score is the unweighted mean of the local signals"

// Config tunes the scorer.
type Config struct {
	// FakeThreshold is the exclusive lower bound for an authentic card.
	// Default: 0.85.
	FakeThreshold float64

	// JudgePolicy is the retry budget for the judge call. Default: 3 attempts.
	JudgePolicy resilience.Policy
}

// Scorer runs the authenticity branch.
type Scorer struct {
	judge     judge.Client
	threshold float64
	policy    resilience.Policy
}

// NewScorer creates a scorer. A nil judge client skips AI judgment entirely
// and always uses the local fallback.
func NewScorer(j judge.Client, cfg Config) *Scorer {
	threshold := cfg.FakeThreshold
	if threshold <= 0 {
		threshold = DefaultFakeThreshold
	}
	policy := cfg.JudgePolicy
	if policy.MaxAttempts <= 0 {
		policy = resilience.DefaultPolicy()
	}
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("judge", "authenticity")
	}
	return &Scorer{judge: j, threshold: threshold, policy: policy}
}

// Score computes the five signals from the envelope, asks the judge for the
// final verdict, and falls back to the local signal mean when the judge
// cannot be reached. It never returns an error: a degraded result is still a
// result.
func (s *Scorer) Score(ctx context.Context, envelope model.FeatureEnvelope, meta model.CardMeta) model.AuthenticityResult {
	signals := ComputeSignals(envelope, meta)

	if s.judge != nil {
		verdict, err := resilience.DoVal(ctx, s.policy, func(ctx context.Context) (*judge.AuthenticityJudgment, error) {
			return s.judge.JudgeAuthenticity(ctx, judge.AuthenticityRequest{
				Signals:  signals,
				Envelope: envelope,
				Meta:     meta,
			})
		})
		if err == nil {
			return model.AuthenticityResult{
				Score:        verdict.Score,
				FakeDetected: model.FakeDetected(verdict.Score, s.threshold),
				Rationale:    verdict.Rationale,
				Signals:      signals,
				VerifiedByAI: true,
			}
		}
		zap.L().Warn("authenticity: judge unavailable, using local fallback",
			zap.String("card_id", meta.CardID), zap.Error(err))
	}

	score := signals.Mean()
	return model.AuthenticityResult{
		Score:        score,
		FakeDetected: model.FakeDetected(score, s.threshold),
		Rationale:    fallbackRationale,
		Signals:      signals,
		VerifiedByAI: false,
	}
}

// ComputeSignals derives the five local confidences from the envelope.
func ComputeSignals(envelope model.FeatureEnvelope, meta model.CardMeta) model.AuthenticitySignals {
	return model.AuthenticitySignals{
		VisualHash:     clamp01(envelope.HashMatch),
		TextMatch:      textMatch(envelope, meta),
		HoloPattern:    holoPattern(envelope),
		BorderConsist:  clamp01(envelope.BorderSymmetry),
		FontValidation: clamp01(envelope.FontScore),
	}
}

// textMatch scores how well the OCR output agrees with the card's known
// identity, as token overlap over the expected tokens. Without any expected
// metadata the signal is neutral.
func textMatch(envelope model.FeatureEnvelope, meta model.CardMeta) float64 {
	expected := tokenize(meta.Name + " " + meta.SetName + " " + meta.Number)
	if len(expected) == 0 {
		return 0.5
	}

	seen := make(map[string]bool)
	for _, tok := range tokenize(envelope.Title + " " + envelope.SetName + " " + envelope.Number) {
		seen[tok] = true
	}
	for _, line := range envelope.OCRLines {
		for _, tok := range tokenize(line) {
			seen[tok] = true
		}
	}

	matched := 0
	for _, tok := range expected {
		if seen[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(expected))
}

// holoPattern trusts the detector's score only when a holo was detected; an
// undetected holo on a card is neutral, not damning, since not every print
// is holographic.
func holoPattern(envelope model.FeatureEnvelope) float64 {
	if !envelope.HoloDetected {
		return 0.5
	}
	return clamp01(envelope.HoloScore)
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,:;!?\"'()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
