package model

// AuthenticitySignals are the five locally computed confidences, each 0..1.
type AuthenticitySignals struct {
	VisualHash     float64 `json:"visual_hash"`
	TextMatch      float64 `json:"text_match"`
	HoloPattern    float64 `json:"holo_pattern"`
	BorderConsist  float64 `json:"border_consistency"`
	FontValidation float64 `json:"font_validation"`
}

// Mean is the unweighted average of the five signals, used as the local
// fallback score when the AI judgment is unavailable.
func (s AuthenticitySignals) Mean() float64 {
	return (s.VisualHash + s.TextMatch + s.HoloPattern + s.BorderConsist + s.FontValidation) / 5
}

// AuthenticityResult is the output of the authenticity branch.
type AuthenticityResult struct {
	Score        float64             `json:"authenticity_score"`
	FakeDetected bool                `json:"fake_detected"`
	Rationale    string              `json:"rationale"`
	Signals      AuthenticitySignals `json:"signals"`
	VerifiedByAI bool                `json:"verified_by_ai"`
}

// FakeDetected applies the detection threshold: a score strictly below the
// threshold flags the card.
func FakeDetected(score, threshold float64) bool {
	return score < threshold
}
