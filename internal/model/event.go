package model

import "time"

// CardValuationCompleted is emitted exactly once per completed execution.
type CardValuationCompleted struct {
	CardID            string    `json:"card_id"`
	UserID            string    `json:"user_id"`
	ExecutionID       string    `json:"execution_id"`
	RequestID         string    `json:"request_id"`
	ValueLow          float64   `json:"value_low"`
	ValueMedian       float64   `json:"value_median"`
	ValueHigh         float64   `json:"value_high"`
	AuthenticityScore float64   `json:"authenticity_score"`
	FakeDetected      bool      `json:"fake_detected"`
	Sources           []string  `json:"sources"`
	Timestamp         time.Time `json:"timestamp"`
}
