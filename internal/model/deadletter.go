package model

import "time"

// DeadLetter records an execution that exhausted its retry budget, for
// manual operator follow-up.
type DeadLetter struct {
	ID          string         `json:"id"`
	CardID      string         `json:"card_id"`
	UserID      string         `json:"user_id"`
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	Stage       ExecutionStage `json:"stage"`
	Error       string         `json:"error"`
	ErrorType   string         `json:"error_type"` // "transient" or "permanent"

	// Whatever partial branch results existed when the execution failed.
	PartialPricing      *PricingResult      `json:"partial_pricing,omitempty"`
	PartialAuthenticity *AuthenticityResult `json:"partial_authenticity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DeadLetterFilter narrows dead-letter listings.
type DeadLetterFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	CardID    string `json:"card_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
