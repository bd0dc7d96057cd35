// Package model defines the data types shared across the revaluation engine.
package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// RevaluationRequest is the immutable trigger input for one revaluation.
type RevaluationRequest struct {
	UserID       string   `json:"user_id"`
	CardID       string   `json:"card_id"`
	ImageRefs    []string `json:"image_refs"`
	RequestID string `json:"request_id"`

	// ForceRefresh is accepted and persisted but not acted on yet. Evicting
	// an in-flight claim would break the one-execution-per-card guarantee,
	// so a future cache-bypass will have to interpret it differently.
	ForceRefresh bool `json:"force_refresh,omitempty"`
}

// Validate rejects malformed trigger input before any registry entry is made.
func (r RevaluationRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return eris.Wrap(ErrValidation, "user_id is required")
	}
	if strings.TrimSpace(r.CardID) == "" {
		return eris.Wrap(ErrValidation, "card_id is required")
	}
	if len(r.ImageRefs) == 0 {
		return eris.Wrap(ErrValidation, "at least one image_ref is required")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return eris.Wrap(ErrValidation, "request_id is required")
	}
	return nil
}

// ErrValidation marks malformed trigger input. Callers translate it to a 400;
// it never reaches the registry or the dead-letter path.
var ErrValidation = eris.New("invalid revaluation request")

// CardMeta is the card identity passed to the scoring collaborators.
type CardMeta struct {
	CardID   string `json:"card_id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	SetName  string `json:"set_name,omitempty"`
	Number   string `json:"number,omitempty"`
	Language string `json:"language,omitempty"`
}

// ExecutionStatus is the lifecycle state of a revaluation execution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionDone    ExecutionStatus = "done"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionStage names the orchestrator states for logging and history rows.
type ExecutionStage string

const (
	StageStart              ExecutionStage = "start"
	StageExtractingFeatures ExecutionStage = "extracting_features"
	StageScoringParallel    ExecutionStage = "scoring_parallel"
	StageAggregating        ExecutionStage = "aggregating"
	StageCompleted          ExecutionStage = "completed"
	StageFailed             ExecutionStage = "failed"
	StageDeadLettered       ExecutionStage = "dead_lettered"
)

// Execution is the persisted history row for one run. The in-memory registry
// is the lock authority; this row exists for polling and audit only.
type Execution struct {
	ID         string          `json:"id"`
	CardID     string          `json:"card_id"`
	UserID     string          `json:"user_id"`
	RequestID  string          `json:"request_id"`
	Status     ExecutionStatus `json:"status"`
	Stage      ExecutionStage  `json:"stage"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
