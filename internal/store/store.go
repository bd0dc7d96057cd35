// Package store persists card snapshots, execution history, and dead letters.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/cardvault/revalue/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("record not found")

// ExecutionFilter specifies criteria for listing execution history rows.
type ExecutionFilter struct {
	Status model.ExecutionStatus `json:"status,omitempty"`
	CardID string                `json:"card_id,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// Store defines the persistence interface for the revaluation engine.
type Store interface {
	// Cards
	GetCard(ctx context.Context, userID, cardID string) (*model.CardSnapshot, error)
	ListCards(ctx context.Context, userID string, limit int) ([]model.CardSnapshot, error)
	// UpdateCard applies the patch to the stored snapshot (creating it on
	// first write) and returns the result. The read-modify-write runs
	// atomically so concurrent writers cannot interleave.
	UpdateCard(ctx context.Context, userID, cardID string, patch model.CardPatch) (*model.CardSnapshot, error)

	// Execution history
	RecordExecution(ctx context.Context, exec model.Execution) error
	UpdateExecutionStage(ctx context.Context, executionID string, stage model.ExecutionStage) error
	CompleteExecution(ctx context.Context, executionID string, status model.ExecutionStatus, stage model.ExecutionStage, errMsg string) error
	GetExecution(ctx context.Context, executionID string) (*model.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.Execution, error)

	// Dead letters
	CreateDeadLetter(ctx context.Context, dl model.DeadLetter) (*model.DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	CountDeadLetters(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
