package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvault/revalue/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_UpdateCard_CreatesAndMerges(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	pricing := &model.PricingResult{ValueLow: 100, ValueMedian: 150, ValueHigh: 200, Currency: "USD", CompsCount: 12}
	snap, err := st.UpdateCard(ctx, "user-1", "card-1", model.CardPatch{
		ExecutionID: "exec-1",
		Pricing:     pricing,
		RevaluedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", snap.LastExecutionID)
	require.NotNil(t, snap.Pricing)
	assert.InDelta(t, 150, snap.Pricing.ValueMedian, 1e-9)
	assert.Nil(t, snap.Authenticity)

	// Second patch fills authenticity without clobbering pricing.
	auth := &model.AuthenticityResult{Score: 0.92, VerifiedByAI: true}
	snap, err = st.UpdateCard(ctx, "user-1", "card-1", model.CardPatch{Authenticity: auth})
	require.NoError(t, err)
	require.NotNil(t, snap.Pricing)
	require.NotNil(t, snap.Authenticity)
	assert.InDelta(t, 0.92, snap.Authenticity.Score, 1e-9)

	got, err := st.GetCard(ctx, "user-1", "card-1")
	require.NoError(t, err)
	assert.Equal(t, snap.LastExecutionID, got.LastExecutionID)
	require.NotNil(t, got.Pricing)
	assert.Equal(t, 12, got.Pricing.CompsCount)
}

func TestSQLite_UpdateCard_FreshResultsClearFailureMarker(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	marker := "revaluation failed: all sources unavailable"
	snap, err := st.UpdateCard(ctx, "user-1", "card-1", model.CardPatch{FailureMarker: &marker})
	require.NoError(t, err)
	assert.Equal(t, marker, snap.FailureMarker)

	snap, err = st.UpdateCard(ctx, "user-1", "card-1", model.CardPatch{
		Pricing: &model.PricingResult{ValueMedian: 10, Currency: "USD"},
	})
	require.NoError(t, err)
	assert.Empty(t, snap.FailureMarker)
}

func TestSQLite_GetCard_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetCard(context.Background(), "user-1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListCards(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"card-a", "card-b"} {
		_, err := st.UpdateCard(ctx, "user-1", id, model.CardPatch{ExecutionID: "exec-" + id})
		require.NoError(t, err)
	}
	_, err := st.UpdateCard(ctx, "user-2", "card-c", model.CardPatch{})
	require.NoError(t, err)

	cards, err := st.ListCards(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, cards, 2)
}

func TestSQLite_ExecutionLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	exec := model.Execution{
		ID:        "exec-1",
		CardID:    "card-1",
		UserID:    "user-1",
		RequestID: "req-1",
		Status:    model.ExecutionRunning,
		Stage:     model.StageStart,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, st.RecordExecution(ctx, exec))
	require.NoError(t, st.UpdateExecutionStage(ctx, "exec-1", model.StageScoringParallel))
	require.NoError(t, st.CompleteExecution(ctx, "exec-1", model.ExecutionDone, model.StageCompleted, ""))

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionDone, got.Status)
	assert.Equal(t, model.StageCompleted, got.Stage)
	require.NotNil(t, got.FinishedAt)

	execs, err := st.ListExecutions(ctx, ExecutionFilter{CardID: "card-1"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	execs, err = st.ListExecutions(ctx, ExecutionFilter{Status: model.ExecutionRunning})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestSQLite_UpdateExecutionStage_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.UpdateExecutionStage(context.Background(), "missing", model.StageAggregating)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DeadLetters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	dl, err := st.CreateDeadLetter(ctx, model.DeadLetter{
		CardID:      "card-1",
		UserID:      "user-1",
		RequestID:   "req-1",
		ExecutionID: "exec-1",
		Stage:       model.StageExtractingFeatures,
		Error:       "vision timed out",
		ErrorType:   "transient",
		PartialPricing: &model.PricingResult{
			ValueMedian: 42, Currency: "USD", CompsCount: 3,
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, dl.ID)
	assert.False(t, dl.CreatedAt.IsZero())

	letters, err := st.ListDeadLetters(ctx, model.DeadLetterFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.NotNil(t, letters[0].PartialPricing)
	assert.InDelta(t, 42, letters[0].PartialPricing.ValueMedian, 1e-9)
	assert.Nil(t, letters[0].PartialAuthenticity)

	letters, err = st.ListDeadLetters(ctx, model.DeadLetterFilter{ErrorType: "permanent"})
	require.NoError(t, err)
	assert.Empty(t, letters)

	count, err := st.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, st.DeleteDeadLetter(ctx, dl.ID))
	require.ErrorIs(t, st.DeleteDeadLetter(ctx, dl.ID), ErrNotFound)
}
