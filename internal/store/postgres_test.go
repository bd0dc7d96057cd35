package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvault/revalue/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCard_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT card_id, user_id, last_execution_id`).
		WithArgs("user-1", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCard(context.Background(), "user-1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExecution_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, card_id, user_id, request_id`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExecution(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteExecution_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE executions SET status`).
		WithArgs("done", "completed", "", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteExecution(context.Background(), "missing", model.ExecutionDone, model.StageCompleted, "")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordExecution(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO executions`).
		WithArgs("exec-1", "card-1", "user-1", "req-1", "running", "start", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordExecution(context.Background(), model.Execution{
		ID: "exec-1", CardID: "card-1", UserID: "user-1", RequestID: "req-1",
		Status: model.ExecutionRunning, Stage: model.StageStart,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateCard_InsertsFreshSnapshot(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT card_id, user_id, last_execution_id`).
		WithArgs("user-1", "card-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO cards`).
		WithArgs("card-1", "user-1", "exec-1",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	snap, err := s.UpdateCard(context.Background(), "user-1", "card-1", model.CardPatch{
		ExecutionID: "exec-1",
		Pricing:     &model.PricingResult{ValueMedian: 10, Currency: "USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", snap.LastExecutionID)
	require.NotNil(t, snap.Pricing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteDeadLetter_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letters`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.DeleteDeadLetter(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDeadLetters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letters`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	count, err := s.CountDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
