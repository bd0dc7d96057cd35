package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cardvault/revalue/internal/db"
	"github.com/cardvault/revalue/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_card":           `SELECT card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at FROM cards WHERE user_id = $1 AND card_id = $2`,
	"record_execution":   `INSERT INTO executions (id, card_id, user_id, request_id, status, stage, started_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"update_exec_stage":  `UPDATE executions SET stage = $1 WHERE id = $2`,
	"complete_execution": `UPDATE executions SET status = $1, stage = $2, error = $3, finished_at = $4 WHERE id = $5`,
	"get_execution":      `SELECT id, card_id, user_id, request_id, status, stage, error, started_at, finished_at FROM executions WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cards (
	card_id           TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	last_execution_id TEXT,
	pricing           JSONB,
	authenticity      JSONB,
	opinion           JSONB,
	failure_marker    TEXT NOT NULL DEFAULT '',
	revalued_at       TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, card_id)
);

CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	card_id     TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	stage       TEXT NOT NULL DEFAULT 'start',
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	card_id              TEXT NOT NULL,
	user_id              TEXT NOT NULL,
	request_id           TEXT NOT NULL,
	execution_id         TEXT NOT NULL,
	stage                TEXT NOT NULL,
	error                TEXT NOT NULL,
	error_type           TEXT NOT NULL DEFAULT 'transient',
	partial_pricing      JSONB,
	partial_authenticity JSONB,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_executions_card_id ON executions(card_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_dead_letters_error_type ON dead_letters(error_type);
CREATE INDEX IF NOT EXISTS idx_dead_letters_card_id ON dead_letters(card_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetCard(ctx context.Context, userID, cardID string) (*model.CardSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at
		 FROM cards WHERE user_id = $1 AND card_id = $2`,
		userID, cardID,
	)
	snap, err := scanCardPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "card %s", cardID)
	}
	return snap, err
}

func (s *PostgresStore) ListCards(ctx context.Context, userID string, limit int) ([]model.CardSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at
		 FROM cards WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cards")
	}
	defer rows.Close()

	var cards []model.CardSnapshot
	for rows.Next() {
		snap, err := scanCardPg(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *snap)
	}
	return cards, eris.Wrap(rows.Err(), "postgres: list cards iterate")
}

func (s *PostgresStore) UpdateCard(ctx context.Context, userID, cardID string, patch model.CardPatch) (*model.CardSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin update card")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at
		 FROM cards WHERE user_id = $1 AND card_id = $2 FOR UPDATE`,
		userID, cardID,
	)
	snap, err := scanCardPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		snap = &model.CardSnapshot{CardID: cardID, UserID: userID}
	} else if err != nil {
		return nil, err
	}

	updated := snap.Apply(patch)
	updated.UpdatedAt = time.Now().UTC()

	pricingJSON, err := marshalNullableBytes(updated.Pricing)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal pricing")
	}
	authJSON, err := marshalNullableBytes(updated.Authenticity)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal authenticity")
	}
	opinionJSON, err := marshalNullableBytes(updated.Opinion)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal opinion")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO cards (card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, card_id) DO UPDATE SET
		   last_execution_id = $3, pricing = $4, authenticity = $5,
		   opinion = $6, failure_marker = $7, revalued_at = $8, updated_at = $9`,
		updated.CardID, updated.UserID, updated.LastExecutionID,
		pricingJSON, authJSON, opinionJSON,
		updated.FailureMarker, nullTime(updated.RevaluedAt), updated.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert card %s", cardID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit update card")
	}
	return &updated, nil
}

func (s *PostgresStore) RecordExecution(ctx context.Context, exec model.Execution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, card_id, user_id, request_id, status, stage, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.CardID, exec.UserID, exec.RequestID,
		string(exec.Status), string(exec.Stage), exec.StartedAt,
	)
	return eris.Wrapf(err, "postgres: record execution %s", exec.ID)
}

func (s *PostgresStore) UpdateExecutionStage(ctx context.Context, executionID string, stage model.ExecutionStage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET stage = $1 WHERE id = $2`,
		string(stage), executionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update execution stage %s", executionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "execution %s", executionID)
	}
	return nil
}

func (s *PostgresStore) CompleteExecution(ctx context.Context, executionID string, status model.ExecutionStatus, stage model.ExecutionStage, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET status = $1, stage = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(status), string(stage), errMsg, time.Now().UTC(), executionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete execution %s", executionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "execution %s", executionID)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (*model.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, card_id, user_id, request_id, status, stage, error, started_at, finished_at
		 FROM executions WHERE id = $1`,
		executionID,
	)
	exec, err := scanExecutionPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "execution %s", executionID)
	}
	return exec, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.Execution, error) {
	query := `SELECT id, card_id, user_id, request_id, status, stage, error, started_at, finished_at
	          FROM executions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CardID != "" {
		query += fmt.Sprintf(` AND card_id = $%d`, argIdx)
		args = append(args, filter.CardID)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list executions")
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		e, err := scanExecutionPg(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, eris.Wrap(rows.Err(), "postgres: list executions iterate")
}

func (s *PostgresStore) CreateDeadLetter(ctx context.Context, dl model.DeadLetter) (*model.DeadLetter, error) {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}

	pricingJSON, err := marshalNullableBytes(dl.PartialPricing)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal partial pricing")
	}
	authJSON, err := marshalNullableBytes(dl.PartialAuthenticity)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal partial authenticity")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, card_id, user_id, request_id, execution_id, stage, error, error_type, partial_pricing, partial_authenticity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		dl.ID, dl.CardID, dl.UserID, dl.RequestID, dl.ExecutionID,
		string(dl.Stage), dl.Error, dl.ErrorType, pricingJSON, authJSON, dl.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert dead letter")
	}
	return &dl, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetter, error) {
	query := `SELECT id, card_id, user_id, request_id, execution_id, stage, error, error_type, partial_pricing, partial_authenticity, created_at
	          FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.CardID != "" {
		query += fmt.Sprintf(` AND card_id = $%d`, argIdx)
		args = append(args, filter.CardID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		var pricingJSON, authJSON []byte
		if err := rows.Scan(&dl.ID, &dl.CardID, &dl.UserID, &dl.RequestID, &dl.ExecutionID,
			&dl.Stage, &dl.Error, &dl.ErrorType, &pricingJSON, &authJSON, &dl.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if err := unmarshalBytes(pricingJSON, &dl.PartialPricing); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal partial pricing")
		}
		if err := unmarshalBytes(authJSON, &dl.PartialAuthenticity); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal partial authenticity")
		}
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete dead letter %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dead_letter %s", id)
	}
	return nil
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead letters")
}

// helpers

func scanCardPg(row pgx.Row) (*model.CardSnapshot, error) {
	var snap model.CardSnapshot
	var lastExecID *string
	var pricingJSON, authJSON, opinionJSON []byte
	var revaluedAt *time.Time

	err := row.Scan(&snap.CardID, &snap.UserID, &lastExecID,
		&pricingJSON, &authJSON, &opinionJSON,
		&snap.FailureMarker, &revaluedAt, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan card")
	}

	if lastExecID != nil {
		snap.LastExecutionID = *lastExecID
	}
	if revaluedAt != nil {
		snap.RevaluedAt = *revaluedAt
	}
	if err := unmarshalBytes(pricingJSON, &snap.Pricing); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pricing")
	}
	if err := unmarshalBytes(authJSON, &snap.Authenticity); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal authenticity")
	}
	if err := unmarshalBytes(opinionJSON, &snap.Opinion); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal opinion")
	}
	return &snap, nil
}

func scanExecutionPg(row pgx.Row) (*model.Execution, error) {
	var e model.Execution
	var errMsg *string

	err := row.Scan(&e.ID, &e.CardID, &e.UserID, &e.RequestID,
		&e.Status, &e.Stage, &errMsg, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan execution")
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	return &e, nil
}

func marshalNullableBytes[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalBytes[T any](data []byte, dst **T) error {
	if len(data) == 0 {
		return nil
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return err
	}
	*dst = out
	return nil
}
