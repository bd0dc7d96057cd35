package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cardvault/revalue/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cards (
	card_id           TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	last_execution_id TEXT,
	pricing           TEXT,
	authenticity      TEXT,
	opinion           TEXT,
	failure_marker    TEXT NOT NULL DEFAULT '',
	revalued_at       DATETIME,
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
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
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id                   TEXT PRIMARY KEY,
	card_id              TEXT NOT NULL,
	user_id              TEXT NOT NULL,
	request_id           TEXT NOT NULL,
	execution_id         TEXT NOT NULL,
	stage                TEXT NOT NULL,
	error                TEXT NOT NULL,
	error_type           TEXT NOT NULL DEFAULT 'transient',
	partial_pricing      TEXT,
	partial_authenticity TEXT,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_executions_card_id ON executions(card_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_dead_letters_error_type ON dead_letters(error_type);
CREATE INDEX IF NOT EXISTS idx_dead_letters_card_id ON dead_letters(card_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCard(ctx context.Context, userID, cardID string) (*model.CardSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at
		 FROM cards WHERE user_id = ? AND card_id = ?`,
		userID, cardID,
	)
	snap, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "card %s", cardID)
	}
	return snap, err
}

func (s *SQLiteStore) ListCards(ctx context.Context, userID string, limit int) ([]model.CardSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at
		 FROM cards WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cards")
	}
	defer rows.Close()

	var cards []model.CardSnapshot
	for rows.Next() {
		snap, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *snap)
	}
	return cards, eris.Wrap(rows.Err(), "sqlite: list cards iterate")
}

func (s *SQLiteStore) UpdateCard(ctx context.Context, userID, cardID string, patch model.CardPatch) (*model.CardSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin update card")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at
		 FROM cards WHERE user_id = ? AND card_id = ?`,
		userID, cardID,
	)
	snap, err := scanCard(row)
	if err == sql.ErrNoRows {
		snap = &model.CardSnapshot{CardID: cardID, UserID: userID}
	} else if err != nil {
		return nil, err
	}

	updated := snap.Apply(patch)
	updated.UpdatedAt = time.Now().UTC()

	pricingJSON, authJSON, opinionJSON, err := marshalCardColumns(updated)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cards (card_id, user_id, last_execution_id, pricing, authenticity, opinion, failure_marker, revalued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, card_id) DO UPDATE SET
		   last_execution_id = excluded.last_execution_id,
		   pricing = excluded.pricing,
		   authenticity = excluded.authenticity,
		   opinion = excluded.opinion,
		   failure_marker = excluded.failure_marker,
		   revalued_at = excluded.revalued_at,
		   updated_at = excluded.updated_at`,
		updated.CardID, updated.UserID, updated.LastExecutionID,
		pricingJSON, authJSON, opinionJSON,
		updated.FailureMarker, nullTime(updated.RevaluedAt), updated.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert card %s", cardID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit update card")
	}
	return &updated, nil
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, exec model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, card_id, user_id, request_id, status, stage, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.CardID, exec.UserID, exec.RequestID,
		string(exec.Status), string(exec.Stage), exec.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: record execution %s", exec.ID)
}

func (s *SQLiteStore) UpdateExecutionStage(ctx context.Context, executionID string, stage model.ExecutionStage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET stage = ? WHERE id = ?`,
		string(stage), executionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update execution stage %s", executionID)
	}
	return checkRowsAffected(res, "execution", executionID)
}

func (s *SQLiteStore) CompleteExecution(ctx context.Context, executionID string, status model.ExecutionStatus, stage model.ExecutionStage, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, stage = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), string(stage), errMsg, time.Now().UTC(), executionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete execution %s", executionID)
	}
	return checkRowsAffected(res, "execution", executionID)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, card_id, user_id, request_id, status, stage, error, started_at, finished_at
		 FROM executions WHERE id = ?`,
		executionID,
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "execution %s", executionID)
	}
	return exec, err
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.Execution, error) {
	query := `SELECT id, card_id, user_id, request_id, status, stage, error, started_at, finished_at
	          FROM executions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CardID != "" {
		query += ` AND card_id = ?`
		args = append(args, filter.CardID)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list executions")
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, eris.Wrap(rows.Err(), "sqlite: list executions iterate")
}

func (s *SQLiteStore) CreateDeadLetter(ctx context.Context, dl model.DeadLetter) (*model.DeadLetter, error) {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}

	pricingJSON, err := marshalNullable(dl.PartialPricing)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal partial pricing")
	}
	authJSON, err := marshalNullable(dl.PartialAuthenticity)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal partial authenticity")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, card_id, user_id, request_id, execution_id, stage, error, error_type, partial_pricing, partial_authenticity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.CardID, dl.UserID, dl.RequestID, dl.ExecutionID,
		string(dl.Stage), dl.Error, dl.ErrorType, pricingJSON, authJSON, dl.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert dead letter")
	}
	return &dl, nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetter, error) {
	query := `SELECT id, card_id, user_id, request_id, execution_id, stage, error, error_type, partial_pricing, partial_authenticity, created_at
	          FROM dead_letters WHERE 1=1`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.CardID != "" {
		query += ` AND card_id = ?`
		args = append(args, filter.CardID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *dl)
	}
	return letters, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dead letter %s", id)
	}
	return checkRowsAffected(res, "dead_letter", id)
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dead letters")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCard(row scannable) (*model.CardSnapshot, error) {
	var snap model.CardSnapshot
	var lastExecID sql.NullString
	var pricingJSON, authJSON, opinionJSON sql.NullString
	var revaluedAt sql.NullTime

	err := row.Scan(&snap.CardID, &snap.UserID, &lastExecID,
		&pricingJSON, &authJSON, &opinionJSON,
		&snap.FailureMarker, &revaluedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan card")
	}

	snap.LastExecutionID = lastExecID.String
	if revaluedAt.Valid {
		snap.RevaluedAt = revaluedAt.Time
	}
	if err := unmarshalNullable(pricingJSON, &snap.Pricing); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pricing")
	}
	if err := unmarshalNullable(authJSON, &snap.Authenticity); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal authenticity")
	}
	if err := unmarshalNullable(opinionJSON, &snap.Opinion); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal opinion")
	}
	return &snap, nil
}

func scanExecution(row scannable) (*model.Execution, error) {
	var e model.Execution
	var errMsg sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&e.ID, &e.CardID, &e.UserID, &e.RequestID,
		&e.Status, &e.Stage, &errMsg, &e.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan execution")
	}

	e.Error = errMsg.String
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return &e, nil
}

func scanDeadLetter(row scannable) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	var pricingJSON, authJSON sql.NullString

	err := row.Scan(&dl.ID, &dl.CardID, &dl.UserID, &dl.RequestID, &dl.ExecutionID,
		&dl.Stage, &dl.Error, &dl.ErrorType, &pricingJSON, &authJSON, &dl.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan dead letter")
	}

	if err := unmarshalNullable(pricingJSON, &dl.PartialPricing); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal partial pricing")
	}
	if err := unmarshalNullable(authJSON, &dl.PartialAuthenticity); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal partial authenticity")
	}
	return &dl, nil
}

func marshalCardColumns(snap model.CardSnapshot) (pricing, auth, opinion any, err error) {
	if pricing, err = marshalNullable(snap.Pricing); err != nil {
		return nil, nil, nil, eris.Wrap(err, "sqlite: marshal pricing")
	}
	if auth, err = marshalNullable(snap.Authenticity); err != nil {
		return nil, nil, nil, eris.Wrap(err, "sqlite: marshal authenticity")
	}
	if opinion, err = marshalNullable(snap.Opinion); err != nil {
		return nil, nil, nil, eris.Wrap(err, "sqlite: marshal opinion")
	}
	return pricing, auth, opinion, nil
}

// marshalNullable returns nil for a nil pointer so the column stays NULL.
func marshalNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable[T any](col sql.NullString, dst **T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	out := new(T)
	if err := json.Unmarshal([]byte(col.String), out); err != nil {
		return err
	}
	*dst = out
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
