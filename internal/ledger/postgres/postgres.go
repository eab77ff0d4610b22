package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lumia1998/AnuNeko/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig tunes the database/sql pool. Zero values keep driver defaults.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	identity_hash TEXT NOT NULL DEFAULT '',
	target_model TEXT NOT NULL DEFAULT '',
	backend_model TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	prompt_chars BIGINT NOT NULL DEFAULT 0,
	completion_chars BIGINT NOT NULL DEFAULT 0,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_turns_identity_created ON turns(identity_hash, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ledger: apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var (
	_ ledger.Store         = (*Store)(nil)
	_ ledger.BatchRecorder = (*Store)(nil)
)

const insertTurn = `
INSERT INTO turns(session_id, identity_hash, target_model, backend_model, mode, outcome,
	prompt_chars, completion_chars, prompt_tokens, completion_tokens, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func turnArgs(e ledger.Entry) []any {
	return []any{
		e.SessionID, e.IdentityHash, e.TargetModel, e.BackendModel, e.Mode, e.Outcome,
		e.PromptChars, e.CompletionChars, e.PromptTokens, e.CompletionTokens, e.CreatedAt,
	}
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	entry, err := ledger.Normalize(entry)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertTurn, turnArgs(entry)...); err != nil {
		return fmt.Errorf("ledger: record: %w", err)
	}
	return nil
}

// RecordBatch inserts entries in a single transaction.
func (s *Store) RecordBatch(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin batch: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, insertTurn)
	if err != nil {
		return fmt.Errorf("ledger: prepare batch: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		e, err := ledger.Normalize(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, turnArgs(e)...); err != nil {
			return fmt.Errorf("ledger: record batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit batch: %w", err)
	}
	return nil
}

// Summary returns aggregated usage for the given session.
func (s *Store) Summary(ctx context.Context, sessionID string) (ledger.Summary, error) {
	if sessionID == "" {
		return ledger.Summary{}, ledger.ErrMissingSession
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
	COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(prompt_chars), 0), COALESCE(SUM(completion_chars), 0)
FROM turns
WHERE session_id = $1`, sessionID)

	var sum ledger.Summary
	if err := row.Scan(&sum.Turns, &sum.PromptTokens, &sum.CompletionTokens, &sum.PromptChars, &sum.CompletionChars); err != nil {
		return ledger.Summary{}, fmt.Errorf("ledger: summary: %w", err)
	}
	return sum.Finish(), nil
}

// ListBySession returns the latest entries for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]ledger.Entry, error) {
	if sessionID == "" {
		return nil, ledger.ErrMissingSession
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, identity_hash, target_model, backend_model, mode, outcome,
	prompt_chars, completion_chars, prompt_tokens, completion_tokens, created_at
FROM turns
WHERE session_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.IdentityHash, &e.TargetModel, &e.BackendModel, &e.Mode, &e.Outcome,
			&e.PromptChars, &e.CompletionChars, &e.PromptTokens, &e.CompletionTokens, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
