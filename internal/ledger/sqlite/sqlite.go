package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/lumia1998/AnuNeko/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite db: %w", err)
	}
	// PRAGMAs are per connection and SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set busy timeout: %w", err)
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	identity_hash TEXT NOT NULL DEFAULT '',
	target_model TEXT NOT NULL DEFAULT '',
	backend_model TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	prompt_chars INTEGER NOT NULL DEFAULT 0,
	completion_chars INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at DESC);
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
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

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
WHERE session_id = ?`, sessionID)

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
WHERE session_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, sessionID, limit)
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
