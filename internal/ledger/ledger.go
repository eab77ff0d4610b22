package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrMissingSession is returned when an entry has no session id.
var ErrMissingSession = errors.New("ledger: session id required")

// Entry represents one completed turn written to the usage ledger.
// It never carries conversation content or raw identity keys.
type Entry struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	IdentityHash     string    `json:"identity_hash,omitempty"`
	TargetModel      string    `json:"model"`
	BackendModel     string    `json:"anuneko_model"`
	Mode             string    `json:"mode"`
	Outcome          string    `json:"outcome"`
	PromptChars      int64     `json:"prompt_chars"`
	CompletionChars  int64     `json:"completion_chars"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates usage for one session.
type Summary struct {
	Turns            int64 `json:"turns"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	PromptChars      int64 `json:"prompt_chars"`
	CompletionChars  int64 `json:"completion_chars"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, sessionID string) (Summary, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// BatchRecorder is implemented by stores that write several entries in one
// transaction. All entries are written or none.
type BatchRecorder interface {
	RecordBatch(ctx context.Context, entries []Entry) error
}

// Normalize validates an entry and fills CreatedAt.
func Normalize(entry Entry) (Entry, error) {
	if entry.SessionID == "" {
		return entry, ErrMissingSession
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

// Finish fills TotalTokens.
func (s Summary) Finish() Summary {
	s.TotalTokens = s.PromptTokens + s.CompletionTokens
	return s
}
