package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumia1998/AnuNeko/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordAndSummary(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	record := func(session string, prompt, completion int64) {
		if err := store.Record(ctx, ledger.Entry{
			SessionID:        session,
			TargetModel:      "mihoyo-orange_cat",
			BackendModel:     "Orange Cat",
			Mode:             "aggregate",
			Outcome:          "ok",
			PromptChars:      prompt * 4,
			CompletionChars:  completion * 4,
			PromptTokens:     prompt,
			CompletionTokens: completion,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	record("s1", 100, 50)
	record("s1", 60, 20)
	record("s2", 1, 1)

	summary, err := store.Summary(ctx, "s1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Turns != 2 || summary.PromptTokens != 160 || summary.CompletionTokens != 70 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.TotalTokens != 230 || summary.PromptChars != 640 {
		t.Fatalf("unexpected totals %+v", summary)
	}

	empty, err := store.Summary(ctx, "missing")
	if err != nil || empty.Turns != 0 {
		t.Fatalf("unexpected empty summary %+v %v", empty, err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestListBySessionOrdering(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now()
	entries := []ledger.Entry{
		{SessionID: "s", PromptTokens: 1, CreatedAt: now.Add(-2 * time.Hour)},
		{SessionID: "s", PromptTokens: 2, CreatedAt: now.Add(-1 * time.Hour)},
		{SessionID: "s", PromptTokens: 3, CreatedAt: now},
		{SessionID: "other", PromptTokens: 9, CreatedAt: now},
	}
	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.ListBySession(ctx, "s", 2)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].PromptTokens != 3 || recent[1].PromptTokens != 2 {
		t.Fatalf("unexpected ordering %#v", recent)
	}
}

func TestRecordValidation(t *testing.T) {
	store := newStore(t)
	if err := store.Record(context.Background(), ledger.Entry{}); !errors.Is(err, ledger.ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
	if _, err := store.ListBySession(context.Background(), "", 0); !errors.Is(err, ledger.ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
}

func TestRecordBatchIsAtomic(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	batch := []ledger.Entry{
		{SessionID: "s1", PromptTokens: 1, CompletionTokens: 2},
		{SessionID: "s1", PromptTokens: 3, CompletionTokens: 4},
	}
	if err := store.RecordBatch(ctx, batch); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	sum, err := store.Summary(ctx, "s1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Turns != 2 || sum.TotalTokens != 10 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	bad := []ledger.Entry{{SessionID: "s2"}, {}}
	if err := store.RecordBatch(ctx, bad); !errors.Is(err, ledger.ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
	sum, err = store.Summary(ctx, "s2")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Turns != 0 {
		t.Fatalf("partial batch was committed: %+v", sum)
	}
	if err := store.RecordBatch(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}
