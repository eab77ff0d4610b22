package core

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"

	"github.com/lumia1998/AnuNeko/internal/backend"
	"github.com/lumia1998/AnuNeko/internal/catalog"
	"github.com/lumia1998/AnuNeko/internal/openai"
	"github.com/lumia1998/AnuNeko/internal/session"
	"github.com/lumia1998/AnuNeko/internal/testutil"
	"github.com/lumia1998/AnuNeko/internal/translate"
)

func newTestGateway(t *testing.T) (*Gateway, *testutil.FakeBackend) {
	t.Helper()
	fake := testutil.NewFakeBackend(t)
	fake.SetModels("Orange Cat", "Orange Cat", "Exotic Shorthair")

	client, err := backend.New(backend.Config{Token: "tok", BaseURL: fake.URL})
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	models := catalog.New(client, catalog.Config{})
	sessions := session.New(client, models, session.Config{NewConversationThreshold: 1})
	t.Cleanup(sessions.Close)
	tr := translate.New(translate.Config{Confirmer: client})

	g := NewGateway(client, models, sessions, tr)
	g.SetLogger(log.New(io.Discard, "", 0))
	return g, fake
}

func msgs(pairs ...string) []openai.ChatMessage {
	out := make([]openai.ChatMessage, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, openai.ChatMessage{Role: pairs[i], Content: openai.MessageContent(pairs[i+1])})
	}
	return out
}

func TestLastUserMessage(t *testing.T) {
	cases := []struct {
		name string
		in   []openai.ChatMessage
		want string
		err  error
	}{
		{"empty", nil, "", ErrEmptyRequest},
		{"no user", msgs("system", "be nice"), "", ErrNoUserMessage},
		{"blank user", msgs("user", "   "), "", ErrNoUserMessage},
		{"last wins", msgs("user", "a", "assistant", "b", "user", "c"), "c", nil},
		{"trailing assistant", msgs("user", "a", "assistant", "b"), "a", nil},
	}
	for _, tc := range cases {
		got, err := LastUserMessage(tc.in)
		if !errors.Is(err, tc.err) || got != tc.want {
			t.Errorf("%s: got %q, %v; want %q, %v", tc.name, got, err, tc.want, tc.err)
		}
	}
}

func TestCompleteEndToEnd(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStream(`data: {"msg_id":"m1","v":"He"}`, `data: {"v":"llo"}`)

	got, err := g.Complete(context.Background(), Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text != "Hello" || got.Outcome != nil {
		t.Fatalf("unexpected completion %+v", got)
	}
	if got.BackendModel != "Orange Cat" || got.Decision != session.DecisionNoSession || got.SessionID == "" {
		t.Fatalf("unexpected metadata %+v", got)
	}
	if c := fake.Confirms(); len(c) != 1 || c[0].MsgID != "m1" {
		t.Fatalf("expected confirmation of m1, got %+v", c)
	}
	if m := fake.Messages(); len(m) != 1 || m[0].ConversationID != "conv-1" || m[0].Contents[0] != "hi" {
		t.Fatalf("unexpected backend message %+v", m)
	}
}

func TestCompleteValidatesBeforeBackend(t *testing.T) {
	g, fake := newTestGateway(t)
	if _, err := g.Complete(context.Background(), Request{Model: "x"}); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
	if _, err := g.Complete(context.Background(), Request{Model: "x", Messages: msgs("system", "s")}); !errors.Is(err, ErrNoUserMessage) {
		t.Fatalf("expected ErrNoUserMessage, got %v", err)
	}
	if n := len(fake.Tokens()); n != 0 {
		t.Fatalf("expected no backend calls, got %d", n)
	}
}

func TestCompleteReusesSession(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStream(`data: {"v":"ok"}`)
	ctx := context.Background()

	first, err := g.Complete(ctx, Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi"), Identity: "sk-1"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := g.Complete(ctx, Request{Model: "mihoyo-exotic_shorthair", Messages: msgs("user", "hi", "assistant", "ok", "user", "more"), Identity: "sk-1"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.SessionID != first.SessionID || second.Decision != session.DecisionReuse {
		t.Fatalf("expected reuse, got %+v", second)
	}
	if second.BackendModel != "Exotic Shorthair" || second.Model != "mihoyo-exotic_shorthair" {
		t.Fatalf("expected model switch, got %+v", second)
	}
	if len(fake.Created()) != 1 {
		t.Fatalf("expected one conversation, got %v", fake.Created())
	}
}

func TestCompleteUnresolvedBranchAtOpen(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStreamError(http.StatusBadRequest, `{"code":"chat_choice_shown"}`)

	got, err := g.Complete(context.Background(), Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text != translate.WarningText || !errors.Is(got.Outcome, translate.ErrUnresolvedBranch) {
		t.Fatalf("expected warning, got %+v", got)
	}
}

func TestCompleteUnresolvedBranchInStream(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStream(`{"code":"chat_choice_shown"}`)

	got, err := g.Complete(context.Background(), Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text != translate.WarningText {
		t.Fatalf("expected warning text, got %q", got.Text)
	}
}

func TestCompleteBackendUnavailable(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.FailCreate(true)
	_, err := g.Complete(context.Background(), Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}

	fake.FailCreate(false)
	fake.SetStreamError(http.StatusServiceUnavailable, "busy")
	_, err = g.Complete(context.Background(), Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if !errors.Is(err, ErrBackendUnavailable) || !errors.Is(err, backend.ErrUnavailable) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

func TestCompleteStream(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStream(`data: {"c":[{"v":"A"},{"v":"X","c":1}]}`, `data: {"msg_id":"m9","v":"B"}`)

	st, err := g.CompleteStream(context.Background(), Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	var got []string
	for f := range st.Fragments {
		if f.Err != nil {
			t.Fatalf("unexpected fragment error %v", f.Err)
		}
		got = append(got, f.Text)
	}
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("unexpected fragments %v", got)
	}
	if st.SessionID == "" || st.Model != "mihoyo-orange_cat" {
		t.Fatalf("unexpected stream metadata %+v", st)
	}
	if c := fake.Confirms(); len(c) != 1 || c[0].MsgID != "m9" {
		t.Fatalf("expected confirmation, got %+v", c)
	}
}

func TestCompleteStreamUnresolvedAtOpen(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStreamError(http.StatusBadRequest, `{"code":"chat_choice_shown"}`)

	st, err := g.CompleteStream(context.Background(), Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	var frags []translate.Fragment
	for f := range st.Fragments {
		frags = append(frags, f)
	}
	if len(frags) != 1 || !errors.Is(frags[0].Err, translate.ErrUnresolvedBranch) {
		t.Fatalf("expected a single warning fragment, got %+v", frags)
	}
}

func TestEmptyModelUsesDefault(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStream(`data: {"v":"ok"}`)
	got, err := g.Complete(context.Background(), Request{Messages: msgs("user", "hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Model != "mihoyo-orange_cat" || got.BackendModel != "Orange Cat" {
		t.Fatalf("unexpected defaults %+v", got)
	}
}

func TestIntrospection(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.SetStream(`data: {"v":"ok"}`)
	ctx := context.Background()

	c, err := g.Complete(ctx, Request{Model: "mihoyo-orange_cat", Messages: msgs("user", "hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if list := g.Sessions(); len(list) != 1 || list[0].ID != c.SessionID {
		t.Fatalf("unexpected sessions %+v", list)
	}
	if _, ok := g.Session(c.SessionID); !ok {
		t.Fatal("session not found")
	}
	if !g.DeleteSession(c.SessionID) || g.SessionCount() != 0 {
		t.Fatal("delete failed")
	}

	if models := g.Models(ctx); len(models) != 2 {
		t.Fatalf("unexpected models %+v", models)
	}
	if e, ok := g.Model(ctx, "mihoyo-exotic_shorthair"); !ok || e.BackendName != "Exotic Shorthair" {
		t.Fatalf("unexpected model lookup %+v", e)
	}
	if name, err := g.ResolveModel(ctx, "unknown"); err != nil || name != "Orange Cat" {
		t.Fatalf("ResolveModel = %q, %v", name, err)
	}
	fake.SetModels("Calico", "Calico")
	if err := g.RefreshModels(ctx); err != nil {
		t.Fatalf("RefreshModels: %v", err)
	}
	if st := g.CatalogState(); st.Entries != 1 || st.BackendDefault != "Calico" {
		t.Fatalf("unexpected state %+v", st)
	}
}
