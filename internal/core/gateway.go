package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/lumia1998/AnuNeko/internal/backend"
	"github.com/lumia1998/AnuNeko/internal/catalog"
	"github.com/lumia1998/AnuNeko/internal/openai"
	"github.com/lumia1998/AnuNeko/internal/session"
	"github.com/lumia1998/AnuNeko/internal/translate"
)

var (
	// ErrEmptyRequest is returned for a request without messages.
	ErrEmptyRequest = errors.New("core: request has no messages")
	// ErrNoUserMessage is returned when no user message carries text.
	ErrNoUserMessage = errors.New("core: no user message")
	// ErrBackendUnavailable matches every failure to reach the backend.
	ErrBackendUnavailable = session.ErrBackendUnavailable
)

// Backend is the backend surface the gateway drives.
type Backend interface {
	session.Backend
	OpenReplyStream(ctx context.Context, conversationID, text string) (io.ReadCloser, error)
}

// ModelCatalog is the catalog surface the gateway exposes.
type ModelCatalog interface {
	Resolve(ctx context.Context, id string) (string, error)
	Lookup(ctx context.Context, id string) (catalog.Entry, bool)
	List(ctx context.Context) []catalog.Entry
	Refresh(ctx context.Context) error
	State() catalog.State
	DefaultTargetID() string
}

// Request is one completion request.
type Request struct {
	Model     string
	Messages  []openai.ChatMessage
	Identity  string
	SessionID string
}

// Completion is the result of a blocking completion. Outcome carries
// translate.ErrUnresolvedBranch or translate.ErrStreamFailed when Text is
// one of the fixed texts, or the context error when the caller gave up.
type Completion struct {
	SessionID    string
	Model        string
	BackendModel string
	Text         string
	Outcome      error
	Decision     session.Decision
}

// Stream is a streaming completion. Fragments must be drained or the
// request context cancelled.
type Stream struct {
	SessionID    string
	Model        string
	BackendModel string
	Decision     session.Decision
	Fragments    <-chan translate.Fragment
}

// Gateway composes the session registry, model catalog, backend client and
// stream translator into the completion operations.
type Gateway struct {
	backend    Backend
	models     ModelCatalog
	sessions   *session.Registry
	translator *translate.Translator
	logger     *log.Logger
}

// NewGateway creates a new Gateway instance.
func NewGateway(b Backend, models ModelCatalog, sessions *session.Registry, translator *translate.Translator) *Gateway {
	return &Gateway{
		backend:    b,
		models:     models,
		sessions:   sessions,
		translator: translator,
		logger:     log.New(log.Writer(), "[gatewayd/core] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (g *Gateway) SetLogger(logger *log.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// LastUserMessage returns the text of the last user message.
func LastUserMessage(messages []openai.ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyRequest
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") {
			text := messages[i].Content.String()
			if strings.TrimSpace(text) == "" {
				return "", ErrNoUserMessage
			}
			return text, nil
		}
	}
	return "", ErrNoUserMessage
}

// open validates req, picks the session and opens the reply stream. A nil
// body with a nil error means the backend refused the turn with an
// unresolved branch.
func (g *Gateway) open(ctx context.Context, req Request) (session.Session, session.Decision, io.ReadCloser, error) {
	text, err := LastUserMessage(req.Messages)
	if err != nil {
		return session.Session{}, "", nil, err
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.models.DefaultTargetID()
	}

	s, decision, err := g.sessions.GetOrCreate(ctx, session.Request{
		TargetModel: model,
		Messages:    req.Messages,
		Identity:    req.Identity,
		SessionID:   req.SessionID,
	})
	if err != nil {
		g.logf("session lookup failed model=%s: %v", model, err)
		return session.Session{}, decision, nil, err
	}
	s.TargetModel = model

	body, err := g.backend.OpenReplyStream(ctx, s.ConversationID, text)
	switch {
	case errors.Is(err, backend.ErrUnresolvedBranch):
		g.logf("session %s: backend refused turn with unresolved branch", s.ID)
		return s, decision, nil, nil
	case err != nil:
		g.logf("session %s: open reply stream failed: %v", s.ID, err)
		return s, decision, nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return s, decision, body, nil
}

// Complete runs one turn and returns the whole reply.
func (g *Gateway) Complete(ctx context.Context, req Request) (Completion, error) {
	s, decision, body, err := g.open(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	out := Completion{
		SessionID:    s.ID,
		Model:        s.TargetModel,
		BackendModel: s.BackendModel,
		Decision:     decision,
	}
	if body == nil {
		out.Text = translate.WarningText
		out.Outcome = translate.ErrUnresolvedBranch
		return out, nil
	}
	reply := g.translator.Collect(ctx, body)
	out.Text = reply.Text
	out.Outcome = reply.Err
	return out, nil
}

// CompleteStream runs one turn and returns its fragments as they arrive.
func (g *Gateway) CompleteStream(ctx context.Context, req Request) (*Stream, error) {
	s, decision, body, err := g.open(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &Stream{
		SessionID:    s.ID,
		Model:        s.TargetModel,
		BackendModel: s.BackendModel,
		Decision:     decision,
	}
	if body == nil {
		ch := make(chan translate.Fragment, 1)
		ch <- translate.Fragment{Text: translate.WarningText, Err: translate.ErrUnresolvedBranch}
		close(ch)
		out.Fragments = ch
		return out, nil
	}
	out.Fragments = g.translator.Stream(ctx, body)
	return out, nil
}

// Sessions lists every session.
func (g *Gateway) Sessions() []session.Summary { return g.sessions.List() }

// Session returns one session.
func (g *Gateway) Session(id string) (session.Session, bool) { return g.sessions.Get(id) }

// DeleteSession removes a session.
func (g *Gateway) DeleteSession(id string) bool { return g.sessions.Delete(id) }

// SessionCount reports the number of session records.
func (g *Gateway) SessionCount() int { return g.sessions.Len() }

// Models lists the model table, refreshing it first when empty.
func (g *Gateway) Models(ctx context.Context) []catalog.Entry { return g.models.List(ctx) }

// Model returns the entry for a target id.
func (g *Gateway) Model(ctx context.Context, id string) (catalog.Entry, bool) {
	return g.models.Lookup(ctx, id)
}

// ResolveModel maps a target id to a backend model name.
func (g *Gateway) ResolveModel(ctx context.Context, id string) (string, error) {
	return g.models.Resolve(ctx, id)
}

// RefreshModels reloads the model table from the backend.
func (g *Gateway) RefreshModels(ctx context.Context) error { return g.models.Refresh(ctx) }

// CatalogState reports the installed model table.
func (g *Gateway) CatalogState() catalog.State { return g.models.State() }
