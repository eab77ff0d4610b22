package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumia1998/AnuNeko/internal/catalog"
	"github.com/lumia1998/AnuNeko/internal/core"
	"github.com/lumia1998/AnuNeko/internal/ledger"
	"github.com/lumia1998/AnuNeko/internal/metrics"
	"github.com/lumia1998/AnuNeko/internal/openai"
	"github.com/lumia1998/AnuNeko/internal/session"
	"github.com/lumia1998/AnuNeko/internal/translate"
)

const (
	modeBlocking = "blocking"
	modeStream   = "stream"

	maxRequestBody = 4 << 20
)

// HandleChatCompletions is the public entry point registered on the router.
func (s *Server) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleChatCompletions(w, r)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	done := metrics.TrackInFlight()
	defer done()

	mode := modeBlocking
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		metrics.RecordRequest(mode, "invalid", time.Since(reqStart))
		s.respondError(w, http.StatusBadRequest, openai.ErrTypeInvalidRequest, "invalid_body", "Could not read request body.")
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.RecordRequest(mode, "invalid", time.Since(reqStart))
		s.respondError(w, http.StatusBadRequest, openai.ErrTypeInvalidRequest, "invalid_json", "Request body is not valid JSON: "+err.Error())
		return
	}
	if req.Stream {
		mode = modeStream
	}

	creq := core.Request{
		Model:     req.Model,
		Messages:  req.Messages,
		Identity:  identityFromRequest(r),
		SessionID: firstNonEmpty(req.SessionID, r.Header.Get(headerSessionID)),
	}
	s.debugf("chat.completions model=%q stream=%v messages=%d session=%q", req.Model, req.Stream, len(req.Messages), creq.SessionID)

	if req.Stream {
		s.handleChatStream(w, r, reqStart, creq)
		return
	}

	c, err := s.gateway.Complete(r.Context(), creq)
	if err != nil {
		outcome := s.respondCompletionError(w, err)
		metrics.RecordRequest(mode, outcome, time.Since(reqStart))
		return
	}
	outcome := outcomeLabel(c.Outcome)
	if isCancellation(c.Outcome) {
		s.logf("chat.completions session=%s client went away after %dms", c.SessionID, time.Since(reqStart).Milliseconds())
		s.recordUsage(r.Context(), creq, c.SessionID, c.Model, c.BackendModel, mode, outcome, c.Text)
		metrics.RecordRequest(mode, outcome, time.Since(reqStart))
		return
	}

	promptChars := openai.PromptChars(creq.Messages)
	usage := openai.UsageBreakdown{
		PromptTokens:     openai.EstimateTokens(promptChars),
		CompletionTokens: openai.EstimateTokens(openai.TextChars(c.Text)),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	w.Header().Set(headerSessionID, c.SessionID)
	s.respondJSON(w, http.StatusOK, openai.NewCompletionResponse(c.Model, c.Text, c.SessionID, usage))

	s.recordUsage(r.Context(), creq, c.SessionID, c.Model, c.BackendModel, mode, outcome, c.Text)
	metrics.RecordRequest(mode, outcome, time.Since(reqStart))
	s.logf("chat.completions total_ms=%d session=%s decision=%s model=%s outcome=%s",
		time.Since(reqStart).Milliseconds(), c.SessionID, c.Decision, c.Model, outcome)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, reqStart time.Time, creq core.Request) {
	st, err := s.gateway.CompleteStream(r.Context(), creq)
	if err != nil {
		outcome := s.respondCompletionError(w, err)
		metrics.RecordRequest(modeStream, outcome, time.Since(reqStart))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(headerSessionID, st.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	builder := openai.NewChunkBuilder(st.Model, st.SessionID)
	broken := false
	emit := func(chunk openai.ChatCompletionChunk) {
		if broken {
			return
		}
		payload, err := json.Marshal(chunk)
		if err == nil {
			_, err = io.WriteString(w, "data: "+string(payload)+"\n\n")
		}
		if err != nil {
			// Keep draining so the translator can finish its confirmation.
			broken = true
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(builder.Delta(openai.ChatMessageDelta{Role: "assistant"}))

	var (
		text         strings.Builder
		outcomeErr   error
		firstDeltaAt time.Time
	)
	for f := range st.Fragments {
		if f.Err != nil {
			outcomeErr = f.Err
		}
		if firstDeltaAt.IsZero() {
			firstDeltaAt = time.Now()
		}
		text.WriteString(f.Text)
		emit(builder.Delta(openai.ChatMessageDelta{Content: f.Text}))
	}
	if outcomeErr == nil && r.Context().Err() != nil {
		outcomeErr = r.Context().Err()
	}
	outcome := outcomeLabel(outcomeErr)

	if !isCancellation(outcomeErr) {
		emit(builder.Finish("stop"))
		if !broken {
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	s.recordUsage(r.Context(), creq, st.SessionID, st.Model, st.BackendModel, modeStream, outcome, text.String())
	metrics.RecordRequest(modeStream, outcome, time.Since(reqStart))

	ttfb := time.Duration(0)
	if !firstDeltaAt.IsZero() {
		ttfb = firstDeltaAt.Sub(reqStart)
	}
	s.logf("chat.completions.stream total_ms=%d ttfb_ms=%d session=%s decision=%s model=%s outcome=%s",
		time.Since(reqStart).Milliseconds(), ttfb.Milliseconds(), st.SessionID, st.Decision, st.Model, outcome)
}

// respondCompletionError maps gateway errors onto HTTP responses and returns
// the metrics outcome label.
func (s *Server) respondCompletionError(w http.ResponseWriter, err error) string {
	switch {
	case errors.Is(err, core.ErrEmptyRequest):
		s.respondError(w, http.StatusBadRequest, openai.ErrTypeInvalidRequest, "invalid_messages", "messages must contain at least one message.")
		return "invalid"
	case errors.Is(err, core.ErrNoUserMessage):
		s.respondError(w, http.StatusBadRequest, openai.ErrTypeInvalidRequest, "invalid_messages", "messages must contain a non-empty user message.")
		return "invalid"
	case errors.Is(err, catalog.ErrModelNotFound):
		s.respondError(w, http.StatusNotFound, openai.ErrTypeInvalidRequest, "model_not_found", "No models are available from the backend.")
		return "not_found"
	case errors.Is(err, core.ErrBackendUnavailable):
		s.logf("backend unavailable: %v", err)
		s.respondError(w, http.StatusBadGateway, openai.ErrTypeServer, "backend_unavailable", "The AnuNeko backend is unavailable, please retry later.")
		return "unavailable"
	case isCancellation(err):
		return "cancelled"
	default:
		s.logf("chat.completions failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, openai.ErrTypeServer, "internal_error", "Internal server error.")
		return "error"
	}
}

// recordUsage appends one ledger row for the finished turn. It runs detached
// from the request context so a disconnected client is still accounted.
func (s *Server) recordUsage(ctx context.Context, req core.Request, sessionID, model, backendModel, mode, outcome, text string) {
	if s.cfg.Ledger == nil || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	promptChars := openai.PromptChars(req.Messages)
	entry := ledger.Entry{
		SessionID:        sessionID,
		IdentityHash:     session.HashIdentity(req.Identity),
		TargetModel:      model,
		BackendModel:     backendModel,
		Mode:             mode,
		Outcome:          outcome,
		PromptChars:      int64(promptChars),
		CompletionChars:  int64(openai.TextChars(text)),
		PromptTokens:     int64(openai.EstimateTokens(promptChars)),
		CompletionTokens: int64(openai.EstimateTokens(openai.TextChars(text))),
	}
	if err := s.cfg.Ledger.Record(ctx, entry); err != nil {
		s.logf("ledger record failed session=%s: %v", sessionID, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, translate.ErrUnresolvedBranch):
		return "unresolved_branch"
	case errors.Is(err, translate.ErrStreamFailed):
		return "stream_failed"
	case isCancellation(err):
		return "cancelled"
	default:
		return "error"
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
