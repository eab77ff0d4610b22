package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lumia1998/AnuNeko/internal/ledger"
	"github.com/lumia1998/AnuNeko/internal/openai"
)

// HandleListSessions lists every session, most recently used first.
func (s *Server) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.gateway.Sessions()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"total":    len(list),
	})
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.gateway.Session(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, openai.ErrTypeInvalidRequest, "session_not_found", "Session "+id+" does not exist")
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.gateway.DeleteSession(id) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "Session not found"})
		return
	}
	s.logf("session deleted id=%s", id)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Session deleted"})
}

// HandleSessionUsage reports ledger rows for a session. Rows outlive the
// in-memory session, so an unknown session id is not an error.
func (s *Server) HandleSessionUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.respondError(w, http.StatusNotImplemented, openai.ErrTypeInvalidRequest, "ledger_disabled", "Usage ledger is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, openai.ErrTypeInvalidRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	summary, err := s.cfg.Ledger.Summary(r.Context(), id)
	if err == nil {
		var entries []ledger.Entry
		entries, err = s.cfg.Ledger.ListBySession(r.Context(), id, limit)
		if err == nil {
			if entries == nil {
				entries = []ledger.Entry{}
			}
			s.respondJSON(w, http.StatusOK, map[string]any{
				"session_id": id,
				"summary":    summary,
				"entries":    entries,
			})
			return
		}
	}
	if errors.Is(err, ledger.ErrMissingSession) {
		s.respondError(w, http.StatusBadRequest, openai.ErrTypeInvalidRequest, "invalid_session", "session id required")
		return
	}
	s.logf("ledger query failed session=%s: %v", id, err)
	s.respondError(w, http.StatusInternalServerError, openai.ErrTypeServer, "ledger_error", "Could not read usage ledger")
}
