package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumia1998/AnuNeko/internal/catalog"
	"github.com/lumia1998/AnuNeko/internal/openai"
)

// HandleModels lists the catalog after asking the backend for a fresh list.
// A failed refresh still serves the installed table.
func (s *Server) HandleModels(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	if err := s.gateway.RefreshModels(r.Context()); err != nil {
		s.logf("models refresh failed, serving installed table: %v", err)
	}
	entries := s.gateway.Models(r.Context())
	created := s.modelsCreated()
	models := make([]openai.Model, 0, len(entries))
	for _, e := range entries {
		models = append(models, s.toModel(e, created))
	}
	s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(models))
	s.debugf("models total_ms=%d count=%d", time.Since(reqStart).Milliseconds(), len(models))
}

// HandleModel returns a single catalog entry.
func (s *Server) HandleModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "model")
	e, ok := s.gateway.Model(r.Context(), id)
	if !ok {
		resp := openai.NewError("The model '"+id+"' does not exist", openai.ErrTypeInvalidRequest, "model_not_found")
		resp.Error.Param = "model"
		s.respondJSON(w, http.StatusNotFound, resp)
		return
	}
	s.respondJSON(w, http.StatusOK, s.toModel(e, s.modelsCreated()))
}

func (s *Server) toModel(e catalog.Entry, created int64) openai.Model {
	m := openai.NewModel(e.ID, s.cfg.OwnedBy, created)
	m.BackendModel = e.BackendName
	m.BackendIndex = e.Index
	return m
}

func (s *Server) modelsCreated() int64 {
	if at := s.gateway.CatalogState().RefreshedAt; !at.IsZero() {
		return at.Unix()
	}
	return s.started.Unix()
}
