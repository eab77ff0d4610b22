package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumia1998/AnuNeko/internal/catalog"
	"github.com/lumia1998/AnuNeko/internal/core"
	"github.com/lumia1998/AnuNeko/internal/health"
	"github.com/lumia1998/AnuNeko/internal/ledger"
	"github.com/lumia1998/AnuNeko/internal/logging"
	"github.com/lumia1998/AnuNeko/internal/openai"
	"github.com/lumia1998/AnuNeko/internal/ratelimit"
	"github.com/lumia1998/AnuNeko/internal/session"
)

// GatewayFacade describes the gateway methods required by the HTTP layer.
type GatewayFacade interface {
	Complete(ctx context.Context, req core.Request) (core.Completion, error)
	CompleteStream(ctx context.Context, req core.Request) (*core.Stream, error)

	Sessions() []session.Summary
	Session(id string) (session.Session, bool)
	DeleteSession(id string) bool
	SessionCount() int

	Models(ctx context.Context) []catalog.Entry
	Model(ctx context.Context, id string) (catalog.Entry, bool)
	RefreshModels(ctx context.Context) error
	CatalogState() catalog.State
}

// Config wires optional collaborators into the server.
type Config struct {
	// Ledger records per-turn usage; nil disables recording and the usage route.
	Ledger ledger.Store
	// Health runs component checks for /health; nil reports only local state.
	Health *health.Checker
	// Limiter throttles /v1/chat/completions per identity; nil disables it.
	Limiter *ratelimit.Limiter

	CORSAllowedOrigins []string
	// OwnedBy is reported on /v1/models entries (default "anuneko").
	OwnedBy string
}

// Server exposes the OpenAI-compatible REST surface of the gateway.
type Server struct {
	gateway GatewayFacade
	cfg     Config
	started time.Time

	logger *logging.Leveled
}

// New creates a server around gateway.
func New(gateway GatewayFacade, cfg Config) *Server {
	if cfg.OwnedBy == "" {
		cfg.OwnedBy = "anuneko"
	}
	return &Server{
		gateway: gateway,
		cfg:     cfg,
		started: time.Now(),
		logger:  logging.NewLeveled(log.New(io.Discard, "", 0), false),
	}
}

// SetLogger overrides the server logger; nil keeps the current logger.
func (s *Server) SetLogger(logger *logging.Leveled) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) logf(format string, args ...any) {
	s.logger.Printf(format, args...)
}

func (s *Server) debugf(format string, args ...any) {
	s.logger.Debugf(format, args...)
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r,
		newRootEndpoint(s),
		newHealthEndpoint(s),
		newOpenAIEndpoint(s),
		newSessionsEndpoint(s),
	)
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.CORSAllowedOrigins))
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the OpenAI error envelope.
func (s *Server) respondError(w http.ResponseWriter, status int, errType, code, message string) {
	s.respondJSON(w, status, openai.NewError(message, errType, code))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, http.StatusNotFound, openai.ErrTypeInvalidRequest, "not_found",
		"Unknown request URL: "+r.Method+" "+r.URL.Path)
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, http.StatusMethodNotAllowed, openai.ErrTypeInvalidRequest, "method_not_allowed",
		"Method "+r.Method+" is not allowed on "+r.URL.Path)
}
