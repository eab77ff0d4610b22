package httpserver

import (
	"net/http"
	"time"

	"github.com/lumia1998/AnuNeko/internal/health"
	"github.com/lumia1998/AnuNeko/internal/metrics"
	"github.com/lumia1998/AnuNeko/internal/version"
)

// HandleRoot serves the welcome document.
func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message": "Welcome to the AnuNeko OpenAI-compatible API server",
		"version": version.Version,
		"build":   version.Current(),
		"endpoints": map[string]string{
			"chat":     "POST /v1/chat/completions",
			"models":   "GET /v1/models",
			"sessions": "GET /sessions",
			"health":   "GET /health",
			"metrics":  "GET /metrics",
		},
	})
}

// HandleHealth reports liveness plus component checks. Only an unhealthy
// status maps to 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := health.HealthStatus{Status: health.StatusHealthy, Timestamp: time.Now()}
	if s.cfg.Health != nil {
		status = s.cfg.Health.Check(r.Context())
	}
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]any{
		"status":         status.Status,
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"sessions":       s.gateway.SessionCount(),
		"catalog":        s.gateway.CatalogState(),
		"components":     status.Components,
	})
}

func (s *Server) metricsHandler() http.Handler {
	return metrics.Handler()
}
