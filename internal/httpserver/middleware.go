package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumia1998/AnuNeko/internal/ratelimit"
	"github.com/lumia1998/AnuNeko/internal/session"
)

const (
	headerSessionID = "X-Session-ID"
	headerAPIKey    = "X-API-Key"
)

// requestLogger logs one line per request on the server logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logf("%s %s status=%d bytes=%d dur_ms=%d req_id=%s remote=%s",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
			time.Since(start).Milliseconds(), middleware.GetReqID(r.Context()), r.RemoteAddr)
	})
}

// cors answers preflight requests and stamps CORS headers. An empty list or
// "*" allows every origin.
func cors(allowed []string) func(http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			if origin != "" {
				switch {
				case allowAll:
					h.Set("Access-Control-Allow-Origin", "*")
				default:
					if _, ok := set[strings.TrimRight(origin, "/")]; ok {
						h.Set("Access-Control-Allow-Origin", origin)
						h.Add("Vary", "Origin")
					}
				}
				h.Set("Access-Control-Expose-Headers", "X-Session-ID, X-Request-Id")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Session-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identityFromRequest returns the caller's opaque key from a bearer token,
// falling back to X-API-Key. Other Authorization schemes are ignored. It is
// used for session binding only, never verified.
func identityFromRequest(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		if token := strings.TrimSpace(auth[7:]); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.Header.Get(headerAPIKey))
}

// limitKey keys the limiter by hashed identity, or by client address for
// anonymous callers.
func limitKey(r *http.Request) string {
	if id := identityFromRequest(r); id != "" {
		return "id:" + session.HashIdentity(id)
	}
	return "ip:" + ratelimit.ClientAddr(r)
}

func newLimitMiddleware(s *Server, l *ratelimit.Limiter) *ratelimit.Middleware {
	return ratelimit.NewMiddleware(l, limitKey, s.logger.Logger)
}
