package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/lumia1998/AnuNeko/internal/metrics"
	"github.com/lumia1998/AnuNeko/internal/openai"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with rate limiting.
type Middleware struct {
	limiter *Limiter
	key     KeyFunc
	logger  *log.Logger
}

// NewMiddleware creates a rate limiting middleware. A nil key func limits by
// client address.
func NewMiddleware(limiter *Limiter, key KeyFunc, logger *log.Logger) *Middleware {
	if key == nil {
		key = ClientAddr
	}
	return &Middleware{limiter: limiter, key: key, logger: logger}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		if !m.limiter.Allow(key) {
			metrics.RecordRateLimited()
			wait := m.limiter.RetryAfter(key)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			m.addHeaders(w, key)
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: path=%s", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(openai.NewError("Rate limit exceeded. Please try again later.", openai.ErrTypeRateLimit, "rate_limit_exceeded"))
			return
		}
		m.addHeaders(w, key)
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) addHeaders(w http.ResponseWriter, key string) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.limiter.Remaining(key)))
}

// ClientAddr keys requests by remote host.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
