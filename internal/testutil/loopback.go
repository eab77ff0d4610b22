package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// IPv4Server is an HTTP server on 127.0.0.1 with an ephemeral port. Some CI
// sandboxes have no IPv6 loopback, which httptest.NewServer may pick.
type IPv4Server struct {
	URL string

	server    *http.Server
	transport *http.Transport
	client    *http.Client
	hits      atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewIPv4Server serves handler until Close or the end of the test. The test
// is skipped when no IPv4 loopback is available.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp4 loopback unavailable: %v", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: 10 * time.Second},
		done:      make(chan struct{}),
	}
	s.server = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.hits.Add(1)
			handler.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		defer close(s.done)
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("loopback server: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns a client bound to the server's transport.
func (s *IPv4Server) Client() *http.Client { return s.client }

// Hits reports how many requests reached the handler.
func (s *IPv4Server) Hits() int64 { return s.hits.Load() }

// Close stops the server and waits for the serve loop. It may be called more
// than once; a closed server refuses connections, which tests use to
// simulate an unreachable backend.
func (s *IPv4Server) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			_ = s.server.Close()
		}
		s.transport.CloseIdleConnections()
		<-s.done
	})
}
