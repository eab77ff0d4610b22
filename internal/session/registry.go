// Package session keeps caller conversations bound to backend conversations.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumia1998/AnuNeko/internal/metrics"
	"github.com/lumia1998/AnuNeko/internal/openai"
)

// ErrBackendUnavailable is returned when a backend conversation could not be created.
var ErrBackendUnavailable = errors.New("session: backend unavailable")

// Backend is the part of the backend client the registry drives.
type Backend interface {
	CreateConversation(ctx context.Context, model string) (string, error)
	SwitchModel(ctx context.Context, conversationID, model string) bool
}

// Resolver maps a target model id to a backend model name.
type Resolver interface {
	Resolve(ctx context.Context, targetModel string) (string, error)
}

// Decision records why a session was reused or created.
type Decision string

const (
	DecisionReuse        Decision = "reuse"
	DecisionNoSession    Decision = "new:no_session"
	DecisionExpired      Decision = "new:expired"
	DecisionShortHistory Decision = "new:short_history"
)

// IsNew reports whether the decision created a conversation.
func (d Decision) IsNew() bool { return d != DecisionReuse && d != "" }

// Config configures a Registry.
type Config struct {
	TTL time.Duration // default 2h
	// NewConversationThreshold starts a new conversation when the request
	// carries at most this many user/assistant messages. The value is used as
	// given; a negative value disables the rule.
	NewConversationThreshold int
	SweepInterval            time.Duration // 0 disables reclamation
	Logger                   *log.Logger
	Now                      func() time.Time
}

// Session is a snapshot of one conversation record.
type Session struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"anuneko_chat_id"`
	BackendModel   string    `json:"anuneko_model"`
	TargetModel    string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used"`
	Superseded     bool      `json:"superseded"`
	identity       string
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"session_id"`
	BackendModel string    `json:"anuneko_model"`
	TargetModel  string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used"`
	Superseded   bool      `json:"superseded"`
	Bound        bool      `json:"bound"`
}

// Request carries what the registry needs from a completion request.
type Request struct {
	TargetModel string
	Messages    []openai.ChatMessage
	// Identity is the caller's opaque key; it is hashed before storage.
	Identity  string
	SessionID string
}

// Registry owns every session record and identity binding.
type Registry struct {
	backend   Backend
	resolver  Resolver
	ttl       time.Duration
	threshold int
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	bindings map[string]string // identity hash -> session id

	locks keyedMutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Registry and starts the reclamation sweep when enabled.
func New(b Backend, r Resolver, cfg Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	reg := &Registry{
		backend:   b,
		resolver:  r,
		ttl:       ttl,
		threshold: cfg.NewConversationThreshold,
		logger:    logger,
		now:       now,
		sessions:  make(map[string]*Session),
		bindings:  make(map[string]string),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go reg.sweepLoop(cfg.SweepInterval)
	} else {
		close(reg.done)
	}
	return reg
}

// HashIdentity returns the stored form of an identity key.
func HashIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// CountTurns counts user and assistant messages.
func CountTurns(messages []openai.ChatMessage) int {
	n := 0
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "user", "assistant":
			n++
		}
	}
	return n
}

// GetOrCreate returns the session a request should use, creating a backend
// conversation when the request starts a new one. Calls for the same
// identity are serialised.
func (r *Registry) GetOrCreate(ctx context.Context, req Request) (Session, Decision, error) {
	backendModel, err := r.resolver.Resolve(ctx, req.TargetModel)
	if err != nil {
		return Session{}, "", err
	}

	idKey := HashIdentity(req.Identity)
	switch {
	case idKey != "":
		defer r.locks.Lock("id:" + idKey)()
	case req.SessionID != "":
		defer r.locks.Lock("sid:" + req.SessionID)()
	}

	cand, ok := r.candidate(idKey, req.SessionID)
	if ok && idKey != "" {
		// Identity-less callers address the same record by session id;
		// serialize with them before touching it. Locks are taken id then sid.
		defer r.locks.Lock("sid:" + cand.ID)()
		cand, ok = r.candidate(idKey, req.SessionID)
	}
	now := r.now()
	decision := r.decide(cand, ok, req.Messages, now)
	metrics.RecordSessionDecision(string(decision))

	if decision == DecisionReuse {
		if s, ok := r.reuse(ctx, cand.ID, idKey, backendModel, req.TargetModel, now); ok {
			r.logger.Printf("session reuse id=%s identity=%s model=%q", s.ID, shortKey(idKey), s.BackendModel)
			return s, decision, nil
		}
		// Removed between decision and reuse.
		decision = DecisionNoSession
	}

	s, err := r.create(ctx, idKey, backendModel, req.TargetModel)
	if err != nil {
		return Session{}, decision, err
	}
	r.logger.Printf("session %s id=%s identity=%s conversation=%s model=%q", decision, s.ID, shortKey(idKey), s.ConversationID, s.BackendModel)
	return s, decision, nil
}

// candidate prefers the identity's bound session, then the named session.
// Superseded sessions are never candidates.
func (r *Registry) candidate(idKey, sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idKey != "" {
		if id, ok := r.bindings[idKey]; ok {
			if s, ok := r.sessions[id]; ok && !s.Superseded {
				return *s, true
			}
		}
	}
	if sessionID != "" {
		if s, ok := r.sessions[sessionID]; ok && !s.Superseded {
			return *s, true
		}
	}
	return Session{}, false
}

func (r *Registry) decide(cand Session, ok bool, messages []openai.ChatMessage, now time.Time) Decision {
	switch {
	case !ok:
		return DecisionNoSession
	case now.Sub(cand.LastUsedAt) > r.ttl:
		return DecisionExpired
	case r.threshold >= 0 && CountTurns(messages) <= r.threshold:
		return DecisionShortHistory
	default:
		return DecisionReuse
	}
}

func (r *Registry) reuse(ctx context.Context, id, idKey, backendModel, targetModel string, now time.Time) (Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	s.LastUsedAt = now
	if idKey != "" && s.identity == "" {
		s.identity = idKey
		r.bindings[idKey] = s.ID
	}
	conversationID := s.ConversationID
	needSwitch := s.BackendModel != backendModel
	if !needSwitch {
		s.TargetModel = targetModel
	}
	r.mu.Unlock()

	if needSwitch {
		switched := r.backend.SwitchModel(ctx, conversationID, backendModel)
		if !switched {
			r.logger.Printf("session %s: switch to %q failed, keeping current model", id, backendModel)
		}
		r.mu.Lock()
		if cur, ok := r.sessions[id]; ok && switched {
			cur.BackendModel = backendModel
			cur.TargetModel = targetModel
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok {
		return *cur, true
	}
	// Deleted during the switch; the caller still holds a usable snapshot.
	out := *s
	return out, true
}

func (r *Registry) create(ctx context.Context, idKey, backendModel, targetModel string) (Session, error) {
	conversationID, err := r.backend.CreateConversation(ctx, backendModel)
	if err != nil {
		r.logger.Printf("create conversation model=%q failed: %v", backendModel, err)
		return Session{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if !r.backend.SwitchModel(ctx, conversationID, backendModel) {
		r.logger.Printf("conversation %s: bind model %q failed", conversationID, backendModel)
	}

	now := r.now()
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		BackendModel:   backendModel,
		TargetModel:    targetModel,
		CreatedAt:      now,
		LastUsedAt:     now,
		identity:       idKey,
	}

	r.mu.Lock()
	if idKey != "" {
		if prev, ok := r.sessions[r.bindings[idKey]]; ok {
			prev.Superseded = true
		}
		r.bindings[idKey] = s.ID
	}
	r.sessions[s.ID] = s
	out := *s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.SetLiveSessions(n)
	return out, nil
}

// Get returns a snapshot of the session with id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns every session, most recently used first.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Summary{
			ID:           s.ID,
			BackendModel: s.BackendModel,
			TargetModel:  s.TargetModel,
			CreatedAt:    s.CreatedAt,
			LastUsedAt:   s.LastUsedAt,
			Superseded:   s.Superseded,
			Bound:        s.identity != "" && r.bindings[s.identity] == s.ID,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out
}

// Len reports the number of session records held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Delete removes the session and any binding to it. It reports whether a
// record was removed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		r.remove(s)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if ok {
		metrics.SetLiveSessions(n)
		r.logger.Printf("session %s deleted", id)
	}
	return ok
}

// remove must be called with r.mu held.
func (r *Registry) remove(s *Session) {
	delete(r.sessions, s.ID)
	if s.identity != "" && r.bindings[s.identity] == s.ID {
		delete(r.bindings, s.identity)
	}
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were removed.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	removed := 0
	for _, s := range r.sessions {
		if now.Sub(s.LastUsedAt) > r.ttl {
			r.remove(s)
			removed++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if removed > 0 {
		metrics.RecordSessionsSwept(removed)
		metrics.SetLiveSessions(n)
		r.logger.Printf("swept %d idle sessions, %d remain", removed, n)
	}
	return removed
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// Close stops the sweep goroutine.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func shortKey(k string) string {
	if len(k) > 8 {
		return k[:8]
	}
	if k == "" {
		return "-"
	}
	return k
}
