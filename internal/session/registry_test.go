package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lumia1998/AnuNeko/internal/openai"
)

type fakeBackend struct {
	mu         sync.Mutex
	created    []string
	switches   []string
	createErr  error
	switchFail bool
	delay      time.Duration

	switchDelay time.Duration
	inSwitch    int
	maxInSwitch int
}

func (f *fakeBackend) CreateConversation(ctx context.Context, model string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := fmt.Sprintf("conv-%d", len(f.created)+1)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeBackend) SwitchModel(ctx context.Context, conversationID, model string) bool {
	f.mu.Lock()
	f.inSwitch++
	if f.inSwitch > f.maxInSwitch {
		f.maxInSwitch = f.inSwitch
	}
	f.mu.Unlock()
	if f.switchDelay > 0 {
		time.Sleep(f.switchDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inSwitch--
	f.switches = append(f.switches, conversationID+"="+model)
	return !f.switchFail
}

func (f *fakeBackend) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

type mapResolver map[string]string

func (m mapResolver) Resolve(ctx context.Context, target string) (string, error) {
	if v, ok := m[target]; ok {
		return v, nil
	}
	return "Orange Cat", nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var resolver = mapResolver{
	"m-a": "Orange Cat",
	"m-b": "Exotic Shorthair",
	"m-c": "Calico",
}

func history(roles ...string) []openai.ChatMessage {
	out := make([]openai.ChatMessage, 0, len(roles))
	for _, r := range roles {
		out = append(out, openai.ChatMessage{Role: r, Content: "x"})
	}
	return out
}

func newRegistry(t *testing.T, b Backend, cfg Config) (*Registry, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	if cfg.Now == nil {
		cfg.Now = c.Now
	}
	r := New(b, resolver, cfg)
	t.Cleanup(r.Close)
	return r, c
}

func TestCountTurns(t *testing.T) {
	if n := CountTurns(history("system", "user", "assistant", "tool", "User")); n != 3 {
		t.Fatalf("expected 3 turns, got %d", n)
	}
}

func TestLifecycleForIdentity(t *testing.T) {
	b := &fakeBackend{}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})
	ctx := context.Background()

	first, d, err := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "key-1"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if d != DecisionNoSession || first.BackendModel != "Orange Cat" || first.ConversationID != "conv-1" {
		t.Fatalf("unexpected first session %+v decision %s", first, d)
	}

	second, d, err := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user", "assistant", "user"), Identity: "key-1"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if d != DecisionReuse || second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s (%s)", first.ID, second.ID, d)
	}

	third, d, err := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "key-1"})
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if d != DecisionShortHistory || third.ID == first.ID {
		t.Fatalf("expected new session on short history, got %s (%s)", third.ID, d)
	}

	old, ok := r.Get(first.ID)
	if !ok || !old.Superseded {
		t.Fatalf("expected first session to stay addressable and superseded: %+v", old)
	}
	if got := len(b.createdIDs()); got != 2 {
		t.Fatalf("expected 2 conversations, got %d", got)
	}
}

func TestZeroThresholdReusesSingleTurn(t *testing.T) {
	b := &fakeBackend{}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 0})
	ctx := context.Background()

	first, d, err := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "k"})
	if err != nil || d != DecisionNoSession {
		t.Fatalf("first: %s %v", d, err)
	}
	second, d, err := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "k"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if d != DecisionReuse || second.ID != first.ID {
		t.Fatalf("expected reuse with threshold 0, got %s (%s)", second.ID, d)
	}
	if got := len(b.createdIDs()); got != 1 {
		t.Fatalf("expected 1 conversation, got %d", got)
	}

	// Only a request without any turns falls under a zero threshold.
	if _, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("system"), Identity: "k"}); d != DecisionShortHistory {
		t.Fatalf("expected short history for a turnless request, got %s", d)
	}
}

func TestNegativeThresholdDisablesShortHistory(t *testing.T) {
	b := &fakeBackend{}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: -1})
	ctx := context.Background()

	first, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "k"})
	got, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("system"), Identity: "k"})
	if d != DecisionReuse || got.ID != first.ID {
		t.Fatalf("expected reuse with the rule disabled, got %s", d)
	}
}

func TestNewConversationIsBoundToModel(t *testing.T) {
	b := &fakeBackend{}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})
	_, _, err := r.GetOrCreate(context.Background(), Request{TargetModel: "m-b", Messages: history("user")})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(b.switches) != 1 || b.switches[0] != "conv-1=Exotic Shorthair" {
		t.Fatalf("expected model bind after create, got %v", b.switches)
	}
}

func TestExpiredSessionIsReplaced(t *testing.T) {
	r, clk := newRegistry(t, &fakeBackend{}, Config{TTL: time.Hour, NewConversationThreshold: 1})
	ctx := context.Background()
	long := history("user", "assistant", "user")

	first, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"})
	clk.Advance(59 * time.Minute)
	again, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"})
	if d != DecisionReuse || again.ID != first.ID {
		t.Fatalf("expected reuse inside TTL, got %s", d)
	}
	clk.Advance(61 * time.Minute)
	later, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"})
	if d != DecisionExpired || later.ID == first.ID {
		t.Fatalf("expected expiry, got %s", d)
	}
}

func TestReuseSwitchesModel(t *testing.T) {
	b := &fakeBackend{}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})
	ctx := context.Background()
	long := history("user", "assistant", "user")

	s, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"})
	got, d, err := r.GetOrCreate(ctx, Request{TargetModel: "m-b", Messages: long, Identity: "k"})
	if err != nil || d != DecisionReuse {
		t.Fatalf("expected reuse, got %s %v", d, err)
	}
	if got.ID != s.ID || got.BackendModel != "Exotic Shorthair" || got.TargetModel != "m-b" {
		t.Fatalf("expected switched model, got %+v", got)
	}
}

func TestReuseSwitchFailureKeepsStaleModel(t *testing.T) {
	b := &fakeBackend{}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})
	ctx := context.Background()
	long := history("user", "assistant", "user")

	s, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"})
	b.mu.Lock()
	b.switchFail = true
	b.mu.Unlock()

	got, d, err := r.GetOrCreate(ctx, Request{TargetModel: "m-b", Messages: long, Identity: "k"})
	if err != nil || d != DecisionReuse || got.ID != s.ID {
		t.Fatalf("expected soft-failed reuse, got %+v %s %v", got, d, err)
	}
	if got.BackendModel != "Orange Cat" || got.TargetModel != "m-a" {
		t.Fatalf("expected stale model to stay bound, got %+v", got)
	}
}

func TestCreateFailure(t *testing.T) {
	b := &fakeBackend{createErr: errors.New("connection refused")}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})
	_, _, err := r.GetOrCreate(context.Background(), Request{TargetModel: "m-a", Messages: history("user"), Identity: "k"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no session stored, got %d", r.Len())
	}
}

func TestResolverErrorPropagates(t *testing.T) {
	sentinel := errors.New("no model")
	r := New(&fakeBackend{}, resolverFunc(func(context.Context, string) (string, error) { return "", sentinel }), Config{NewConversationThreshold: 1})
	defer r.Close()
	if _, _, err := r.GetOrCreate(context.Background(), Request{TargetModel: "x", Messages: history("user")}); !errors.Is(err, sentinel) {
		t.Fatalf("expected resolver error, got %v", err)
	}
}

type resolverFunc func(context.Context, string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, target string) (string, error) { return f(ctx, target) }

func TestExplicitSessionID(t *testing.T) {
	r, _ := newRegistry(t, &fakeBackend{}, Config{NewConversationThreshold: 1})
	ctx := context.Background()
	long := history("user", "assistant", "user")

	anon, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user")})
	got, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, SessionID: anon.ID})
	if d != DecisionReuse || got.ID != anon.ID {
		t.Fatalf("expected explicit reuse, got %s", d)
	}

	// An identity without a binding adopts the named session.
	got, d, _ = r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, SessionID: anon.ID, Identity: "k"})
	if d != DecisionReuse || got.ID != anon.ID {
		t.Fatalf("expected explicit reuse with identity, got %s", d)
	}
	got, d, _ = r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"})
	if d != DecisionReuse || got.ID != anon.ID {
		t.Fatalf("expected identity to be bound to %s, got %s (%s)", anon.ID, got.ID, d)
	}

	if _, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, SessionID: "missing"}); d != DecisionNoSession {
		t.Fatalf("expected new session for unknown id, got %s", d)
	}
}

func TestSupersededSessionIsNotReused(t *testing.T) {
	r, _ := newRegistry(t, &fakeBackend{}, Config{NewConversationThreshold: 1})
	ctx := context.Background()
	long := history("user", "assistant", "user")

	first, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "k"})
	_, _, _ = r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "k"})

	got, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, SessionID: first.ID})
	if d != DecisionNoSession || got.ID == first.ID {
		t.Fatalf("superseded session must not be reused, got %s", d)
	}
}

func TestConcurrentSameIdentityNeverLeaks(t *testing.T) {
	b := &fakeBackend{delay: 5 * time.Millisecond}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})

	const n = 10
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := r.GetOrCreate(context.Background(), Request{TargetModel: "m-a", Messages: history("user"), Identity: "same"})
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	created := b.createdIDs()
	reachable := map[string]bool{}
	bound := 0
	for _, s := range r.List() {
		full, _ := r.Get(s.ID)
		reachable[full.ConversationID] = true
		if s.Bound {
			bound++
		}
	}
	for _, c := range created {
		if !reachable[c] {
			t.Fatalf("conversation %s is not reachable by any session", c)
		}
	}
	if bound != 1 {
		t.Fatalf("expected exactly one bound session, got %d", bound)
	}
	if r.locks.held() != 0 {
		t.Fatalf("expected identity locks to be released, %d held", r.locks.held())
	}
}

func TestConcurrentFirstTurnsCreateOnce(t *testing.T) {
	b := &fakeBackend{delay: 5 * time.Millisecond}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})
	long := history("user", "assistant", "user")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = r.GetOrCreate(context.Background(), Request{TargetModel: "m-a", Messages: long, Identity: "same"})
		}()
	}
	wg.Wait()
	if got := len(b.createdIDs()); got != 1 {
		t.Fatalf("expected a single conversation, got %d", got)
	}
}

func TestIdentityIsStoredHashed(t *testing.T) {
	r, _ := newRegistry(t, &fakeBackend{}, Config{NewConversationThreshold: 1})
	_, _, _ = r.GetOrCreate(context.Background(), Request{TargetModel: "m-a", Messages: history("user"), Identity: "sk-secret"})

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, raw := r.bindings["sk-secret"]; raw {
		t.Fatal("raw identity stored")
	}
	if _, ok := r.bindings[HashIdentity("sk-secret")]; !ok {
		t.Fatal("hashed identity binding missing")
	}
}

func TestDeleteClearsBinding(t *testing.T) {
	r, _ := newRegistry(t, &fakeBackend{}, Config{NewConversationThreshold: 1})
	ctx := context.Background()
	long := history("user", "assistant", "user")

	s, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "k"})
	if !r.Delete(s.ID) {
		t.Fatal("expected delete to remove session")
	}
	if r.Delete(s.ID) {
		t.Fatal("second delete should report false")
	}
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("deleted session still addressable")
	}
	if _, d, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"}); d != DecisionNoSession {
		t.Fatalf("expected new session after delete, got %s", d)
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	r, clk := newRegistry(t, &fakeBackend{}, Config{TTL: time.Hour, NewConversationThreshold: 1})
	ctx := context.Background()

	old, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "a"})
	clk.Advance(50 * time.Minute)
	fresh, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "b"})
	clk.Advance(20 * time.Minute)

	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if _, ok := r.Get(old.ID); ok {
		t.Fatal("idle session survived sweep")
	}
	if _, ok := r.Get(fresh.ID); !ok {
		t.Fatal("active session was swept")
	}
	r.mu.Lock()
	_, bound := r.bindings[HashIdentity("a")]
	r.mu.Unlock()
	if bound {
		t.Fatal("binding to swept session survived")
	}
}

func TestSweepLoopRuns(t *testing.T) {
	clk := &clock{t: time.Now()}
	r := New(&fakeBackend{}, resolver, Config{TTL: time.Minute, NewConversationThreshold: 1, SweepInterval: 5 * time.Millisecond, Now: clk.Now})
	defer r.Close()

	_, _, _ = r.GetOrCreate(context.Background(), Request{TargetModel: "m-a", Messages: history("user")})
	clk.Advance(2 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatal("expected background sweep to reclaim idle session")
	}
}

func TestListOrdersByRecentUse(t *testing.T) {
	r, clk := newRegistry(t, &fakeBackend{}, Config{NewConversationThreshold: 1})
	ctx := context.Background()
	a, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: history("user"), Identity: "a"})
	clk.Advance(time.Second)
	b, _, _ := r.GetOrCreate(ctx, Request{TargetModel: "m-b", Messages: history("user"), Identity: "b"})

	list := r.List()
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Fatalf("unexpected order %+v", list)
	}
	if !list[0].Bound || list[0].BackendModel != "Exotic Shorthair" {
		t.Fatalf("unexpected summary %+v", list[0])
	}
}

func TestIdentityAndSessionIDCallersSerializeSwitches(t *testing.T) {
	b := &fakeBackend{}
	r, _ := newRegistry(t, b, Config{NewConversationThreshold: 1})
	ctx := context.Background()
	long := history("user", "assistant", "user")

	s, _, err := r.GetOrCreate(ctx, Request{TargetModel: "m-a", Messages: long, Identity: "k"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	b.mu.Lock()
	b.switchDelay = 20 * time.Millisecond
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, _, err := r.GetOrCreate(ctx, Request{TargetModel: "m-b", Messages: long, Identity: "k"}); err != nil {
			t.Errorf("identity caller: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, _, err := r.GetOrCreate(ctx, Request{TargetModel: "m-c", Messages: long, SessionID: s.ID}); err != nil {
			t.Errorf("session id caller: %v", err)
		}
	}()
	wg.Wait()

	b.mu.Lock()
	maxIn := b.maxInSwitch
	switches := append([]string(nil), b.switches...)
	b.mu.Unlock()
	if maxIn != 1 {
		t.Fatalf("expected switches on one session to be serialized, saw %d in flight", maxIn)
	}
	got, ok := r.Get(s.ID)
	if !ok {
		t.Fatal("session disappeared")
	}
	if last := switches[len(switches)-1]; last != s.ConversationID+"="+got.BackendModel {
		t.Fatalf("record model %q disagrees with last switch %q", got.BackendModel, last)
	}
	if r.locks.held() != 0 {
		t.Fatalf("expected locks to be released, %d held", r.locks.held())
	}
}
