package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

// SwitchCall records a select_model request.
type SwitchCall struct {
	ConversationID string
	Model          string
}

// ConfirmCall records a select-choice request.
type ConfirmCall struct {
	MsgID string
	Index int
}

// MessageCall records a stream request.
type MessageCall struct {
	ConversationID string
	Contents       []string
	ContentType    string
}

// FakeBackend is a scripted stand-in for the chat service. Its zero-config
// behaviour accepts every call and streams an empty reply.
type FakeBackend struct {
	*IPv4Server

	mu           sync.Mutex
	models       []string
	defaultModel string
	streamLines  []string
	streamStatus int
	streamBody   string
	failCreate   bool
	failSwitch   bool
	failConfirm  bool
	failView     bool
	idField      string
	nextID       int

	created  []string
	switches []SwitchCall
	confirms []ConfirmCall
	messages []MessageCall
	tokens   []string
}

// NewFakeBackend starts a fake service on the IPv4 loopback. It is closed
// when the test ends.
func NewFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()
	f := &FakeBackend{idField: "chat_id"}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", f.handleCreate)
	mux.HandleFunc("/user/select_model", f.handleSwitch)
	mux.HandleFunc("/msg/select-choice", f.handleConfirm)
	mux.HandleFunc("/user/view", f.handleView)
	mux.HandleFunc("/msg/", f.handleStream)
	f.IPv4Server = NewIPv4Server(t, mux)
	return f
}

// SetModels scripts the model listing.
func (f *FakeBackend) SetModels(def string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultModel = def
	f.models = append([]string(nil), names...)
}

// SetStream scripts the raw lines of every subsequent reply stream.
func (f *FakeBackend) SetStream(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamLines = append([]string(nil), lines...)
	f.streamStatus = 0
	f.streamBody = ""
}

// SetStreamError makes the stream endpoint answer status with body.
func (f *FakeBackend) SetStreamError(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamStatus = status
	f.streamBody = body
}

// SetIDField selects the response key used for created conversation ids.
func (f *FakeBackend) SetIDField(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idField = name
}

// FailCreate makes conversation creation answer 500.
func (f *FakeBackend) FailCreate(v bool) { f.set(func() { f.failCreate = v }) }

// FailSwitch makes model switching answer 500.
func (f *FakeBackend) FailSwitch(v bool) { f.set(func() { f.failSwitch = v }) }

// FailConfirm makes branch confirmation answer 500.
func (f *FakeBackend) FailConfirm(v bool) { f.set(func() { f.failConfirm = v }) }

// FailView makes model listing answer 500.
func (f *FakeBackend) FailView(v bool) { f.set(func() { f.failView = v }) }

func (f *FakeBackend) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

// Created returns the conversation ids handed out so far.
func (f *FakeBackend) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// Switches returns the recorded select_model calls.
func (f *FakeBackend) Switches() []SwitchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SwitchCall(nil), f.switches...)
}

// Confirms returns the recorded select-choice calls.
func (f *FakeBackend) Confirms() []ConfirmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConfirmCall(nil), f.confirms...)
}

// Messages returns the recorded stream calls.
func (f *FakeBackend) Messages() []MessageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessageCall(nil), f.messages...)
}

// Tokens returns the x-token header of every request received.
func (f *FakeBackend) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *FakeBackend) record(r *http.Request) {
	f.tokens = append(f.tokens, r.Header.Get("x-token"))
}

func (f *FakeBackend) handleCreate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if f.failCreate {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
		return
	}
	f.nextID++
	id := fmt.Sprintf("conv-%d", f.nextID)
	f.created = append(f.created, id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{f.idField: id})
}

func (f *FakeBackend) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID string `json:"chat_id"`
		Model  string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(r)
	f.switches = append(f.switches, SwitchCall{ConversationID: body.ChatID, Model: body.Model})
	if f.failSwitch {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = io.WriteString(w, `{}`)
}

func (f *FakeBackend) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MsgID string `json:"msg_id"`
		Index int    `json:"choice_idx"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(r)
	f.confirms = append(f.confirms, ConfirmCall{MsgID: body.MsgID, Index: body.Index})
	if f.failConfirm {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = io.WriteString(w, `{}`)
}

func (f *FakeBackend) handleView(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(r)
	if f.failView {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"models":        f.models,
		"default_model": f.defaultModel,
	})
}

func (f *FakeBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/stream") || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	conv := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/msg/"), "/stream")
	var body struct {
		Contents []string `json:"contents"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.record(r)
	f.messages = append(f.messages, MessageCall{ConversationID: conv, Contents: body.Contents, ContentType: r.Header.Get("Content-Type")})
	status, errBody := f.streamStatus, f.streamBody
	lines := append([]string(nil), f.streamLines...)
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, errBody)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
