// Package backend talks to the AnuNeko chat service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lumia1998/AnuNeko/internal/metrics"
)

const (
	DefaultBaseURL    = "https://anuneko.com/api/v1"
	DefaultOrigin     = "https://anuneko.com"
	DefaultUserAgent  = "Mozilla/5.0"
	DefaultAppID      = "com.anuttacon.neko"
	DefaultClientType = "4"
	DefaultDeviceID   = "7b75a432-6b24-48ad-b9d3-3dc57648e3e3"

	// CodeChoiceShown is the out-of-band code the service returns when the
	// previous reply still has unconfirmed alternatives.
	CodeChoiceShown = "chat_choice_shown"
)

// Operation names used in errors and metrics.
const (
	OpCreateConversation = "create_conversation"
	OpSwitchModel        = "switch_model"
	OpConfirmBranch      = "confirm_branch"
	OpOpenStream         = "open_stream"
	OpListModels         = "list_models"
)

// Config holds configuration for the backend client.
type Config struct {
	Token          string
	Cookie         string // optional
	BaseURL        string // optional, defaults to https://anuneko.com/api/v1
	DeviceID       string
	AppID          string
	ClientType     string
	Origin         string
	UserAgent      string
	RequestTimeout time.Duration // create, switch and list calls
	ConfirmTimeout time.Duration // branch confirmation
	HTTPClient     *http.Client
	Logger         *log.Logger
}

// Client issues the backend operations. It is safe for concurrent use.
type Client struct {
	baseURL        string
	headers        http.Header
	requestTimeout time.Duration
	confirmTimeout time.Duration
	httpClient     *http.Client
	logger         *log.Logger
}

// ModelList is the payload of the model listing operation.
type ModelList struct {
	Names   []string `json:"models"`
	Default string   `json:"default_model"`
}

// New creates a Client. A missing token is a configuration error.
func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("backend: token required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	origin := orDefault(cfg.Origin, DefaultOrigin)

	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Origin", origin)
	h.Set("Referer", strings.TrimSuffix(origin, "/")+"/")
	h.Set("User-Agent", orDefault(cfg.UserAgent, DefaultUserAgent))
	h.Set("X-App_id", orDefault(cfg.AppID, DefaultAppID))
	h.Set("X-Client_type", orDefault(cfg.ClientType, DefaultClientType))
	h.Set("X-Device_id", orDefault(cfg.DeviceID, DefaultDeviceID))
	h.Set("X-Token", token)
	if c := strings.TrimSpace(cfg.Cookie); c != "" {
		h.Set("Cookie", c)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	// The stream has no client-side deadline, so the shared client carries none.
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Client{
		baseURL:        baseURL,
		headers:        h,
		requestTimeout: requestTimeout,
		confirmTimeout: confirmTimeout,
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// ConfirmTimeout reports the bound applied to branch confirmation.
func (c *Client) ConfirmTimeout() time.Duration { return c.confirmTimeout }

// BaseURL returns the normalised service root.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateConversation opens a new conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, model string) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var out struct {
		ChatID string `json:"chat_id"`
		ID     string `json:"id"`
	}
	err := c.doJSON(ctx, OpCreateConversation, http.MethodPost, "/chat", map[string]string{"model": model}, &out)
	id := out.ChatID
	if id == "" {
		id = out.ID
	}
	if err == nil && id == "" {
		err = &Error{Op: OpCreateConversation, Err: errors.New("response carries neither chat_id nor id")}
	}
	metrics.RecordBackendCall(OpCreateConversation, err == nil, time.Since(start))
	if err != nil {
		return "", err
	}
	return id, nil
}

// SwitchModel binds a conversation to model. Failures are reported as false.
func (c *Client) SwitchModel(ctx context.Context, conversationID, model string) bool {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	payload := map[string]string{"chat_id": conversationID, "model": model}
	err := c.doJSON(ctx, OpSwitchModel, http.MethodPost, "/user/select_model", payload, nil)
	metrics.RecordBackendCall(OpSwitchModel, err == nil, time.Since(start))
	if err != nil {
		c.logger.Printf("switch model conversation=%s model=%q failed: %v", conversationID, model, err)
		return false
	}
	return true
}

// ConfirmBranch tells the service which reply alternative to keep.
// Failures are reported as false.
func (c *Client) ConfirmBranch(ctx context.Context, msgID string, idx int) bool {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	payload := map[string]interface{}{"msg_id": msgID, "choice_idx": idx}
	err := c.doJSON(ctx, OpConfirmBranch, http.MethodPost, "/msg/select-choice", payload, nil)
	metrics.RecordBackendCall(OpConfirmBranch, err == nil, time.Since(start))
	if err != nil {
		c.logger.Printf("confirm branch msg=%s idx=%d failed: %v", msgID, idx, err)
		return false
	}
	return true
}

// OpenReplyStream posts text to a conversation and returns the raw
// line-oriented reply stream. Only ctx bounds the call; the caller must
// close the returned body.
func (c *Client) OpenReplyStream(ctx context.Context, conversationID, text string) (io.ReadCloser, error) {
	start := time.Now()
	payload, err := json.Marshal(map[string][]string{"contents": {text}})
	if err != nil {
		return nil, &Error{Op: OpOpenStream, Err: err}
	}
	path := "/msg/" + url.PathEscape(conversationID) + "/stream"
	req, err := c.newRequest(ctx, http.MethodPost, path, payload, "text/plain")
	if err != nil {
		return nil, &Error{Op: OpOpenStream, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBackendCall(OpOpenStream, false, time.Since(start))
		return nil, &Error{Op: OpOpenStream, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.RecordBackendCall(OpOpenStream, false, time.Since(start))
		if isChoiceShown(body) {
			return nil, ErrUnresolvedBranch
		}
		return nil, &Error{Op: OpOpenStream, Status: resp.StatusCode, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	metrics.RecordBackendCall(OpOpenStream, true, time.Since(start))
	return resp.Body, nil
}

// ListModels fetches the models the account may use.
func (c *Client) ListModels(ctx context.Context) (ModelList, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var out ModelList
	err := c.doJSON(ctx, OpListModels, http.MethodGet, "/user/view", nil, &out)
	metrics.RecordBackendCall(OpListModels, err == nil, time.Since(start))
	if err != nil {
		return ModelList{}, err
	}
	return out, nil
}

// doJSON performs a request and decodes a JSON answer into out when non-nil.
// Any non-2xx status is an error.
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = b
	}
	req, err := c.newRequest(ctx, method, path, body, "application/json")
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(respBody, 256))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, contentType string) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

func isChoiceShown(body []byte) bool {
	var sig struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(body), &sig); err != nil {
		return false
	}
	return sig.Code == CodeChoiceShown
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
