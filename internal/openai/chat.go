package openai

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ChatCompletionRequest captures the subset of OpenAI's request the gateway honours.
// SessionID is an extension that lets clients pin an existing gateway session.
type ChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema. Content accepts either a
// plain string or an array of content parts; only text parts are kept.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is the flattened text of a message.
type MessageContent string

// UnmarshalJSON accepts "text" and [{"type":"text","text":"..."}] forms.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*c = ""
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		var b strings.Builder
		for _, p := range parts {
			if p.Type != "" && p.Type != "text" {
				continue
			}
			if b.Len() > 0 && p.Text != "" {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
		*c = MessageContent(b.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = MessageContent(s)
	return nil
}

// String returns the text content.
func (c MessageContent) String() string { return string(c) }

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID        string                 `json:"id"`
	Object    string                 `json:"object"`
	Created   int64                  `json:"created"`
	Model     string                 `json:"model"`
	Choices   []ChatCompletionChoice `json:"choices"`
	Usage     UsageBreakdown         `json:"usage"`
	SessionID string                 `json:"session_id,omitempty"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      ChatMessage `json:"message"`
	Logprobs     interface{} `json:"logprobs"`
}

// UsageBreakdown provides token accounting. The backend reports no token
// counts, so the gateway fills in estimates.
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletionID returns a chatcmpl-prefixed identifier.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewCompletionResponse builds a response with the provided assistant text.
func NewCompletionResponse(model, content, sessionID string, usage UsageBreakdown) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			FinishReason: "stop",
			Message: ChatMessage{
				Role:    "assistant",
				Content: MessageContent(content),
			},
		}},
		Usage:     usage,
		SessionID: sessionID,
	}
}

// EstimateTokens approximates a token count from text length (4 chars ~ 1 token).
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return chars/4 + 1
}

// TextChars counts characters, not bytes.
func TextChars(s string) int { return utf8.RuneCountInString(s) }

// PromptChars sums the text length of every message in the request.
func PromptChars(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += TextChars(m.Content.String())
	}
	return total
}
