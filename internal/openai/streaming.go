package openai

import "time"

// ChatCompletionChunk represents a chunk in an SSE streaming response.
type ChatCompletionChunk struct {
	ID        string                      `json:"id"`
	Object    string                      `json:"object"`
	Created   int64                       `json:"created"`
	Model     string                      `json:"model"`
	Choices   []ChatCompletionChunkChoice `json:"choices"`
	SessionID string                      `json:"session_id,omitempty"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
	Logprobs     interface{}      `json:"logprobs"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkBuilder stamps every chunk of one streamed completion with the same id,
// model and session.
type ChunkBuilder struct {
	ID        string
	Model     string
	SessionID string
	created   int64
}

// NewChunkBuilder starts a streamed completion.
func NewChunkBuilder(model, sessionID string) *ChunkBuilder {
	return &ChunkBuilder{
		ID:        NewCompletionID(),
		Model:     model,
		SessionID: sessionID,
		created:   time.Now().Unix(),
	}
}

// Delta returns a content chunk.
func (b *ChunkBuilder) Delta(delta ChatMessageDelta) ChatCompletionChunk {
	return b.chunk(delta, nil)
}

// Finish returns the terminal chunk with an empty delta.
func (b *ChunkBuilder) Finish(reason string) ChatCompletionChunk {
	return b.chunk(ChatMessageDelta{}, &reason)
}

func (b *ChunkBuilder) chunk(delta ChatMessageDelta, finish *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      b.ID,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.Model,
		Choices: []ChatCompletionChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
		SessionID: b.SessionID,
	}
}
