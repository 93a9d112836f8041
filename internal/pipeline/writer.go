package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/poolbridge/geminipool/internal/translator"
)

// Writer delivers chunks or a single JSON object to the client connection.
// Implementations own the transport framing; the pipeline only decides what
// to emit and in which order.
type Writer interface {
	// WriteChunk emits one SSE event carrying the JSON encoding of v.
	WriteChunk(v any) error
	// WriteDone emits the literal stream terminator.
	WriteDone() error
	// WriteJSON emits a single non-streamed JSON body.
	WriteJSON(v any) error
	// Committed reports whether any bytes reached the client yet.
	Committed() bool
}

// Chunk is the client-visible SSE event payload.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is the single choice carried by every chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message payload. Content is a pointer so
// heartbeat chunks can carry an explicit empty string.
type Delta struct {
	Role      string                `json:"role,omitempty"`
	Content   *string               `json:"content,omitempty"`
	ToolCalls []translator.ToolCall `json:"tool_calls,omitempty"`
}

// Completion is the client-visible non-streaming response body.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

// CompletionChoice holds the assembled message of a blocking response.
type CompletionChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a non-streamed completion.
type ResponseMessage struct {
	Role      string                `json:"role"`
	Content   string                `json:"content"`
	ToolCalls []translator.ToolCall `json:"tool_calls,omitempty"`
}

const (
	objectChunk      = "chat.completion.chunk"
	objectCompletion = "chat.completion"

	finishStop      = "stop"
	finishToolCalls = "tool_calls"
)

// emission carries the per-response identity every chunk repeats.
type emission struct {
	id      string
	model   string
	created int64
}

func newEmission(model string, now time.Time) emission {
	return emission{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: now.Unix(),
	}
}

func (e emission) chunk(delta Delta, finish *string) Chunk {
	return Chunk{
		ID:      e.id,
		Object:  objectChunk,
		Created: e.created,
		Model:   e.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (e emission) roleChunk() Chunk {
	empty := ""
	return e.chunk(Delta{Role: "assistant", Content: &empty}, nil)
}

// heartbeatChunk is indistinguishable from the role chunk by design: an
// empty assistant delta keeps intermediaries from timing out the stream.
func (e emission) heartbeatChunk() Chunk {
	return e.roleChunk()
}

func (e emission) contentChunk(text string, withRole bool) Chunk {
	delta := Delta{Content: &text}
	if withRole {
		delta.Role = "assistant"
	}
	return e.chunk(delta, nil)
}

func (e emission) toolCallChunk(calls []translator.ToolCall) Chunk {
	return e.chunk(Delta{ToolCalls: calls}, nil)
}

func (e emission) finishChunk(reason string) Chunk {
	return e.chunk(Delta{}, &reason)
}

func (e emission) completion(msg ResponseMessage, finish string) Completion {
	return Completion{
		ID:      e.id,
		Object:  objectCompletion,
		Created: e.created,
		Model:   e.model,
		Choices: []CompletionChoice{{Index: 0, Message: msg, FinishReason: finish}},
	}
}
