package translator

import (
	"encoding/json"
	"fmt"
)

// Message is one turn of the inbound conversation. Content stays raw because
// callers send either a plain string or an array of typed parts.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ToolCall mirrors the OpenAI tool_call object.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function payload of a tool call. Arguments is a JSON
// string per the OpenAI schema.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is an inbound tool declaration; the function schema is forwarded to
// the upstream untouched.
type Tool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

// ChatRequest is the parsed chat completion request. Stream distinguishes
// "absent" from "explicitly false" because the delivery heuristic only fires
// when the caller omitted the flag. Extra captures every field this proxy
// does not model, forwarded verbatim.
type ChatRequest struct {
	Model    string
	Messages []Message
	Stream   *bool
	Tools    []Tool
	Extra    map[string]json.RawMessage
}

// knownChatFields are unmarshalled into typed fields rather than Extra.
var knownChatFields = map[string]struct{}{
	"model":    {},
	"messages": {},
	"stream":   {},
	"tools":    {},
}

// UnmarshalJSON splits the payload into the modelled fields and the
// passthrough remainder.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var typed struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
		Stream   *bool     `json:"stream"`
		Tools    []Tool    `json:"tools"`
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for key, raw := range all {
		if _, ok := knownChatFields[key]; ok {
			continue
		}
		extra[key] = raw
	}
	r.Model = typed.Model
	r.Messages = typed.Messages
	r.Stream = typed.Stream
	r.Tools = typed.Tools
	r.Extra = extra
	return nil
}

// Validate enforces the minimal inbound contract.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	return nil
}

// WantsStream resolves the effective streaming flag; streaming is the
// default when the caller says nothing.
func (r *ChatRequest) WantsStream() bool {
	if r.Stream == nil {
		return true
	}
	return *r.Stream
}
