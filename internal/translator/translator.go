// Package translator maps OpenAI-style chat completion requests into the
// Gemini Code Assist wire schema. Translation is pure: no I/O, no retained
// state.
package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// FakeStreamPrefix marks a model whose streamed response is emulated
	// over a single blocking upstream call.
	FakeStreamPrefix = "假流式/"
	// FakeStreamSuffix is the ASCII alias for the fake-stream marker.
	FakeStreamSuffix = "-fake"

	imageMarker = "image"

	imageInstruction = "Generate an image that satisfies the user's request. Respond with the image itself rather than a textual description."
)

// StripFakeStreamMarker removes the fake-stream marker from a model name and
// reports whether one was present. The marker is the sole signal for
// fake-streaming mode; the delivery decision itself happens one layer up.
func StripFakeStreamMarker(model string) (string, bool) {
	if strings.HasPrefix(model, FakeStreamPrefix) {
		return strings.TrimPrefix(model, FakeStreamPrefix), true
	}
	if strings.HasSuffix(model, FakeStreamSuffix) {
		return strings.TrimSuffix(model, FakeStreamSuffix), true
	}
	return model, false
}

// IsImageModel reports whether the model generates images. Image generation
// has no incremental channel upstream and excludes tool routing.
func IsImageModel(model string) bool {
	return strings.Contains(model, imageMarker)
}

// Options carries per-request identity the translated payload embeds for
// upstream attribution.
type Options struct {
	// Model is the upstream model name, marker already stripped.
	Model string
	// ProjectID is the pooled credential's Code Assist project.
	ProjectID string
	// SessionID correlates the request with the pool entry that served it.
	SessionID string
	// CallerKey is the inbound bearer credential, forwarded verbatim for
	// attribution. It plays no role in upstream authorization.
	CallerKey string
}

// Translate produces the Gemini Code Assist request body for an OpenAI chat
// request. Image models override the generation configuration to a single
// candidate, tag the request type, extend the system prompt with an image
// instruction and drop tool routing entirely.
func Translate(req *ChatRequest, opts Options) ([]byte, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("translate: request has no messages")
	}

	image := IsImageModel(opts.Model)

	body := `{}`
	body, _ = sjson.Set(body, "model", opts.Model)
	if opts.ProjectID != "" {
		body, _ = sjson.Set(body, "project", opts.ProjectID)
	}
	body, _ = sjson.Set(body, "user_prompt_id", promptID(opts))
	if opts.SessionID != "" {
		body, _ = sjson.Set(body, "request.session_id", opts.SessionID)
	}

	var systemParts []string
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, ContentText(msg))
		case "assistant":
			content := `{"role":"model","parts":[]}`
			if text := ContentText(msg); text != "" {
				content, _ = sjson.SetRaw(content, "parts.-1", textPart(text))
			}
			for _, tc := range msg.ToolCalls {
				part := `{"functionCall":{}}`
				part, _ = sjson.Set(part, "functionCall.name", tc.Function.Name)
				part, _ = sjson.SetRaw(part, "functionCall.args", nonEmptyJSON(tc.Function.Arguments))
				content, _ = sjson.SetRaw(content, "parts.-1", part)
			}
			body, _ = sjson.SetRaw(body, "request.contents.-1", content)
		case "tool":
			part := `{"functionResponse":{}}`
			part, _ = sjson.Set(part, "functionResponse.name", msg.ToolCallID)
			response := `{}`
			response, _ = sjson.SetRaw(response, "result", nonEmptyJSON(ContentText(msg)))
			part, _ = sjson.SetRaw(part, "functionResponse.response", response)
			content := `{"role":"user","parts":[]}`
			content, _ = sjson.SetRaw(content, "parts.-1", part)
			body, _ = sjson.SetRaw(body, "request.contents.-1", content)
		default: // user
			content := `{"role":"user","parts":[]}`
			content, _ = sjson.SetRaw(content, "parts.-1", textPart(ContentText(msg)))
			body, _ = sjson.SetRaw(body, "request.contents.-1", content)
		}
	}

	if image {
		systemParts = append(systemParts, imageInstruction)
	}
	if len(systemParts) > 0 {
		instruction := `{"role":"user","parts":[]}`
		instruction, _ = sjson.SetRaw(instruction, "parts.-1", textPart(strings.Join(systemParts, "\n\n")))
		body, _ = sjson.SetRaw(body, "request.systemInstruction", instruction)
	}

	if !image && len(req.Tools) > 0 {
		declarations := `[]`
		for _, tool := range req.Tools {
			if tool.Type != "" && tool.Type != "function" {
				continue
			}
			declarations, _ = sjson.SetRaw(declarations, "-1", string(tool.Function))
		}
		tools := `[{}]`
		tools, _ = sjson.SetRaw(tools, "0.functionDeclarations", declarations)
		body, _ = sjson.SetRaw(body, "request.tools", tools)
		body, _ = sjson.SetRaw(body, "request.toolConfig", `{"functionCallingConfig":{"mode":"AUTO"}}`)
	}

	body = applyGenerationConfig(body, req.Extra, image)

	if image {
		body, _ = sjson.Set(body, "request_type", "image_generation")
	}

	return []byte(body), nil
}

// applyGenerationConfig maps the caller's sampling parameters onto the
// Gemini generationConfig, forwarding unknown extras verbatim. Image mode
// forces a single candidate and image response modalities.
func applyGenerationConfig(body string, extra map[string]json.RawMessage, image bool) string {
	mapped := map[string]string{
		"temperature": "temperature",
		"top_p":       "topP",
		"top_k":       "topK",
		"max_tokens":  "maxOutputTokens",
		"stop":        "stopSequences",
	}
	for key, raw := range extra {
		target, ok := mapped[key]
		if !ok {
			body, _ = sjson.SetRaw(body, "request.generationConfig."+key, string(raw))
			continue
		}
		body, _ = sjson.SetRaw(body, "request.generationConfig."+target, string(raw))
	}
	if image {
		body, _ = sjson.Set(body, "request.generationConfig.candidateCount", 1)
		body, _ = sjson.SetRaw(body, "request.generationConfig.responseModalities", `["IMAGE","TEXT"]`)
	}
	return body
}

// ContentText flattens a message's content to plain text. String content is
// returned as-is; array content concatenates its text parts.
func ContentText(msg *Message) string {
	if msg == nil || len(msg.Content) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(msg.Content)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	if parsed.IsArray() {
		var sb strings.Builder
		for _, part := range parsed.Array() {
			if part.Get("type").String() == "text" || part.Get("text").Exists() {
				sb.WriteString(part.Get("text").String())
			}
		}
		return sb.String()
	}
	return parsed.Raw
}

func textPart(text string) string {
	part, _ := sjson.Set(`{}`, "text", text)
	return part
}

// nonEmptyJSON returns the input when it is valid JSON, otherwise a JSON
// string of the raw value. Tool arguments arrive as strings that usually but
// not always hold JSON.
func nonEmptyJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return `{}`
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	quoted, _ := json.Marshal(trimmed)
	return string(quoted)
}

func promptID(opts Options) string {
	if opts.CallerKey == "" {
		return opts.SessionID
	}
	if opts.SessionID == "" {
		return opts.CallerKey
	}
	return opts.CallerKey + "/" + opts.SessionID
}
