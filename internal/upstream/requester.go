// Package upstream performs the actual network calls against the Gemini
// Code Assist endpoint, in both streaming-callback and blocking modes.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/poolbridge/geminipool/internal/interfaces"
	"github.com/poolbridge/geminipool/internal/translator"
)

const (
	codeAssistEndpoint = "https://cloudcode-pa.googleapis.com"
	codeAssistVersion  = "v1internal"

	userAgent      = "google-api-nodejs-client/9.15.1"
	apiClient      = "gl-node/22.17.0"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"

	// scanBufferSize bounds a single SSE line; image responses carry inline
	// data and need headroom.
	scanBufferSize = 10 * 1024 * 1024
)

// Fragment is one incremental piece of a streamed upstream response. Either
// Text or ToolCalls is populated, never both.
type Fragment struct {
	Text      string
	ToolCalls []translator.ToolCall
}

// Result is the assembled outcome of a blocking upstream call.
type Result struct {
	Content   string
	ToolCalls []translator.ToolCall
}

// Requester is the outbound contract the pipeline depends on. Both modes
// raise *interfaces.StatusError on non-2xx upstream responses.
type Requester interface {
	// Stream invokes onFragment for every content or tool-call fragment and
	// returns once the upstream stream ends.
	Stream(ctx context.Context, body []byte, accessToken string, onFragment func(Fragment)) error
	// Complete returns the full response after the upstream finishes.
	Complete(ctx context.Context, body []byte, accessToken string) (*Result, error)
}

// CodeAssistClient implements Requester against cloudcode-pa.
type CodeAssistClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewCodeAssistClient builds a client against the production endpoint.
func NewCodeAssistClient() *CodeAssistClient {
	return &CodeAssistClient{
		// Streaming responses stay open for minutes; rely on ctx for
		// cancellation instead of a client-wide timeout.
		httpClient: &http.Client{},
		baseURL:    codeAssistEndpoint,
	}
}

// SetBaseURL overrides the endpoint. Intended for tests.
func (c *CodeAssistClient) SetBaseURL(u string) {
	if u != "" {
		c.baseURL = u
	}
}

// Stream implements Requester.
func (c *CodeAssistClient) Stream(ctx context.Context, body []byte, accessToken string, onFragment func(Fragment)) error {
	url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", c.baseURL, codeAssistVersion)
	resp, err := c.post(ctx, url, body, accessToken, true)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("upstream: close response body: %v", errClose)
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		for _, frag := range parseFragments(payload) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			onFragment(frag)
		}
	}
	return scanner.Err()
}

// Complete implements Requester.
func (c *CodeAssistClient) Complete(ctx context.Context, body []byte, accessToken string) (*Result, error) {
	url := fmt.Sprintf("%s/%s:generateContent", c.baseURL, codeAssistVersion)
	resp, err := c.post(ctx, url, body, accessToken, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("upstream: close response body: %v", errClose)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, frag := range parseFragments(data) {
		result.Content += frag.Text
		result.ToolCalls = append(result.ToolCalls, frag.ToolCalls...)
	}
	return result, nil
}

func (c *CodeAssistClient) post(ctx context.Context, url string, body []byte, accessToken string, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Goog-Api-Client", apiClient)
	req.Header.Set("Client-Metadata", clientMetadata)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("upstream: close response body: %v", errClose)
		}
		log.Debugf("upstream request error, status: %d, elapsed: %s, body: %s", resp.StatusCode, time.Since(start), summarizeBody(b))
		return nil, interfaces.NewStatusError(resp.StatusCode, b)
	}
	return resp, nil
}

// parseFragments extracts text and tool-call fragments from one upstream
// payload. Code Assist wraps the generate response in a "response" envelope;
// thought parts are dropped.
func parseFragments(payload []byte) []Fragment {
	root := gjson.ParseBytes(payload)
	if wrapped := root.Get("response"); wrapped.Exists() {
		root = wrapped
	}

	var fragments []Fragment
	for _, candidate := range root.Get("candidates").Array() {
		for _, part := range candidate.Get("content.parts").Array() {
			if part.Get("thought").Bool() {
				continue
			}
			if fn := part.Get("functionCall"); fn.Exists() {
				args := fn.Get("args").Raw
				if !json.Valid([]byte(args)) {
					args = "{}"
				}
				fragments = append(fragments, Fragment{ToolCalls: []translator.ToolCall{{
					ID:   "call_" + uuid.NewString(),
					Type: "function",
					Function: translator.FunctionCall{
						Name:      fn.Get("name").String(),
						Arguments: args,
					},
				}}})
				continue
			}
			if text := part.Get("text"); text.Exists() && text.String() != "" {
				fragments = append(fragments, Fragment{Text: text.String()})
			}
			if inline := part.Get("inlineData"); inline.Exists() {
				// Inline image data is surfaced as a data URI so OpenAI
				// clients can render it from message content.
				fragments = append(fragments, Fragment{Text: fmt.Sprintf(
					"![image](data:%s;base64,%s)",
					inline.Get("mimeType").String(),
					inline.Get("data").String(),
				)})
			}
		}
	}
	return fragments
}

func summarizeBody(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
