package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/poolbridge/geminipool/internal/interfaces"
)

func TestParseFragmentsText(t *testing.T) {
	payload := []byte(`{"candidates":[{"content":{"parts":[{"text":"hello"},{"text":" world"}]}}]}`)
	frags := parseFragments(payload)
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	if frags[0].Text != "hello" || frags[1].Text != " world" {
		t.Fatalf("fragments = %+v", frags)
	}
}

func TestParseFragmentsResponseEnvelope(t *testing.T) {
	payload := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"wrapped"}]}}]}}`)
	frags := parseFragments(payload)
	if len(frags) != 1 || frags[0].Text != "wrapped" {
		t.Fatalf("envelope not unwrapped: %+v", frags)
	}
}

func TestParseFragmentsSkipsThoughts(t *testing.T) {
	payload := []byte(`{"candidates":[{"content":{"parts":[{"text":"internal","thought":true},{"text":"visible"}]}}]}`)
	frags := parseFragments(payload)
	if len(frags) != 1 || frags[0].Text != "visible" {
		t.Fatalf("thought part leaked: %+v", frags)
	}
}

func TestParseFragmentsFunctionCall(t *testing.T) {
	payload := []byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]}}]}`)
	frags := parseFragments(payload)
	if len(frags) != 1 || len(frags[0].ToolCalls) != 1 {
		t.Fatalf("fragments = %+v", frags)
	}
	call := frags[0].ToolCalls[0]
	if call.Function.Name != "get_weather" {
		t.Fatalf("name = %q", call.Function.Name)
	}
	if call.Function.Arguments != `{"city":"Oslo"}` {
		t.Fatalf("arguments = %q", call.Function.Arguments)
	}
	if !strings.HasPrefix(call.ID, "call_") {
		t.Fatalf("id = %q", call.ID)
	}
	if call.Type != "function" {
		t.Fatalf("type = %q", call.Type)
	}
}

func TestParseFragmentsFunctionCallWithoutArgs(t *testing.T) {
	payload := []byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"ping"}}]}}]}`)
	frags := parseFragments(payload)
	if len(frags) != 1 {
		t.Fatalf("fragments = %+v", frags)
	}
	if got := frags[0].ToolCalls[0].Function.Arguments; got != "{}" {
		t.Fatalf("arguments = %q, want empty object", got)
	}
}

func TestParseFragmentsInlineData(t *testing.T) {
	payload := []byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"QUJD"}}]}}]}`)
	frags := parseFragments(payload)
	if len(frags) != 1 {
		t.Fatalf("fragments = %+v", frags)
	}
	if frags[0].Text != "![image](data:image/png;base64,QUJD)" {
		t.Fatalf("inline data rendering = %q", frags[0].Text)
	}
}

func TestStreamEmitsFragmentsInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"one\"}]}}]}}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"two\"}]}}]}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewCodeAssistClient()
	client.SetBaseURL(server.URL)

	var texts []string
	err := client.Stream(context.Background(), []byte(`{}`), "token-1", func(frag Fragment) {
		texts = append(texts, frag.Text)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(texts) != 2 || texts[0] != "one" || texts[1] != "two" {
		t.Fatalf("texts = %v", texts)
	}
}

func TestStreamNon2xxRaisesStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid authentication"}}`))
	}))
	defer server.Close()

	client := NewCodeAssistClient()
	client.SetBaseURL(server.URL)

	err := client.Stream(context.Background(), []byte(`{}`), "stale", func(Fragment) {
		t.Error("no fragment expected")
	})
	var se *interfaces.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", se.Code)
	}
	if !interfaces.IsPermanentAuth(err) {
		t.Fatal("401 must classify as permanent")
	}
}

func TestCompleteAssemblesResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"part one "},{"text":"part two"},{"functionCall":{"name":"f","args":{}}}]}}]}}`)
	}))
	defer server.Close()

	client := NewCodeAssistClient()
	client.SetBaseURL(server.URL)

	result, err := client.Complete(context.Background(), []byte(`{}`), "token-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Content != "part one part two" {
		t.Fatalf("content = %q", result.Content)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Function.Name != "f" {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
}

func TestCompleteNon2xxRaisesStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota"}}`))
	}))
	defer server.Close()

	client := NewCodeAssistClient()
	client.SetBaseURL(server.URL)

	_, err := client.Complete(context.Background(), []byte(`{}`), "token-1")
	var se *interfaces.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want StatusError", err)
	}
	if se.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d", se.Code)
	}
	if interfaces.IsPermanentAuth(err) {
		t.Fatal("429 must not classify as permanent")
	}
}
