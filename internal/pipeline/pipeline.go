// Package pipeline orchestrates translation, credential selection and the
// upstream call to produce one of the client-facing delivery modes: real
// streaming, fake streaming with synthetic heartbeats, or a single JSON
// object.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poolbridge/geminipool/internal/credential"
	"github.com/poolbridge/geminipool/internal/translator"
	"github.com/poolbridge/geminipool/internal/upstream"
)

const (
	// heartbeatInterval paces synthetic keep-alive chunks while a fake
	// streamed response waits on the blocking upstream call.
	heartbeatInterval = 3 * time.Second

	// shortProbeThreshold is the content length under which a single-message
	// request without an explicit stream flag is treated as a health probe
	// and served non-streamed.
	shortProbeThreshold = 64
)

// Mode is the delivery strategy, decided before any upstream call.
type Mode int

const (
	// ModeBlocking returns a single chat.completion object.
	ModeBlocking Mode = iota
	// ModeStream re-emits upstream fragments as they arrive.
	ModeStream
	// ModeFakeStream disguises a blocking upstream call as an SSE stream.
	ModeFakeStream
	// ModeImage serves an image model under SSE framing; the upstream has
	// no incremental image channel, so the content arrives as one chunk.
	ModeImage
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeFakeStream:
		return "fake-stream"
	case ModeImage:
		return "image"
	default:
		return "blocking"
	}
}

// DecideMode resolves the delivery mode and the demangled model name for an
// inbound request.
func DecideMode(req *translator.ChatRequest) (string, Mode) {
	actual, fake := translator.StripFakeStreamMarker(req.Model)

	if !req.WantsStream() {
		return actual, ModeBlocking
	}
	if req.Stream == nil && isShortProbe(req) {
		// Latency probes tend to omit the stream flag; answering them with
		// stream framing breaks their parsers.
		return actual, ModeBlocking
	}
	if translator.IsImageModel(actual) {
		return actual, ModeImage
	}
	if fake {
		return actual, ModeFakeStream
	}
	return actual, ModeStream
}

func isShortProbe(req *translator.ChatRequest) bool {
	if len(req.Messages) != 1 {
		return false
	}
	text := translator.ContentText(&req.Messages[0])
	return len(text) < shortProbeThreshold
}

// Request is one unit of pipeline work.
type Request struct {
	Chat        *translator.ChatRequest
	ActualModel string
	Mode        Mode
	CallerKey   string
	// Cred, when set, bypasses pool selection; the retry path supplies the
	// replacement credential this way.
	Cred *credential.Credential
}

// DispatchError reports an upstream dispatch failure together with the
// access token that was in play, so the caller can drive token rotation.
type DispatchError struct {
	AccessToken string
	Committed   bool
	Err         error
}

// Error implements error.
func (e *DispatchError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying upstream error.
func (e *DispatchError) Unwrap() error { return e.Err }

// Pipeline wires the token pool, translator and upstream requester together.
type Pipeline struct {
	pool      *credential.Pool
	requester upstream.Requester
	now       func() time.Time
	heartbeat time.Duration
}

// New constructs a pipeline.
func New(pool *credential.Pool, requester upstream.Requester) *Pipeline {
	return &Pipeline{
		pool:      pool,
		requester: requester,
		now:       time.Now,
		heartbeat: heartbeatInterval,
	}
}

// SetClock injects a time source. Intended for tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// SetHeartbeatInterval overrides the fake-stream heartbeat period.
func (p *Pipeline) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		p.heartbeat = d
	}
}

// Execute runs one request end to end. credential.ErrNoCredentials surfaces
// untouched; upstream failures after framing was committed are rendered into
// the stream and additionally reported as *DispatchError so the caller can
// rotate the failing credential.
func (p *Pipeline) Execute(ctx context.Context, req Request, w Writer) error {
	cred := req.Cred
	if cred == nil {
		var err error
		cred, err = p.pool.GetToken(ctx)
		if err != nil {
			return err
		}
	}

	body, err := translator.Translate(req.Chat, translator.Options{
		Model:     req.ActualModel,
		ProjectID: cred.ProjectID,
		SessionID: p.pool.SessionID(cred.RefreshToken),
		CallerKey: req.CallerKey,
	})
	if err != nil {
		return err
	}

	log.Debugf("dispatching %s request, model: %s", req.Mode, req.ActualModel)

	switch req.Mode {
	case ModeStream:
		return p.deliverStream(ctx, req, body, cred, w)
	case ModeFakeStream:
		return p.deliverFakeStream(ctx, req, body, cred, w)
	case ModeImage:
		return p.deliverImage(ctx, req, body, cred, w)
	default:
		return p.deliverBlocking(ctx, req, body, cred, w)
	}
}

// deliverStream re-emits upstream fragments in callback order. Whether any
// tool-call fragment was seen picks the final finish reason.
func (p *Pipeline) deliverStream(ctx context.Context, req Request, body []byte, cred *credential.Credential, w Writer) error {
	em := newEmission(req.Chat.Model, p.now())
	sawToolCall := false
	first := true

	err := p.requester.Stream(ctx, body, cred.AccessToken, func(frag upstream.Fragment) {
		if ctx.Err() != nil {
			// Client gone; abandon without surfacing an error.
			return
		}
		if len(frag.ToolCalls) > 0 {
			sawToolCall = true
			_ = w.WriteChunk(em.toolCallChunk(frag.ToolCalls))
			first = false
			return
		}
		_ = w.WriteChunk(em.contentChunk(frag.Text, first))
		first = false
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !w.Committed() {
			// Nothing reached the client yet; the caller can still answer
			// with a structured error body or retry on a fresh token.
			return &DispatchError{AccessToken: cred.AccessToken, Err: err}
		}
		return p.failStream(em, w, cred, err)
	}

	finish := finishStop
	if sawToolCall {
		finish = finishToolCalls
	}
	if err = w.WriteChunk(em.finishChunk(finish)); err != nil {
		return err
	}
	return w.WriteDone()
}

// deliverFakeStream emits SSE framing and a role chunk up front, keeps the
// connection alive with heartbeat chunks while the blocking upstream call
// runs, then delivers the accumulated result as single chunks. The heartbeat
// ticker is cancelled exactly once, before any terminal chunk is written.
func (p *Pipeline) deliverFakeStream(ctx context.Context, req Request, body []byte, cred *credential.Credential, w Writer) error {
	em := newEmission(req.Chat.Model, p.now())
	if err := w.WriteChunk(em.roleChunk()); err != nil {
		return err
	}

	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(done) }) }
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = w.WriteChunk(em.heartbeatChunk())
			}
		}
	}()

	result, err := p.requester.Complete(ctx, body, cred.AccessToken)

	// No heartbeat may follow the terminal sequence, whichever path won.
	stop()
	wg.Wait()

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return p.failStream(em, w, cred, err)
	}

	if len(result.ToolCalls) > 0 {
		if err = w.WriteChunk(em.toolCallChunk(result.ToolCalls)); err != nil {
			return err
		}
	}
	if result.Content != "" {
		if err = w.WriteChunk(em.contentChunk(result.Content, false)); err != nil {
			return err
		}
	}
	finish := finishStop
	if len(result.ToolCalls) > 0 {
		finish = finishToolCalls
	}
	if err = w.WriteChunk(em.finishChunk(finish)); err != nil {
		return err
	}
	return w.WriteDone()
}

// deliverImage honors the client's stream framing while resolving the model
// through the blocking call: the full content arrives as one chunk followed
// immediately by the finish chunk.
func (p *Pipeline) deliverImage(ctx context.Context, req Request, body []byte, cred *credential.Credential, w Writer) error {
	em := newEmission(req.Chat.Model, p.now())

	result, err := p.requester.Complete(ctx, body, cred.AccessToken)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !w.Committed() {
			return &DispatchError{AccessToken: cred.AccessToken, Err: err}
		}
		return p.failStream(em, w, cred, err)
	}

	if err = w.WriteChunk(em.contentChunk(result.Content, true)); err != nil {
		return err
	}
	if err = w.WriteChunk(em.finishChunk(finishStop)); err != nil {
		return err
	}
	return w.WriteDone()
}

// deliverBlocking performs one blocking call and writes a single completion
// object; no partial output is ever sent.
func (p *Pipeline) deliverBlocking(ctx context.Context, req Request, body []byte, cred *credential.Credential, w Writer) error {
	em := newEmission(req.Chat.Model, p.now())

	result, err := p.requester.Complete(ctx, body, cred.AccessToken)
	if err != nil {
		return &DispatchError{AccessToken: cred.AccessToken, Err: err}
	}

	finish := finishStop
	if len(result.ToolCalls) > 0 {
		finish = finishToolCalls
	}
	return w.WriteJSON(em.completion(ResponseMessage{
		Role:      "assistant",
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
	}, finish))
}

// failStream converts an upstream failure into a well-formed stream close:
// an error-content chunk, a stop finish chunk and the terminator. The
// failure is still reported so the caller can rotate the credential.
func (p *Pipeline) failStream(em emission, w Writer, cred *credential.Credential, err error) error {
	log.Warnf("upstream dispatch failed mid-stream: %v", err)
	msg := fmt.Sprintf("Upstream request failed: %v", err)
	_ = w.WriteChunk(em.contentChunk(msg, false))
	_ = w.WriteChunk(em.finishChunk(finishStop))
	_ = w.WriteDone()
	return &DispatchError{AccessToken: cred.AccessToken, Committed: true, Err: err}
}
