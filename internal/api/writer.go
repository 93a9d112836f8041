package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// sseWriter adapts a gin response to the pipeline's Writer contract. SSE
// headers are committed lazily on the first chunk so errors raised before
// any output can still be answered with a structured JSON body.
type sseWriter struct {
	c         *gin.Context
	flusher   http.Flusher
	committed bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	flusher, _ := c.Writer.(http.Flusher)
	return &sseWriter{c: c, flusher: flusher}
}

// WriteChunk implements pipeline.Writer.
func (w *sseWriter) WriteChunk(v any) error {
	if !w.committed {
		header := w.c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		w.committed = true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(w.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteDone implements pipeline.Writer.
func (w *sseWriter) WriteDone() error {
	if _, err := fmt.Fprint(w.c.Writer, "data: [DONE]\n\n"); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteJSON implements pipeline.Writer.
func (w *sseWriter) WriteJSON(v any) error {
	if w.committed {
		log.Error("api: refusing to write JSON body after stream framing")
		return fmt.Errorf("response already committed as stream")
	}
	w.committed = true
	w.c.JSON(http.StatusOK, v)
	return nil
}

// Committed implements pipeline.Writer.
func (w *sseWriter) Committed() bool { return w.committed }

func (w *sseWriter) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
