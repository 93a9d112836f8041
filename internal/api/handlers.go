// Package api exposes the OpenAI-compatible HTTP surface over the pooled
// credential pipeline.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/poolbridge/geminipool/internal/config"
	"github.com/poolbridge/geminipool/internal/credential"
	"github.com/poolbridge/geminipool/internal/interfaces"
	"github.com/poolbridge/geminipool/internal/pipeline"
	"github.com/poolbridge/geminipool/internal/translator"
)

// Handler serves the /v1 routes.
type Handler struct {
	cfg  *config.Config
	pool *credential.Pool
	pipe *pipeline.Pipeline
}

// NewHandler wires the API surface to the pool and pipeline.
func NewHandler(cfg *config.Config, pool *credential.Pool, pipe *pipeline.Pipeline) *Handler {
	return &Handler{cfg: cfg, pool: pool, pipe: pipe}
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(cfg *config.Config, h *Handler) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", h.Health)

	v1 := engine.Group("/v1", apiKeyAuth(cfg.APIKeys))
	v1.POST("/chat/completions", h.ChatCompletions)
	v1.GET("/models", h.ListModels)

	return engine
}

// ChatCompletions handles POST /v1/chat/completions in all delivery modes.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var chat translator.ChatRequest
	if err := c.ShouldBindJSON(&chat); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "Invalid JSON in request body")
		return
	}
	if err := chat.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	actual, mode := pipeline.DecideMode(&chat)
	req := pipeline.Request{
		Chat:        &chat,
		ActualModel: actual,
		Mode:        mode,
		CallerKey:   bearerToken(c),
	}

	w := newSSEWriter(c)
	err := h.pipe.Execute(c.Request.Context(), req, w)
	if err == nil {
		return
	}

	if errors.Is(err, credential.ErrNoCredentials) {
		writeError(c, http.StatusServiceUnavailable, "api_error", "No upstream credentials available")
		return
	}

	var dispatch *pipeline.DispatchError
	if errors.As(err, &dispatch) && interfaces.IsPermanentAuth(dispatch.Err) {
		// The upstream retired this access token; rotate and, when nothing
		// reached the client yet, retry once on the replacement.
		replacement, rotateErr := h.pool.HandleUpstreamAuthFailure(c.Request.Context(), dispatch.AccessToken)
		if rotateErr != nil || replacement == nil {
			log.Warnf("api: rotation after auth failure yielded nothing: %v", rotateErr)
			if !w.Committed() {
				writeError(c, http.StatusServiceUnavailable, "api_error", "No upstream credentials available")
			}
			return
		}
		if w.Committed() {
			return
		}
		req.Cred = replacement
		if err = h.pipe.Execute(c.Request.Context(), req, w); err == nil {
			return
		}
	}

	if w.Committed() {
		// The pipeline already closed the stream gracefully.
		log.Debugf("api: dispatch failed after commit: %v", err)
		return
	}

	var se *interfaces.StatusError
	if errors.As(err, &se) {
		writeError(c, se.Code, "api_error", se.Message)
		return
	}
	writeError(c, http.StatusInternalServerError, "api_error", err.Error())
}

// Health reports liveness and the pool size.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"credentials": h.pool.Len(),
	})
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// apiKeyAuth validates the inbound bearer credential against the configured
// keys. An empty key list leaves the API open.
func apiKeyAuth(keys []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		if _, ok := allowed[bearerToken(c)]; !ok {
			writeError(c, http.StatusUnauthorized, "invalid_request_error", "Invalid authentication credentials")
			c.Abort()
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debugf("%s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}
