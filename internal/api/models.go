package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poolbridge/geminipool/internal/translator"
)

// supportedModels are the Code Assist models the pool can serve.
var supportedModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.5-flash-image-preview",
}

// modelCreated is the fixed creation timestamp OpenAI clients expect on the
// models listing.
const modelCreated = 1677610602

// ListModels handles GET /v1/models, advertising each base model plus its
// fake-stream variant where the model supports one.
func (h *Handler) ListModels(c *gin.Context) {
	data := make([]gin.H, 0, len(supportedModels)*2)
	for _, id := range supportedModels {
		data = append(data, modelEntry(id))
		if !translator.IsImageModel(id) {
			data = append(data, modelEntry(id+translator.FakeStreamSuffix))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

func modelEntry(id string) gin.H {
	return gin.H{
		"id":       id,
		"object":   "model",
		"created":  modelCreated,
		"owned_by": "google",
		"root":     id,
		"parent":   nil,
	}
}
