// Package handlers implements the HTTP endpoints served by ccbridge.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ccbridge/ccbridge/internal/engine"
	"github.com/ccbridge/ccbridge/internal/json"
	log "github.com/ccbridge/ccbridge/internal/logging"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// ChatHandler serves POST /v1/chat/completions.
type ChatHandler struct {
	core *engine.Engine
}

// NewChatHandler returns a handler over the engine.
func NewChatHandler(core *engine.Engine) *ChatHandler {
	return &ChatHandler{core: core}
}

// Completions decodes the request and dispatches to the sync or SSE path.
func (h *ChatHandler) Completions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, &engine.APIError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "failed to read request body"})
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, &engine.APIError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "malformed JSON body"})
		return
	}

	if req.Stream {
		h.stream(c, &req)
		return
	}

	resp, err := h.core.Complete(c.Request.Context(), &req)
	if err != nil {
		writeError(c, engine.Classify(err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// stream writes the completion as an SSE stream. Errors before the first
// frame get a JSON error response; after that, an error frame plus [DONE].
func (h *ChatHandler) stream(c *gin.Context, req *openai.ChatCompletionRequest) {
	pipeline, err := h.core.CompleteStream(c.Request.Context(), req)
	if err != nil {
		writeError(c, engine.Classify(err))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	clientGone := c.Request.Context().Done()

	for frame := range pipeline.Output() {
		select {
		case <-clientGone:
			pipeline.Cancel()
			for range pipeline.Output() {
			}
			return
		default:
		}
		if frame.Err != nil {
			log.Warnf("stream producer error: %v", frame.Err)
			continue
		}
		if _, err := c.Writer.Write(frame.Data); err != nil {
			pipeline.Cancel()
			for range pipeline.Output() {
			}
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func writeError(c *gin.Context, apiErr *engine.APIError) {
	c.JSON(apiErr.Status, apiErr.Envelope())
}
