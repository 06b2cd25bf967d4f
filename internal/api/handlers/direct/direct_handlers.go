// Package direct provides HTTP handlers for the gateway's native API surface:
// synchronous runs, session management and background tasks. Requests are
// validated here, executed through the shared dispatch core, and rendered in
// the native envelope.
package direct

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers"
	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
	"github.com/router-for-me/ClaudeGateAPI/internal/constant"
	"github.com/router-for-me/ClaudeGateAPI/internal/registry"
	"github.com/router-for-me/ClaudeGateAPI/internal/runner"
	"github.com/router-for-me/ClaudeGateAPI/internal/usage"
)

// DirectAPIHandler contains the handlers for the native API endpoints.
type DirectAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewDirectAPIHandler creates a new native API handlers instance.
func NewDirectAPIHandler(apiHandlers *handlers.BaseAPIHandler) *DirectAPIHandler {
	return &DirectAPIHandler{
		BaseAPIHandler: apiHandlers,
	}
}

// HandlerType returns the identifier for this handler implementation.
func (h *DirectAPIHandler) HandlerType() string {
	return constant.Direct
}

// runRequest is the body of POST /v1/run.
type runRequest struct {
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model"`
	AllowedTools     []string `json:"allowed_tools"`
	WorkingDirectory string   `json:"working_directory"`
	SessionID        string   `json:"session_id"`
	MaxTurns         int      `json:"max_turns"`
	Stream           bool     `json:"stream"`
}

// validate checks the request shape and resolves the model alias.
func (r *runRequest) validate() (string, error) {
	if r.Prompt == "" {
		return "", apierr.InvalidRequest("prompt must not be empty")
	}
	if r.MaxTurns < 0 {
		return "", apierr.InvalidRequest("max_turns must be positive")
	}
	model, ok := registry.Resolve(r.Model)
	if !ok {
		return "", apierr.InvalidModel(r.Model)
	}
	return model, nil
}

// Run handles the POST /v1/run endpoint: one synchronous CLI exchange,
// optionally resumed from a session and optionally streamed.
func (h *DirectAPIHandler) Run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteErrorDirect(c, apierr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	model, err := req.validate()
	if err != nil {
		h.WriteErrorDirect(c, err)
		return
	}

	if req.Stream {
		h.handleStreamingRun(c, req, model)
		return
	}

	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	turn, err := h.ExecuteTurn(ctx, h.Credential(c), handlers.TurnRequest{
		Prompt:       req.Prompt,
		Model:        model,
		AllowedTools: req.AllowedTools,
		WorkingDir:   req.WorkingDirectory,
		SessionID:    req.SessionID,
		MaxTurns:     req.MaxTurns,
	})
	if err != nil {
		h.RecordUsage(constant.Direct, model, usage.OutcomeError)
		h.WriteErrorDirect(c, err)
		return
	}
	h.RecordUsage(constant.Direct, turn.Model, usage.OutcomeSuccess)

	resp := gin.H{
		"result": turn.Result,
		"model":  turn.Model,
	}
	if turn.SessionID != "" {
		resp["session_id"] = turn.SessionID
	}
	c.JSON(http.StatusOK, resp)
}

// streamEvent is one SSE payload on the native surface.
type streamEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// handleStreamingRun streams deltas as they arrive from the CLI. SSE headers
// are deferred until the first chunk so pre-flight failures (queue full,
// unknown session) still reach the client with their proper status codes.
func (h *DirectAPIHandler) handleStreamingRun(c *gin.Context, req runRequest, model string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.WriteErrorDirect(c, apierr.StreamingNotSupported("streaming is not supported by this connection"))
		return
	}

	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	// The chunk sink runs on the worker goroutine, strictly before the
	// submission resolves, so it never races the writes below. The end chunk
	// is held back and written after the turn settles because the session ID
	// it carries is only assigned once the session row is persisted.
	var started bool
	stopReason := "end_turn"
	onChunk := func(chunk runner.StreamChunk) {
		if !started {
			started = true
			writeSSEHeaders(c)
		}
		switch chunk.Kind {
		case runner.ChunkDelta:
			writeSSEEvent(c, flusher, streamEvent{Type: "delta", Text: chunk.Text})
		case runner.ChunkEnd:
			if chunk.StopReason != "" {
				stopReason = chunk.StopReason
			}
		}
	}

	turn, err := h.ExecuteTurn(ctx, h.Credential(c), handlers.TurnRequest{
		Prompt:       req.Prompt,
		Model:        model,
		AllowedTools: req.AllowedTools,
		WorkingDir:   req.WorkingDirectory,
		SessionID:    req.SessionID,
		MaxTurns:     req.MaxTurns,
		Stream:       true,
		OnChunk:      onChunk,
	})
	if err != nil {
		h.RecordUsage(constant.Direct, model, usage.OutcomeError)
		if !started {
			h.WriteErrorDirect(c, err)
			return
		}
		apiErr := handlers.AsAPIError(err)
		writeSSEEvent(c, flusher, gin.H{
			"type": "error",
			"error": gin.H{
				"code":    apiErr.Code,
				"message": apiErr.Message,
			},
		})
		return
	}
	h.RecordUsage(constant.Direct, turn.Model, usage.OutcomeSuccess)

	if !started {
		// The child produced no stream events at all; open the stream so the
		// client still gets a well-formed termination frame.
		started = true
		writeSSEHeaders(c)
	}
	writeSSEEvent(c, flusher, streamEvent{Type: "end", StopReason: stopReason, SessionID: turn.SessionID})
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeSSEEvent(c *gin.Context, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	flusher.Flush()
}
