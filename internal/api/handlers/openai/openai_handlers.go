// Package openai provides HTTP handlers for the OpenAI-compatible API
// endpoints: model listing and chat completions. Chat requests are flattened
// into CLI prompts, executed through the shared dispatch core, and rendered
// back as chat.completion envelopes, streaming or not. A session_id extension
// field carries the gateway's multi-turn state across calls.
package openai

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers"
	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
	"github.com/router-for-me/ClaudeGateAPI/internal/constant"
	"github.com/router-for-me/ClaudeGateAPI/internal/registry"
	"github.com/router-for-me/ClaudeGateAPI/internal/runner"
	"github.com/router-for-me/ClaudeGateAPI/internal/usage"
)

// OpenAIAPIHandler contains the handlers for OpenAI-compatible API endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewOpenAIAPIHandler creates a new OpenAI-compatible API handlers instance.
func NewOpenAIAPIHandler(apiHandlers *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{
		BaseAPIHandler: apiHandlers,
	}
}

// HandlerType returns the identifier for this handler implementation.
func (h *OpenAIAPIHandler) HandlerType() string {
	return constant.OpenAI
}

// Models returns the OpenAI-compatible model metadata for the catalog.
func (h *OpenAIAPIHandler) Models() []map[string]any {
	return registry.AvailableModels()
}

// OpenAIModels handles the /v1/models endpoint.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.Models(),
	})
}

// ChatCompletions handles the /v1/chat/completions endpoint. It determines
// whether the request is for a streaming or non-streaming response and calls
// the appropriate handler.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: fmt.Sprintf("Invalid request: %v", err),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	req, err := h.parseChatRequest(rawJSON)
	if err != nil {
		h.WriteErrorOpenAI(c, err)
		return
	}

	if gjson.GetBytes(rawJSON, "stream").Type == gjson.True {
		h.handleStreamingResponse(c, req)
	} else {
		h.handleNonStreamingResponse(c, req)
	}
}

// parseChatRequest validates the chat body and folds it into a turn request.
func (h *OpenAIAPIHandler) parseChatRequest(rawJSON []byte) (handlers.TurnRequest, error) {
	var req handlers.TurnRequest

	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return req, apierr.InvalidRequest("messages must be a non-empty array")
	}

	prompt := handlers.FlattenPrompt("", messages.Array())
	if prompt == "" {
		return req, apierr.InvalidRequest("messages contain no text content")
	}

	requested := gjson.GetBytes(rawJSON, "model").String()
	model, ok := registry.Resolve(requested)
	if !ok {
		return req, apierr.InvalidModel(requested)
	}

	req.Prompt = prompt
	req.Model = model
	req.SessionID = gjson.GetBytes(rawJSON, "session_id").String()
	return req, nil
}

// handleNonStreamingResponse executes the turn and renders a chat.completion
// envelope with a single choice.
func (h *OpenAIAPIHandler) handleNonStreamingResponse(c *gin.Context, req handlers.TurnRequest) {
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	turn, err := h.ExecuteTurn(ctx, h.Credential(c), req)
	if err != nil {
		h.RecordUsage(constant.OpenAI, req.Model, usage.OutcomeError)
		h.WriteErrorOpenAI(c, err)
		return
	}
	h.RecordUsage(constant.OpenAI, turn.Model, usage.OutcomeSuccess)

	resp := gin.H{
		"id":      completionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   turn.Model,
		"choices": []gin.H{{
			"index": 0,
			"message": gin.H{
				"role":    "assistant",
				"content": turn.Result,
			},
			"finish_reason": "stop",
		}},
	}
	if turn.SessionID != "" {
		resp["session_id"] = turn.SessionID
	}
	c.JSON(http.StatusOK, resp)
}

// handleStreamingResponse executes the turn with streaming enabled and
// forwards each delta as a chat.completion.chunk SSE frame, closing with
// [DONE]. Headers wait for the first chunk so admission failures keep their
// status codes.
func (h *OpenAIAPIHandler) handleStreamingResponse(c *gin.Context, req handlers.TurnRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: "Streaming not supported",
				Type:    "server_error",
			},
		})
		return
	}

	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	model := req.Model
	if model == "" {
		model = h.Cfg.DefaultModel
	}
	base := fmt.Sprintf(
		`{"id":%q,"object":"chat.completion.chunk","created":%d,"model":%q,"choices":[{"index":0,"delta":{},"finish_reason":null}]}`,
		completionID(), time.Now().Unix(), model)

	// The finish frame waits until the turn settles so it can carry the
	// gateway session ID, which first-turn requests only get once the
	// session row is persisted.
	var started bool
	onChunk := func(chunk runner.StreamChunk) {
		if !started {
			started = true
			writeSSEHeaders(c)
			role, _ := sjson.Set(base, "choices.0.delta.role", "assistant")
			writeSSEFrame(c, flusher, role)
		}
		if chunk.Kind == runner.ChunkDelta {
			frame, _ := sjson.Set(base, "choices.0.delta.content", chunk.Text)
			writeSSEFrame(c, flusher, frame)
		}
	}

	req.Stream = true
	req.OnChunk = onChunk
	turn, err := h.ExecuteTurn(ctx, h.Credential(c), req)
	if err != nil {
		h.RecordUsage(constant.OpenAI, req.Model, usage.OutcomeError)
		if !started {
			h.WriteErrorOpenAI(c, err)
			return
		}
		apiErr := handlers.AsAPIError(err)
		frame := fmt.Sprintf(`{"error":{"message":%q,"type":%q,"code":%q}}`,
			apiErr.Message, openAIStreamErrorType(apiErr.HTTPStatus), apiErr.Code)
		writeSSEFrame(c, flusher, frame)
		writeSSEDone(c, flusher)
		return
	}
	h.RecordUsage(constant.OpenAI, turn.Model, usage.OutcomeSuccess)

	if !started {
		started = true
		writeSSEHeaders(c)
		role, _ := sjson.Set(base, "choices.0.delta.role", "assistant")
		writeSSEFrame(c, flusher, role)
	}
	finish, _ := sjson.Set(base, "choices.0.finish_reason", "stop")
	if turn.SessionID != "" {
		finish, _ = sjson.Set(finish, "session_id", turn.SessionID)
	}
	writeSSEFrame(c, flusher, finish)
	writeSSEDone(c, flusher)
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func openAIStreamErrorType(status int) string {
	if status >= http.StatusInternalServerError {
		return "server_error"
	}
	return "invalid_request_error"
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeSSEFrame(c *gin.Context, flusher http.Flusher, frame string) {
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", frame)
	flusher.Flush()
}

func writeSSEDone(c *gin.Context, flusher http.Flusher) {
	_, _ = fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}
