// Package claude provides HTTP handlers for the Anthropic-compatible API
// endpoints. The messages body (system plus transcript) is flattened into a
// CLI prompt, executed through the shared dispatch core, and rendered back as
// a message envelope or the native streaming event sequence.
package claude

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

// ClaudeAPIHandler contains the handlers for Anthropic-compatible endpoints.
type ClaudeAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewClaudeAPIHandler creates a new Anthropic-compatible handlers instance.
func NewClaudeAPIHandler(apiHandlers *handlers.BaseAPIHandler) *ClaudeAPIHandler {
	return &ClaudeAPIHandler{
		BaseAPIHandler: apiHandlers,
	}
}

// HandlerType returns the identifier for this handler implementation.
func (h *ClaudeAPIHandler) HandlerType() string {
	return constant.Claude
}

// ClaudeModels handles GET /v1/models for Anthropic-style clients.
func (h *ClaudeAPIHandler) ClaudeModels(c *gin.Context) {
	models := registry.Models()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"type":         "model",
			"id":           m.ID,
			"display_name": m.DisplayName,
			"created_at":   time.Unix(m.Created, 0).UTC().Format(time.RFC3339),
		})
	}

	resp := gin.H{
		"data":     data,
		"has_more": false,
	}
	if len(models) > 0 {
		resp["first_id"] = models[0].ID
		resp["last_id"] = models[len(models)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// ClaudeMessages handles the /v1/messages endpoint, streaming or not.
func (h *ClaudeAPIHandler) ClaudeMessages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteErrorClaude(c, apierr.InvalidRequest(fmt.Sprintf("invalid request: %v", err)))
		return
	}

	req, err := h.parseMessagesRequest(rawJSON)
	if err != nil {
		h.WriteErrorClaude(c, err)
		return
	}

	if gjson.GetBytes(rawJSON, "stream").Type == gjson.True {
		h.handleStreamingResponse(c, req)
	} else {
		h.handleNonStreamingResponse(c, req)
	}
}

// parseMessagesRequest validates the messages body and folds system plus
// transcript into a turn request.
func (h *ClaudeAPIHandler) parseMessagesRequest(rawJSON []byte) (handlers.TurnRequest, error) {
	var req handlers.TurnRequest

	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return req, apierr.InvalidRequest("messages must be a non-empty array")
	}

	system := handlers.MessageText(gjson.GetBytes(rawJSON, "system"))
	prompt := handlers.FlattenPrompt(system, messages.Array())
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

// handleNonStreamingResponse executes the turn and renders a message envelope.
func (h *ClaudeAPIHandler) handleNonStreamingResponse(c *gin.Context, req handlers.TurnRequest) {
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	turn, err := h.ExecuteTurn(ctx, h.Credential(c), req)
	if err != nil {
		h.RecordUsage(constant.Claude, req.Model, usage.OutcomeError)
		h.WriteErrorClaude(c, err)
		return
	}
	h.RecordUsage(constant.Claude, turn.Model, usage.OutcomeSuccess)

	resp := gin.H{
		"id":    messageID(),
		"type":  "message",
		"role":  "assistant",
		"model": turn.Model,
		"content": []gin.H{{
			"type": "text",
			"text": turn.Result,
		}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
	}
	if turn.SessionID != "" {
		resp["session_id"] = turn.SessionID
	}
	c.JSON(http.StatusOK, resp)
}

// handleStreamingResponse emits the native event sequence: message_start,
// content_block_start, content_block_delta..., content_block_stop,
// message_delta, message_stop. Headers wait for the first chunk so admission
// failures keep their status codes.
func (h *ClaudeAPIHandler) handleStreamingResponse(c *gin.Context, req handlers.TurnRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.WriteErrorClaude(c, apierr.StreamingNotSupported("streaming is not supported by this connection"))
		return
	}

	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()

	model := req.Model
	if model == "" {
		model = h.Cfg.DefaultModel
	}
	start := fmt.Sprintf(
		`{"type":"message_start","message":{"id":%q,"type":"message","role":"assistant","model":%q,"content":[],"stop_reason":null,"stop_sequence":null}}`,
		messageID(), model)

	// The closing sequence waits until the turn settles so message_delta can
	// carry the gateway session ID, which first-turn requests only get once
	// the session row is persisted.
	var started bool
	stopReason := "end_turn"
	openStream := func() {
		started = true
		writeSSEHeaders(c)
		writeClaudeEvent(c, flusher, "message_start", start)
		writeClaudeEvent(c, flusher, "content_block_start",
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	}
	onChunk := func(chunk runner.StreamChunk) {
		if !started {
			openStream()
		}
		switch chunk.Kind {
		case runner.ChunkDelta:
			frame, _ := sjson.Set(
				`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta"}}`,
				"delta.text", chunk.Text)
			writeClaudeEvent(c, flusher, "content_block_delta", frame)
		case runner.ChunkEnd:
			if chunk.StopReason != "" {
				stopReason = chunk.StopReason
			}
		}
	}

	req.Stream = true
	req.OnChunk = onChunk
	turn, err := h.ExecuteTurn(ctx, h.Credential(c), req)
	if err != nil {
		h.RecordUsage(constant.Claude, req.Model, usage.OutcomeError)
		if !started {
			h.WriteErrorClaude(c, err)
			return
		}
		apiErr := handlers.AsAPIError(err)
		frame := fmt.Sprintf(`{"type":"error","error":{"type":"api_error","message":%q}}`, apiErr.Message)
		writeClaudeEvent(c, flusher, "error", frame)
		return
	}
	h.RecordUsage(constant.Claude, turn.Model, usage.OutcomeSuccess)

	if !started {
		openStream()
	}
	writeClaudeEvent(c, flusher, "content_block_stop",
		`{"type":"content_block_stop","index":0}`)
	delta, _ := sjson.Set(
		`{"type":"message_delta","delta":{"stop_sequence":null}}`,
		"delta.stop_reason", stopReason)
	if turn.SessionID != "" {
		delta, _ = sjson.Set(delta, "session_id", turn.SessionID)
	}
	writeClaudeEvent(c, flusher, "message_delta", delta)
	writeClaudeEvent(c, flusher, "message_stop", `{"type":"message_stop"}`)
}

func messageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeClaudeEvent(c *gin.Context, flusher http.Flusher, event, data string) {
	_, _ = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
