package direct

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers"
	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
	"github.com/router-for-me/ClaudeGateAPI/internal/constant"
	"github.com/router-for-me/ClaudeGateAPI/internal/store"
	"github.com/router-for-me/ClaudeGateAPI/internal/usage"
)

// CreateTask handles POST /v1/tasks: it persists a running task row, spawns
// the background executor and answers 202 immediately.
func (h *DirectAPIHandler) CreateTask(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteErrorDirect(c, apierr.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if req.Stream {
		h.WriteErrorDirect(c, apierr.StreamingNotSupported("background tasks cannot stream"))
		return
	}
	model, err := req.validate()
	if err != nil {
		h.WriteErrorDirect(c, err)
		return
	}

	credential := h.Credential(c)

	// A task bound to an unknown or foreign session is doomed; reject it now
	// instead of accepting work that can only fail.
	if req.SessionID != "" {
		if _, err = h.Sessions.Get(c.Request.Context(), req.SessionID, credential); err != nil {
			h.WriteErrorDirect(c, err)
			return
		}
	}

	task, runCtx, err := h.Tasks.Create(c.Request.Context(), credential, store.TaskRequest{
		Prompt:           req.Prompt,
		Model:            model,
		AllowedTools:     req.AllowedTools,
		WorkingDirectory: req.WorkingDirectory,
		SessionID:        req.SessionID,
		MaxTurns:         req.MaxTurns,
	})
	if err != nil {
		h.WriteErrorDirect(c, err)
		return
	}

	go h.executeTask(task, runCtx, credential)

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

// GetTask handles GET /v1/tasks/:id.
func (h *DirectAPIHandler) GetTask(c *gin.Context) {
	task, err := h.Tasks.Get(c.Request.Context(), c.Param("id"), h.Credential(c))
	if err != nil {
		h.WriteErrorDirect(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask handles DELETE /v1/tasks/:id. Cancelling an already terminal
// task is a no-op; either way the response carries the task's final state.
func (h *DirectAPIHandler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	credential := h.Credential(c)

	if _, err := h.Tasks.Cancel(c.Request.Context(), id, credential); err != nil {
		h.WriteErrorDirect(c, err)
		return
	}
	task, err := h.Tasks.Get(c.Request.Context(), id, credential)
	if err != nil {
		h.WriteErrorDirect(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// executeTask runs one background task to its terminal state. It executes
// under the task's detached context so the submitting request can return
// immediately and only an explicit cancel (or shutdown) aborts it.
func (h *DirectAPIHandler) executeTask(task *store.Task, runCtx context.Context, credential string) {
	if err := h.Tasks.MarkStarted(context.Background(), task.ID); err != nil {
		log.Warnf("task %s: failed to mark started: %v", task.ID, err)
	}

	turn, err := h.ExecuteTurn(runCtx, credential, handlers.TurnRequest{
		Prompt:       task.Request.Prompt,
		Model:        task.Request.Model,
		AllowedTools: task.Request.AllowedTools,
		WorkingDir:   task.Request.WorkingDirectory,
		SessionID:    task.Request.SessionID,
		MaxTurns:     task.Request.MaxTurns,
	})
	if err != nil {
		if runCtx.Err() != nil {
			// Cancel already recorded the terminal state.
			return
		}
		h.RecordUsage(constant.Direct, task.Request.Model, usage.OutcomeError)
		if failErr := h.Tasks.SetFailed(context.Background(), task.ID, taskFailureReason(err)); failErr != nil {
			log.Errorf("task %s: failed to record failure: %v", task.ID, failErr)
		}
		return
	}

	h.RecordUsage(constant.Direct, turn.Model, usage.OutcomeSuccess)
	if turn.SessionID != "" && turn.SessionID != task.Request.SessionID {
		if bindErr := h.Tasks.BindSession(context.Background(), task.ID, turn.SessionID); bindErr != nil {
			log.Warnf("task %s: failed to bind session %s: %v", task.ID, turn.SessionID, bindErr)
		}
	}
	if err = h.Tasks.SetCompleted(context.Background(), task.ID, turn.Result, turn.UpstreamSessionID); err != nil {
		log.Errorf("task %s: failed to record completion: %v", task.ID, err)
	}
}

// taskFailureReason maps an execution error onto the persisted failure
// reasons: timeouts keep their own label, everything else carries the message.
func taskFailureReason(err error) string {
	apiErr := handlers.AsAPIError(err)
	switch apiErr.Kind {
	case apierr.KindTimeout, apierr.KindQueueTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("error:%s", apiErr.Message)
	}
}
