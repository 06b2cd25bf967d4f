// Package handlers provides the shared plumbing for the Claude Gate API
// endpoint handlers. It bundles the dispatch core (worker pool, session and
// task stores, usage counters) behind a base handler that the per-surface
// packages (direct, OpenAI-compatible, Anthropic-compatible, management)
// embed, and it owns the mapping from core errors onto each surface's wire
// envelope.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
	"github.com/router-for-me/ClaudeGateAPI/internal/config"
	"github.com/router-for-me/ClaudeGateAPI/internal/pool"
	"github.com/router-for-me/ClaudeGateAPI/internal/runner"
	"github.com/router-for-me/ClaudeGateAPI/internal/store"
	"github.com/router-for-me/ClaudeGateAPI/internal/usage"
)

// ErrorResponse represents a standard error response format for the API.
// It contains a single ErrorDetail field.
type ErrorResponse struct {
	// Error contains detailed information about the error that occurred.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
// It includes a human-readable message, an error type, and an optional error code.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error, if applicable.
	Code string `json:"code,omitempty"`
}

// BaseAPIHandler carries the dispatch core shared by every endpoint handler.
type BaseAPIHandler struct {
	// Cfg holds the current application configuration.
	Cfg *config.Config

	// Pool is the bounded worker pool all CLI executions go through.
	Pool *pool.Pool

	// Sessions is the persistent session store.
	Sessions *store.SessionStore

	// Tasks is the persistent background task store.
	Tasks *store.TaskStore

	// Usage records per-surface request counters.
	Usage *usage.Store
}

// NewBaseAPIHandler creates the shared handler core.
func NewBaseAPIHandler(cfg *config.Config, p *pool.Pool, sessions *store.SessionStore, tasks *store.TaskStore, stats *usage.Store) *BaseAPIHandler {
	return &BaseAPIHandler{
		Cfg:      cfg,
		Pool:     p,
		Sessions: sessions,
		Tasks:    tasks,
		Usage:    stats,
	}
}

// UpdateConfig swaps the configuration reference when the server hot-reloads.
func (h *BaseAPIHandler) UpdateConfig(cfg *config.Config) {
	h.Cfg = cfg
}

// Credential returns the raw API key the auth middleware matched for this
// request. With authentication disabled it is empty, which fingerprints every
// caller as the same anonymous owner.
func (h *BaseAPIHandler) Credential(c *gin.Context) string {
	if v, exists := c.Get("apiKey"); exists {
		if key, ok := v.(string); ok {
			return key
		}
	}
	return ""
}

// GetContextWithCancel derives a cancellable context from the client request.
// The returned context dies with the HTTP connection, which is what feeds
// client-disconnect cancellation into the pool and the runner.
func (h *BaseAPIHandler) GetContextWithCancel(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(c.Request.Context())
}

// TurnRequest is one conversational exchange bound for the worker pool,
// already validated and model-resolved by the calling surface.
type TurnRequest struct {
	Prompt       string
	Model        string
	AllowedTools []string
	WorkingDir   string
	SessionID    string
	MaxTurns     int
	Stream       bool
	OnChunk      func(runner.StreamChunk)
}

// TurnResult is the surface-agnostic outcome of one exchange.
type TurnResult struct {
	// Result is the assistant text.
	Result string

	// SessionID is the gateway session the turn ran under: the resumed one,
	// a freshly created one, or empty when no session is involved.
	SessionID string

	// UpstreamSessionID is the CLI-native token behind SessionID. It is for
	// internal persistence and must never be serialized to clients.
	UpstreamSessionID string

	// Model is the effective model of the invocation.
	Model string
}

// ExecuteTurn runs one exchange through the session lock and the worker pool
// and persists any upstream session token the CLI handed back. Streaming
// turns take a single attempt; everything else goes through the retry wrapper.
func (h *BaseAPIHandler) ExecuteTurn(ctx context.Context, credential string, req TurnRequest) (*TurnResult, error) {
	opts := runner.Options{
		Prompt:       req.Prompt,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
		WorkingDir:   req.WorkingDir,
		MaxTurns:     req.MaxTurns,
		Stream:       req.Stream,
		OnChunk:      req.OnChunk,
	}
	if opts.Model == "" {
		opts.Model = h.Cfg.DefaultModel
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = h.Cfg.DefaultWorkspaceDir
	}

	var sess *store.Session
	if req.SessionID != "" {
		// The lock is taken before the row is read so a waiter always sees
		// the token its predecessor rotated in.
		if err := h.Sessions.Acquire(ctx, req.SessionID); err != nil {
			return nil, apierr.Aborted("client_disconnect").WithCause(err)
		}
		defer h.Sessions.Release(req.SessionID)

		var err error
		if sess, err = h.Sessions.Get(ctx, req.SessionID, credential); err != nil {
			return nil, err
		}
		opts.ResumeSessionID = sess.UpstreamSessionID
	}

	reqID := uuid.NewString()[:8]
	var (
		res *runner.Result
		err error
	)
	if req.Stream {
		res, err = h.Pool.Submit(ctx, opts, reqID)
	} else {
		res, err = h.Pool.SubmitWithRetry(ctx, opts, reqID)
	}
	if err != nil {
		return nil, err
	}

	out := &TurnResult{
		Result:            res.Result,
		UpstreamSessionID: res.UpstreamSessionID,
		Model:             res.Model,
	}
	out.SessionID = h.persistUpstream(sess, credential, res.UpstreamSessionID)
	return out, nil
}

// persistUpstream stores the token the CLI returned: rotation on a resumed
// session, a new session record on a first turn. Persistence runs detached
// from the request context so a client that hangs up mid-write does not lose
// the rotation. Failures degrade to a session-less result.
func (h *BaseAPIHandler) persistUpstream(sess *store.Session, credential, upstream string) string {
	ctx := context.Background()

	if sess != nil {
		var err error
		if upstream != "" && upstream != sess.UpstreamSessionID {
			err = h.Sessions.SetUpstream(ctx, sess.ID, upstream)
		} else {
			err = h.Sessions.Touch(ctx, sess.ID)
		}
		if err != nil {
			log.Warnf("session %s: failed to persist upstream token: %v", sess.ID, err)
		}
		return sess.ID
	}

	if upstream == "" {
		return ""
	}
	created, err := h.Sessions.Create(ctx, upstream, credential)
	if err != nil {
		log.Warnf("failed to create session for returned upstream token: %v", err)
		return ""
	}
	return created.ID
}

// RecordUsage bumps the usage counters; accounting failures never affect the
// response.
func (h *BaseAPIHandler) RecordUsage(surface, model string, outcome usage.Outcome) {
	if h.Usage == nil {
		return
	}
	if err := h.Usage.Record(surface, model, outcome); err != nil {
		log.Warnf("usage record failed: %v", err)
	}
}

// AsAPIError normalizes any error into the closed taxonomy for rendering.
func AsAPIError(err error) *apierr.Error {
	if apiErr, ok := apierr.As(err); ok {
		return apiErr
	}
	return apierr.Internal(err.Error())
}

// WriteErrorDirect renders err in the gateway's native error envelope.
func (h *BaseAPIHandler) WriteErrorDirect(c *gin.Context, err error) {
	apiErr := AsAPIError(err)
	detail := gin.H{
		"code":    apiErr.Code,
		"message": apiErr.Message,
	}
	if len(apiErr.Details) > 0 {
		detail["details"] = apiErr.Details
	}
	c.JSON(apiErr.HTTPStatus, gin.H{"error": detail})
}

// WriteErrorOpenAI renders err as an OpenAI-style error object.
func (h *BaseAPIHandler) WriteErrorOpenAI(c *gin.Context, err error) {
	apiErr := AsAPIError(err)
	c.JSON(apiErr.HTTPStatus, ErrorResponse{
		Error: ErrorDetail{
			Message: apiErr.Message,
			Type:    openAIErrorType(apiErr.HTTPStatus),
			Code:    apiErr.Code,
		},
	})
}

// WriteErrorClaude renders err as an Anthropic-style error envelope.
func (h *BaseAPIHandler) WriteErrorClaude(c *gin.Context, err error) {
	apiErr := AsAPIError(err)
	c.JSON(apiErr.HTTPStatus, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    claudeErrorType(apiErr.HTTPStatus),
			"message": apiErr.Message,
		},
	})
}

func openAIErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func claudeErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= http.StatusInternalServerError:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
