// Package apierr defines the closed set of failure kinds produced by the
// dispatch core. Every failure path yields an *Error carrying a kind, an
// HTTP-visible status, a machine code and a human message; the HTTP surfaces
// render these into their protocol envelopes, the core never formats for the
// wire. Retryability is a pure function of the kind plus a transport-reset
// predicate on non-kinded errors.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
)

// Kind identifies one failure class.
type Kind string

const (
	KindAuth                  Kind = "auth"
	KindInvalidRequest        Kind = "invalid_request"
	KindTimeout               Kind = "timeout"
	KindQueueTimeout          Kind = "queue_timeout"
	KindQueueFull             Kind = "queue_full"
	KindRateLimit             Kind = "rate_limit"
	KindUpstreamAuth          Kind = "upstream_auth"
	KindCLIError              Kind = "cli_error"
	KindCLINotFound           Kind = "cli_not_found"
	KindMemory                Kind = "memory"
	KindSessionNotFound       Kind = "session_not_found"
	KindSessionLimit          Kind = "session_limit"
	KindTaskNotFound          Kind = "task_not_found"
	KindInvalidModel          Kind = "invalid_model"
	KindStreamingNotSupported Kind = "streaming_not_supported"
	KindInternal              Kind = "internal"
)

// statusByKind maps each kind to its canonical HTTP status.
var statusByKind = map[Kind]int{
	KindAuth:                  http.StatusUnauthorized,
	KindInvalidRequest:        http.StatusBadRequest,
	KindTimeout:               http.StatusGatewayTimeout,
	KindQueueTimeout:          http.StatusGatewayTimeout,
	KindQueueFull:             http.StatusTooManyRequests,
	KindRateLimit:             http.StatusTooManyRequests,
	KindUpstreamAuth:          http.StatusUnauthorized,
	KindCLIError:              http.StatusInternalServerError,
	KindCLINotFound:           http.StatusInternalServerError,
	KindMemory:                http.StatusInternalServerError,
	KindSessionNotFound:       http.StatusNotFound,
	KindSessionLimit:          http.StatusTooManyRequests,
	KindTaskNotFound:          http.StatusNotFound,
	KindInvalidModel:          http.StatusBadRequest,
	KindStreamingNotSupported: http.StatusBadRequest,
	KindInternal:              http.StatusInternalServerError,
}

// Kinds returns every kind in the taxonomy.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(statusByKind))
	for k := range statusByKind {
		kinds = append(kinds, k)
	}
	return kinds
}

// Error is the value type carried by every core failure.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Message    string
	Details    map[string]any
	cause      error
}

// New creates an error of the given kind with its canonical HTTP status.
// The machine code defaults to the kind itself.
func New(kind Kind, message string) *Error {
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{
		Kind:       kind,
		HTTPStatus: status,
		Code:       string(kind),
		Message:    message,
	}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithDetail attaches one detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for logs and errors.Is/As chains.
// The cause is never rendered to clients.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns err's kind, or KindInternal for non-kinded errors.
func KindOf(err error) Kind {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind
	}
	return KindInternal
}

// Is lets errors.Is match two *Error values by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Auth reports a missing or invalid gateway credential.
func Auth(message string) *Error { return New(KindAuth, message) }

// InvalidRequest reports a malformed or out-of-contract request.
func InvalidRequest(message string) *Error { return New(KindInvalidRequest, message) }

// Timeout reports that a CLI execution exceeded its request timeout.
func Timeout(message string) *Error { return New(KindTimeout, message) }

// QueueTimeout reports that a submission waited out its queue ceiling.
func QueueTimeout(message string) *Error { return New(KindQueueTimeout, message) }

// QueueFull reports that admission would exceed the outstanding bound.
func QueueFull(message string) *Error { return New(KindQueueFull, message) }

// RateLimit reports an upstream rate limit surfaced by the CLI.
func RateLimit(message string) *Error { return New(KindRateLimit, message) }

// UpstreamAuth reports that the CLI itself is not authenticated upstream.
func UpstreamAuth(message string) *Error { return New(KindUpstreamAuth, message) }

// CLIError reports a CLI failure that fits no narrower kind.
func CLIError(message string) *Error { return New(KindCLIError, message) }

// CLINotFound reports that the CLI binary could not be located.
func CLINotFound(message string) *Error { return New(KindCLINotFound, message) }

// Memory reports that the CLI died of memory exhaustion.
func Memory(message string) *Error { return New(KindMemory, message) }

// SessionNotFound reports an unknown session ID. Ownership mismatches use the
// same kind so that existence is not leaked.
func SessionNotFound(id string) *Error {
	return Newf(KindSessionNotFound, "session %s not found", id)
}

// SessionLimit reports that the owner reached its session quota.
func SessionLimit(limit int) *Error {
	return Newf(KindSessionLimit, "session limit of %d reached for this credential", limit)
}

// TaskNotFound reports an unknown task ID, including ownership mismatches.
func TaskNotFound(id string) *Error {
	return Newf(KindTaskNotFound, "task %s not found", id)
}

// InvalidModel reports a model name outside the catalog.
func InvalidModel(name string) *Error {
	return Newf(KindInvalidModel, "unknown model %q", name)
}

// StreamingNotSupported reports a stream request on a non-streaming route.
func StreamingNotSupported(message string) *Error {
	return New(KindStreamingNotSupported, message)
}

// Internal reports an unexpected gateway-side failure.
func Internal(message string) *Error { return New(KindInternal, message) }

// Aborted is the terminal error for cooperatively cancelled submissions.
func Aborted(reason string) *Error {
	return New(KindCLIError, "request aborted").WithDetail("reason", reason)
}

// Retryable reports whether a failed attempt may be retried. Only timeouts,
// rate limits and transport-level resets qualify; everything else is terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := As(err); ok {
		return apiErr.Kind == KindTimeout || apiErr.Kind == KindRateLimit
	}
	return isConnReset(err)
}

// isConnReset detects transport-level resets on errors outside the taxonomy.
func isConnReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
