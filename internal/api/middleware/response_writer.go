// Package middleware provides HTTP middleware for the Claude Gate API
// server: request dump logging and the response recorder that captures
// response data for it without delaying the client.
package middleware

import (
	"bytes"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/ClaudeGateAPI/internal/logging"
)

// capturedRequest is the request snapshot a dump is built from.
type capturedRequest struct {
	URL     string
	Method  string
	Headers map[string][]string
	Body    []byte
}

// responseRecorder wraps gin.ResponseWriter so the dump logger sees response
// data. The client write always happens first; logging trails it and is
// dropped under pressure rather than blocking the response.
type responseRecorder struct {
	gin.ResponseWriter

	logger logging.RequestLogger
	req    *capturedRequest

	buf       bytes.Buffer
	status    int
	streaming bool
	stream    logging.StreamingLogWriter
}

func newResponseRecorder(w gin.ResponseWriter, logger logging.RequestLogger, req *capturedRequest) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		logger:         logger,
		req:            req,
	}
}

// Write forwards data to the client first, then records it: streamed chunks
// go to the async dump, buffered responses accumulate for Finalize.
func (r *responseRecorder) Write(data []byte) (int, error) {
	n, err := r.ResponseWriter.Write(data)

	if r.streaming {
		if r.stream != nil {
			r.stream.WriteChunkAsync(data)
		}
	} else {
		r.buf.Write(data)
	}

	return n, err
}

// WriteHeader captures the status code and switches the recorder into
// streaming mode when the response turns out to be an event stream.
func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.streaming = r.detectStreaming()

	if r.streaming && r.logger.IsEnabled() {
		stream, err := r.logger.LogStreamingRequest(r.req.URL, r.req.Method, r.req.Headers, r.req.Body)
		if err == nil {
			r.stream = stream
		}
	}

	r.ResponseWriter.WriteHeader(status)
}

// detectStreaming checks the response Content-Type and the request's stream
// flag. The flag matters because an error response to a stream request may
// never reach the SSE content type.
func (r *responseRecorder) detectStreaming() bool {
	if strings.Contains(r.ResponseWriter.Header().Get("Content-Type"), "text/event-stream") {
		return true
	}
	return gjson.GetBytes(r.req.Body, "stream").Type == gjson.True
}

// Finalize writes the buffered dump, or closes the streaming one.
func (r *responseRecorder) Finalize() error {
	if !r.logger.IsEnabled() {
		return nil
	}

	if r.streaming {
		if r.stream != nil {
			return r.stream.Close()
		}
		return nil
	}

	return r.logger.LogRequest(r.req.URL, r.req.Method, r.req.Headers, r.req.Body, r.Status(), r.buf.Bytes())
}

// Status returns the response status, defaulting to 200 when the handler
// never called WriteHeader explicitly.
func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return 200
	}
	return r.status
}

// Size reports the buffered body length, or -1 for streams.
func (r *responseRecorder) Size() int {
	if r.streaming {
		return -1
	}
	return r.buf.Len()
}

// Written reports whether the header went out.
func (r *responseRecorder) Written() bool {
	return r.status != 0
}
