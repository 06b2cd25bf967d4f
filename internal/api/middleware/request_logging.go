package middleware

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/logging"
)

// RequestLoggingMiddleware dumps full request/response cycles through the
// given RequestLogger. With logging disabled it is a pass-through.
func RequestLoggingMiddleware(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !logger.IsEnabled() {
			c.Next()
			return
		}

		req, err := snapshotRequest(c)
		if err != nil {
			log.Warnf("request logging: snapshot failed: %v", err)
			c.Next()
			return
		}

		rec := newResponseRecorder(c.Writer, logger, req)
		c.Writer = rec

		c.Next()

		if err = rec.Finalize(); err != nil {
			log.Warnf("request logging: finalize failed: %v", err)
		}
	}
}

// snapshotRequest copies the URL, method, headers and body of the incoming
// request. The body is consumed and then restored for the handler chain.
func snapshotRequest(c *gin.Context) (*capturedRequest, error) {
	var body []byte
	if c.Request.Body != nil {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		body = raw
	}

	return &capturedRequest{
		URL:     c.Request.URL.RequestURI(),
		Method:  c.Request.Method,
		Headers: c.Request.Header.Clone(),
		Body:    body,
	}, nil
}
