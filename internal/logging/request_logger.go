package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Credential-bearing headers are replaced with this marker in request dumps.
const redactedValue = "[REDACTED]"

var redactedHeaders = map[string]struct{}{
	"authorization":    {},
	"x-api-key":        {},
	"x-management-key": {},
}

// RequestLogger captures full request/response cycles to per-request files
// when request-log is enabled.
type RequestLogger interface {
	// LogRequest records one buffered request/response exchange.
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, response []byte) error

	// LogStreamingRequest opens a dump for a streaming response and returns
	// the writer chunks go to.
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error)

	// IsEnabled reports whether dumps are currently being written.
	IsEnabled() bool
}

// StreamingLogWriter receives response chunks as they are flushed to the
// client.
type StreamingLogWriter interface {
	// WriteChunkAsync hands a chunk to the writer without blocking the
	// response path.
	WriteChunkAsync(chunk []byte)

	// Close flushes and closes the dump file.
	Close() error
}

// FileRequestLogger implements RequestLogger using one file per request under
// logsDir. The enabled flag may be flipped at runtime by config reloads.
type FileRequestLogger struct {
	enabled atomic.Bool
	logsDir string
}

// NewFileRequestLogger returns a logger writing dumps under logsDir.
func NewFileRequestLogger(enabled bool, logsDir string) *FileRequestLogger {
	l := &FileRequestLogger{logsDir: logsDir}
	l.enabled.Store(enabled)
	return l
}

// IsEnabled reports whether dumps are currently being written.
func (l *FileRequestLogger) IsEnabled() bool {
	return l.enabled.Load()
}

// SetEnabled toggles request logging at runtime.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// LogRequest records one buffered request/response exchange.
func (l *FileRequestLogger) LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, response []byte) error {
	if !l.enabled.Load() {
		return nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return fmt.Errorf("request log: create directory: %w", err)
	}

	var dump strings.Builder
	writeRequestHead(&dump, url, method, requestHeaders, body)
	fmt.Fprintf(&dump, "=== RESPONSE ===\nStatus: %d\n\n", statusCode)
	dump.Write(response)
	dump.WriteByte('\n')

	target := filepath.Join(l.logsDir, dumpFilename(url))
	if err := os.WriteFile(target, []byte(dump.String()), 0o644); err != nil {
		return fmt.Errorf("request log: write dump: %w", err)
	}
	return nil
}

// LogStreamingRequest opens a dump for a streaming response.
func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error) {
	if !l.enabled.Load() {
		return &NoOpStreamingLogWriter{}, nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("request log: create directory: %w", err)
	}

	var head strings.Builder
	writeRequestHead(&head, url, method, headers, body)
	head.WriteString("=== STREAM ===\n")

	f, err := os.Create(filepath.Join(l.logsDir, dumpFilename(url)))
	if err != nil {
		return nil, fmt.Errorf("request log: create dump: %w", err)
	}
	if _, err = f.WriteString(head.String()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("request log: write head: %w", err)
	}

	w := &FileStreamingLogWriter{
		file:   f,
		chunks: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
	go w.drain()
	return w, nil
}

// dumpFilename derives a filesystem-safe name from the request path plus a
// nanosecond timestamp so concurrent requests never collide.
func dumpFilename(url string) string {
	path, _, _ := strings.Cut(url, "?")
	path = strings.TrimPrefix(path, "/")

	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, path)

	var name strings.Builder
	prevDash := false
	for _, r := range mapped {
		if r == '-' {
			if prevDash {
				continue
			}
			prevDash = true
		} else {
			prevDash = false
		}
		name.WriteRune(r)
	}

	trimmed := strings.Trim(name.String(), "-")
	if trimmed == "" {
		trimmed = "root"
	}
	return fmt.Sprintf("%s-%d.log", trimmed, time.Now().UnixNano())
}

// writeRequestHead renders the request section of a dump. Credential headers
// are redacted so dumps never leak API keys.
func writeRequestHead(dump *strings.Builder, url, method string, headers map[string][]string, body []byte) {
	fmt.Fprintf(dump, "=== REQUEST INFO ===\nURL: %s\nMethod: %s\nTimestamp: %s\n",
		url, method, time.Now().Format(time.RFC3339Nano))

	dump.WriteString("\n=== HEADERS ===\n")
	for key, values := range headers {
		_, redact := redactedHeaders[strings.ToLower(key)]
		for _, value := range values {
			if redact {
				value = redactedValue
			}
			fmt.Fprintf(dump, "%s: %s\n", key, value)
		}
	}

	dump.WriteString("\n=== REQUEST BODY ===\n")
	dump.Write(body)
	dump.WriteString("\n\n")
}

// FileStreamingLogWriter appends chunks to a dump file from a dedicated
// goroutine so the hot path never waits on disk.
type FileStreamingLogWriter struct {
	file   *os.File
	chunks chan []byte
	done   chan struct{}
}

// WriteChunkAsync hands a chunk to the drain goroutine. When the buffer is
// full the chunk is dropped; a lossy dump beats a stalled response.
func (w *FileStreamingLogWriter) WriteChunkAsync(chunk []byte) {
	if w.chunks == nil {
		return
	}

	copied := make([]byte, len(chunk))
	copy(copied, chunk)

	select {
	case w.chunks <- copied:
	default:
	}
}

// Close flushes remaining chunks and closes the dump file.
func (w *FileStreamingLogWriter) Close() error {
	if w.chunks != nil {
		close(w.chunks)
		<-w.done
		w.chunks = nil
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *FileStreamingLogWriter) drain() {
	defer close(w.done)

	for chunk := range w.chunks {
		if _, err := w.file.Write(chunk); err != nil {
			return
		}
	}
}

// NoOpStreamingLogWriter is used when request logging is disabled.
type NoOpStreamingLogWriter struct{}

func (w *NoOpStreamingLogWriter) WriteChunkAsync(chunk []byte) {}
func (w *NoOpStreamingLogWriter) Close() error                 { return nil }
