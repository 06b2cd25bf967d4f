package runner

import (
	"bytes"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Stream chunk kinds.
const (
	ChunkDelta = "delta"
	ChunkEnd   = "end"
)

const defaultStopReason = "end_turn"

// StreamChunk is one unit of streamed assistant output.
type StreamChunk struct {
	// Kind is ChunkDelta for text and ChunkEnd for the terminal chunk.
	Kind string
	// Text carries the delta text for ChunkDelta chunks.
	Text string
	// StopReason is set on the ChunkEnd chunk.
	StopReason string
}

// streamDemux splits the CLI's stream-json stdout into lines, decodes each
// complete line and maps known event types onto StreamChunks. Malformed lines
// are logged and skipped; the trailing partial line is retained until the
// next write. It doubles as the accumulator for the final result text and the
// upstream session token.
type streamDemux struct {
	sink      func(StreamChunk)
	buf       bytes.Buffer
	text      strings.Builder
	sessionID string
	ended     bool
}

func newStreamDemux(sink func(StreamChunk)) *streamDemux {
	return &streamDemux{sink: sink}
}

// Write implements io.Writer over the raw stdout byte stream.
func (d *streamDemux) Write(p []byte) (int, error) {
	d.buf.Write(p)
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)
		d.handleLine(line)
	}
}

// finish drains any retained partial line and guarantees the terminal chunk.
func (d *streamDemux) finish() {
	if d.buf.Len() > 0 {
		d.handleLine(d.buf.Bytes())
		d.buf.Reset()
	}
	if !d.ended {
		d.emit(StreamChunk{Kind: ChunkEnd, StopReason: defaultStopReason})
	}
}

// Text returns the accumulated assistant text in delivery order.
func (d *streamDemux) Text() string {
	return d.text.String()
}

// SessionID returns the last upstream session token seen on the stream.
func (d *streamDemux) SessionID() string {
	return d.sessionID
}

func (d *streamDemux) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if !gjson.ValidBytes(line) {
		log.Debugf("skipping malformed stream line: %.120s", line)
		return
	}

	event := gjson.ParseBytes(line)
	if sid := event.Get("session_id"); sid.Exists() && sid.String() != "" {
		d.sessionID = sid.String()
	}

	switch event.Get("type").String() {
	case "content_block_delta":
		if text := event.Get("delta.text"); text.Exists() {
			d.emit(StreamChunk{Kind: ChunkDelta, Text: text.String()})
		}
	case "assistant":
		if text := assistantText(event.Get("message.content")); text != "" {
			d.emit(StreamChunk{Kind: ChunkDelta, Text: text})
		}
	case "message_stop", "message_end":
		stop := event.Get("message.stop_reason").String()
		if stop == "" {
			stop = defaultStopReason
		}
		d.emit(StreamChunk{Kind: ChunkEnd, StopReason: stop})
		d.ended = true
	}
}

// assistantText extracts the initial text of an assistant event. Content may
// be a plain string or a block list whose first element carries a text field.
func assistantText(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		return content.Get("0.text").String()
	}
	return ""
}

func (d *streamDemux) emit(chunk StreamChunk) {
	if d.ended {
		return
	}
	if chunk.Kind == ChunkDelta {
		d.text.WriteString(chunk.Text)
	}
	if d.sink != nil {
		d.sink(chunk)
	}
}
