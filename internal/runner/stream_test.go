package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collectChunks() (*[]StreamChunk, func(StreamChunk)) {
	var chunks []StreamChunk
	return &chunks, func(c StreamChunk) { chunks = append(chunks, c) }
}

func TestDemuxSplitAcrossWrites(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	// One event split at an arbitrary byte boundary must still decode once
	// the newline arrives.
	_, _ = d.Write([]byte(`{"type":"content_block_delta","del`))
	require.Empty(t, *chunks, "partial line must be retained, not delivered")
	_, _ = d.Write([]byte("ta\":{\"text\":\"abc\"}}\n"))

	require.Equal(t, []StreamChunk{{Kind: ChunkDelta, Text: "abc"}}, *chunks)
}

func TestDemuxMultipleLinesInOneWrite(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte(`{"type":"content_block_delta","delta":{"text":"a"}}` + "\n" +
		`{"type":"content_block_delta","delta":{"text":"b"}}` + "\n"))

	require.Len(t, *chunks, 2)
	require.Equal(t, "ab", d.Text())
}

func TestDemuxAssistantStringContent(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte(`{"type":"assistant","message":{"content":"direct text"}}` + "\n"))

	require.Equal(t, []StreamChunk{{Kind: ChunkDelta, Text: "direct text"}}, *chunks)
}

func TestDemuxAssistantBlockContent(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"block text"}]}}` + "\n"))

	require.Equal(t, []StreamChunk{{Kind: ChunkDelta, Text: "block text"}}, *chunks)
}

func TestDemuxMalformedLinesSkipped(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte("{{{ not json\n"))
	_, _ = d.Write([]byte(`{"type":"content_block_delta","delta":{"text":"ok"}}` + "\n"))
	_, _ = d.Write([]byte("\n"))

	require.Equal(t, []StreamChunk{{Kind: ChunkDelta, Text: "ok"}}, *chunks)
}

func TestDemuxUnknownTypesIgnored(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte(`{"type":"tool_use","name":"Bash"}` + "\n"))
	_, _ = d.Write([]byte(`{"type":"result","result":"done","session_id":"S9"}` + "\n"))

	require.Empty(t, *chunks)
	require.Equal(t, "S9", d.SessionID(), "session tokens are captured from any event")
}

func TestDemuxStopReasonDefault(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte(`{"type":"message_stop"}` + "\n"))

	require.Equal(t, []StreamChunk{{Kind: ChunkEnd, StopReason: "end_turn"}}, *chunks)
}

func TestDemuxExplicitStopReason(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte(`{"type":"message_end","message":{"stop_reason":"max_tokens"}}` + "\n"))

	require.Equal(t, []StreamChunk{{Kind: ChunkEnd, StopReason: "max_tokens"}}, *chunks)
}

func TestDemuxFinishDrainsTrailingLine(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	// No trailing newline before the child exits.
	_, _ = d.Write([]byte(`{"type":"content_block_delta","delta":{"text":"tail"}}`))
	require.Empty(t, *chunks)

	d.finish()
	require.Equal(t, []StreamChunk{
		{Kind: ChunkDelta, Text: "tail"},
		{Kind: ChunkEnd, StopReason: "end_turn"},
	}, *chunks)
}

func TestDemuxFinishSynthesizesEndOnce(t *testing.T) {
	chunks, sink := collectChunks()
	d := newStreamDemux(sink)

	_, _ = d.Write([]byte(`{"type":"message_stop"}` + "\n"))
	d.finish()

	require.Len(t, *chunks, 1, "finish must not duplicate the end chunk")
}

func TestDemuxNilSinkStillAccumulates(t *testing.T) {
	d := newStreamDemux(nil)
	_, _ = d.Write([]byte(`{"type":"content_block_delta","delta":{"text":"quiet"}}` + "\n"))
	d.finish()
	require.Equal(t, "quiet", d.Text())
}
