package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
)

// writeScript materializes a fake CLI binary as a shell script.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestRunner(t *testing.T, script string) *Runner {
	t.Helper()
	r := New(script, "", "")
	r.killGrace = 200 * time.Millisecond
	return r
}

func TestRunHappyPath(t *testing.T) {
	script := writeScript(t, `echo '{"result":"hello","session_id":"U"}'`)
	r := newTestRunner(t, script)

	res, err := r.Run(context.Background(), Options{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Result)
	require.Equal(t, "U", res.UpstreamSessionID)
	require.JSONEq(t, `{"result":"hello","session_id":"U"}`, res.RawOutput)
}

func TestRunEmptyPromptRejected(t *testing.T) {
	r := newTestRunner(t, writeScript(t, `echo ok`))
	_, err := r.Run(context.Background(), Options{Prompt: "   "})
	require.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
}

func TestRunIsErrorFlag(t *testing.T) {
	script := writeScript(t, `echo '{"result":"quota exhausted","is_error":true}'`)
	r := newTestRunner(t, script)

	_, err := r.Run(context.Background(), Options{Prompt: "hi"})
	require.Equal(t, apierr.KindCLIError, apierr.KindOf(err))
	require.Contains(t, err.Error(), "quota exhausted")
}

func TestRunNonJSONFallback(t *testing.T) {
	script := writeScript(t, `printf 'just plain text'`)
	r := newTestRunner(t, script)

	res, err := r.Run(context.Background(), Options{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "just plain text", res.Result)
	require.Empty(t, res.UpstreamSessionID)
}

func TestRunEmptyOutputIsError(t *testing.T) {
	script := writeScript(t, `exit 0`)
	r := newTestRunner(t, script)

	_, err := r.Run(context.Background(), Options{Prompt: "hi"})
	require.Equal(t, apierr.KindCLIError, apierr.KindOf(err))
}

func TestRunStderrClassification(t *testing.T) {
	cases := []struct {
		stderr string
		kind   apierr.Kind
	}{
		{"Error: rate limit exceeded", apierr.KindRateLimit},
		{"Too Many Requests, slow down", apierr.KindRateLimit},
		{"please login to continue", apierr.KindUpstreamAuth},
		{"Authentication failed", apierr.KindUpstreamAuth},
		{"user is not logged in", apierr.KindUpstreamAuth},
		{"FATAL: JavaScript heap out of memory", apierr.KindMemory},
		{"Reached heap limit", apierr.KindMemory},
		{"allocation failed - process aborting", apierr.KindMemory},
		{"segmentation fault", apierr.KindCLIError},
	}
	for _, tc := range cases {
		script := writeScript(t, `echo "`+tc.stderr+`" >&2; exit 1`)
		r := newTestRunner(t, script)

		_, err := r.Run(context.Background(), Options{Prompt: "hi"})
		require.Equal(t, tc.kind, apierr.KindOf(err), "stderr %q", tc.stderr)

		apiErr, ok := apierr.As(err)
		require.True(t, ok)
		require.Contains(t, apiErr.Details["stderr"], strings.TrimSpace(tc.stderr))
	}
}

func TestRunExitCodeDetail(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	r := newTestRunner(t, script)

	_, err := r.Run(context.Background(), Options{Prompt: "hi"})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindCLIError, apiErr.Kind)
	require.Equal(t, 3, apiErr.Details["exitCode"])
}

func TestRunBinaryNotFound(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "no-such-claude"), "", "")
	_, err := r.Run(context.Background(), Options{Prompt: "hi"})
	require.Equal(t, apierr.KindCLINotFound, apierr.KindOf(err))
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 10`)
	r := newTestRunner(t, script)

	start := time.Now()
	_, err := r.Run(context.Background(), Options{Prompt: "hi", Timeout: 100 * time.Millisecond})
	require.Equal(t, apierr.KindTimeout, apierr.KindOf(err))
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestRunTimeoutEscalatesToSigkill(t *testing.T) {
	// The child ignores SIGTERM, so only the SIGKILL escalation can end it.
	script := writeScript(t, `trap '' TERM
sleep 10`)
	r := newTestRunner(t, script)

	start := time.Now()
	_, err := r.Run(context.Background(), Options{Prompt: "hi", Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	require.Equal(t, apierr.KindTimeout, apierr.KindOf(err))
	require.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "SIGKILL must wait out the grace period")
	require.Less(t, elapsed, 5*time.Second, "SIGKILL must fire at the grace boundary, not at child exit")
}

func TestRunCancelKillsChild(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := writeScript(t, `echo $$ > `+pidFile+`
exec sleep 10`)
	r := newTestRunner(t, script)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Options{Prompt: "hi"})
	require.Equal(t, apierr.KindCLIError, apierr.KindOf(err))
	apiErr, _ := apierr.As(err)
	require.Equal(t, "client_disconnect", apiErr.Details["reason"])

	raw, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr, "child must have started before the cancel")
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, convErr)
	require.Error(t, syscall.Kill(pid, 0), "child must not outlive Run")
}

func TestRunPreSpawnCancel(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	script := writeScript(t, `touch `+marker)
	r := newTestRunner(t, script)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, Options{Prompt: "hi"})
	require.Equal(t, apierr.KindCLIError, apierr.KindOf(err))
	_, statErr := os.Stat(marker)
	require.True(t, os.IsNotExist(statErr), "cancelled submissions must not spawn")
}

func TestRunRejectsDotDotWorkingDir(t *testing.T) {
	r := newTestRunner(t, writeScript(t, `echo ok`))
	_, err := r.Run(context.Background(), Options{Prompt: "hi", WorkingDir: "../escape"})
	require.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
}

func TestRunCreatesWorkingDir(t *testing.T) {
	script := writeScript(t, `pwd`)
	r := newTestRunner(t, script)

	workDir := filepath.Join(t.TempDir(), "nested", "workspace")
	res, err := r.Run(context.Background(), Options{Prompt: "hi", WorkingDir: workDir})
	require.NoError(t, err)

	info, statErr := os.Stat(workDir)
	require.NoError(t, statErr)
	require.True(t, info.IsDir())
	require.Contains(t, res.Result, "workspace")
}

func TestRunStreaming(t *testing.T) {
	script := writeScript(t, `echo '{"type":"system","subtype":"init","session_id":"S1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Hel"}]}}'
echo '{"type":"content_block_delta","delta":{"text":"lo"}}'
echo 'not json at all'
echo '{"type":"message_stop","message":{"stop_reason":"end_turn"}}'`)
	r := newTestRunner(t, script)

	var chunks []StreamChunk
	res, err := r.Run(context.Background(), Options{
		Prompt: "hi",
		Stream: true,
		OnChunk: func(c StreamChunk) {
			chunks = append(chunks, c)
		},
	})
	require.NoError(t, err)

	require.Equal(t, "Hello", res.Result)
	require.Equal(t, "S1", res.UpstreamSessionID)
	require.NotEmpty(t, chunks)
	require.Equal(t, ChunkEnd, chunks[len(chunks)-1].Kind, "last chunk is always end")
	require.Equal(t, "end_turn", chunks[len(chunks)-1].StopReason)
	require.Equal(t, []StreamChunk{
		{Kind: ChunkDelta, Text: "Hel"},
		{Kind: ChunkDelta, Text: "lo"},
		{Kind: ChunkEnd, StopReason: "end_turn"},
	}, chunks)
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Options{
		Prompt:          "do it",
		AllowedTools:    []string{"Bash", "Read"},
		ResumeSessionID: "U-1",
		MaxTurns:        4,
	}, "claude-sonnet-4-20250514")

	require.Equal(t, []string{
		"-p", "do it",
		"--output-format", "json",
		"--dangerously-skip-permissions",
		"--model", "claude-sonnet-4-20250514",
		"--allowedTools", "Bash,Read",
		"--resume", "U-1",
		"--max-turns", "4",
	}, args)
}

func TestBuildArgsStreaming(t *testing.T) {
	args := buildArgs(Options{Prompt: "hi", Stream: true}, "")
	require.Equal(t, []string{
		"-p", "hi",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--verbose",
	}, args)
}

func TestRunLowercasesModel(t *testing.T) {
	// The fake CLI echoes its argv so the test can inspect the model flag.
	script := writeScript(t, `echo "$@"`)
	r := newTestRunner(t, script)

	res, err := r.Run(context.Background(), Options{Prompt: "hi", Model: "SONNET"})
	require.NoError(t, err)
	require.Contains(t, res.Result, "--model sonnet")
	require.Equal(t, "sonnet", res.Model)
}
