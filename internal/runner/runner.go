// Package runner supervises single invocations of the claude CLI: argument
// assembly, stdio capture, timeout, cooperative cancellation with
// SIGTERM-then-SIGKILL escalation, stdout JSON parsing and streaming line
// demultiplexing. One Run call is one child process; the caller bounds how
// many run at once.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
)

// killGracePeriod is the fixed interval between SIGTERM and SIGKILL.
const killGracePeriod = 5 * time.Second

// stderrLimit caps how much stderr is buffered for classification.
const stderrLimit = 1 << 20

// Options describes one CLI invocation.
type Options struct {
	// Prompt is the user prompt. Must be non-empty.
	Prompt string
	// Model is the requested model alias; empty defers to the runner default
	// and then to the CLI itself.
	Model string
	// AllowedTools restricts the CLI's tool use when non-empty.
	AllowedTools []string
	// WorkingDir is created (with parents) before spawn when set. Paths
	// containing ".." are rejected.
	WorkingDir string
	// ResumeSessionID continues a prior CLI conversation when set.
	ResumeSessionID string
	// MaxTurns bounds agentic turns when positive.
	MaxTurns int
	// Stream switches the CLI to stream-json output and enables the demux.
	Stream bool
	// OnChunk receives stream chunks synchronously, in source order. The last
	// chunk is always ChunkEnd.
	OnChunk func(StreamChunk)
	// Timeout bounds the child's lifetime; zero means no timeout.
	Timeout time.Duration
}

// Result is the outcome of a successful CLI invocation.
type Result struct {
	// Result is the assistant text.
	Result string
	// UpstreamSessionID is the CLI-native session token, when one was emitted.
	UpstreamSessionID string
	// RawOutput is the CLI's full stdout, trimmed.
	RawOutput string
	// Model is the effective model of the invocation.
	Model string
}

// Runner spawns and supervises CLI child processes.
type Runner struct {
	binaryPath          string
	defaultModel        string
	defaultWorkspaceDir string
	killGrace           time.Duration
}

// New creates a Runner for the given CLI binary. A bare binary name is
// resolved through PATH at spawn time.
func New(binaryPath, defaultModel, defaultWorkspaceDir string) *Runner {
	return &Runner{
		binaryPath:          binaryPath,
		defaultModel:        defaultModel,
		defaultWorkspaceDir: defaultWorkspaceDir,
		killGrace:           killGracePeriod,
	}
}

// procState records why a child was signalled, set before the signal is sent
// so classification after exit is unambiguous.
type procState struct {
	mu        sync.Mutex
	timedOut  bool
	cancelled bool
}

func (s *procState) markTimedOut() {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()
}

func (s *procState) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *procState) why() (timedOut, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut, s.cancelled
}

// Run executes one CLI invocation and blocks until the child exits, times out
// or ctx is cancelled. The child never outlives Run.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, apierr.InvalidRequest("prompt must not be empty")
	}

	model := strings.ToLower(strings.TrimSpace(opts.Model))
	if model == "" {
		model = strings.ToLower(strings.TrimSpace(r.defaultModel))
	}

	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = r.defaultWorkspaceDir
	}
	if workDir != "" {
		if strings.Contains(workDir, "..") {
			return nil, apierr.InvalidRequest("working directory must not contain '..'")
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, apierr.CLIError("failed to create working directory").WithCause(err)
		}
	}

	select {
	case <-ctx.Done():
		return nil, apierr.Aborted("aborted before start")
	default:
	}

	args := buildArgs(opts, model)
	log.Debugf("spawning %s %s", r.binaryPath, strings.Join(args, " "))

	cmd := exec.Command(r.binaryPath, args...)
	cmd.Dir = workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apierr.CLIError("failed to create stdout pipe").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apierr.CLIError("failed to create stderr pipe").WithCause(err)
	}

	if err = cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, apierr.Newf(apierr.KindCLINotFound, "claude binary %q not found", r.binaryPath).WithCause(err)
		}
		return nil, apierr.CLIError("failed to start claude process").WithCause(err)
	}

	var (
		state     procState
		stdoutBuf bytes.Buffer
		stderrBuf bytes.Buffer
		done      = make(chan struct{})
		killDone  = make(chan struct{})
	)

	var timerC <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	go func() {
		defer close(killDone)
		select {
		case <-ctx.Done():
			state.markCancelled()
			r.terminate(cmd.Process, done)
		case <-timerC:
			state.markTimedOut()
			r.terminate(cmd.Process, done)
		case <-done:
		}
	}()

	demux := newStreamDemux(opts.OnChunk)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		var w io.Writer = &stdoutBuf
		if opts.Stream {
			w = io.MultiWriter(&stdoutBuf, demux)
		}
		_, _ = io.Copy(w, stdout)
	}()
	go func() {
		defer readers.Done()
		_, _ = io.Copy(&stderrBuf, io.LimitReader(stderr, stderrLimit))
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	close(done)
	<-killDone

	timedOut, cancelled := state.why()
	switch {
	case cancelled:
		return nil, apierr.Aborted("client_disconnect")
	case timedOut:
		return nil, apierr.Newf(apierr.KindTimeout, "claude execution timed out after %s", opts.Timeout)
	}

	if waitErr != nil {
		return nil, classifyExit(waitErr, stderrBuf.String())
	}

	raw := strings.TrimSpace(stdoutBuf.String())
	if opts.Stream {
		demux.finish()
		return &Result{
			Result:            demux.Text(),
			UpstreamSessionID: demux.SessionID(),
			RawOutput:         raw,
			Model:             model,
		}, nil
	}
	return parseStdout(raw, model)
}

// terminate sends SIGTERM and escalates to SIGKILL if the child has not
// exited within the grace period.
func (r *Runner) terminate(proc *os.Process, done <-chan struct{}) {
	_ = signalProcess(proc, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(r.killGrace):
		_ = signalProcess(proc, os.Kill)
	}
}

// signalProcess sends sig to a process, returning nil if the process has
// already exited.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// buildArgs constructs the command line arguments for the CLI.
func buildArgs(opts Options, model string) []string {
	format := "json"
	if opts.Stream {
		format = "stream-json"
	}
	args := []string{
		"-p", opts.Prompt,
		"--output-format", format,
		"--dangerously-skip-permissions",
	}
	if opts.Stream {
		args = append(args, "--verbose")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	return args
}

// classifyExit maps a non-zero exit into the taxonomy by scanning stderr.
func classifyExit(waitErr error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return apierr.RateLimit("claude reported an upstream rate limit").WithDetail("stderr", stderr)
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "not logged in"), strings.Contains(lower, "login"):
		return apierr.UpstreamAuth("claude is not authenticated; run `claude login` on the host").WithDetail("stderr", stderr)
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "heap limit"), strings.Contains(lower, "allocation failed"):
		return apierr.Memory("claude ran out of memory").WithDetail("stderr", stderr)
	}

	apiErr := apierr.CLIError("claude exited abnormally").WithCause(waitErr).WithDetail("stderr", stderr)
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		apiErr.WithDetail("exitCode", exitErr.ExitCode())
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			apiErr.WithDetail("signal", status.Signal().String())
		}
	}
	return apiErr
}

// parseStdout decodes the CLI's single-object JSON output. Unparseable output
// falls back to the raw text; empty output on a zero exit is an error.
func parseStdout(raw, model string) (*Result, error) {
	if raw == "" {
		return nil, apierr.CLIError("claude exited successfully but produced no output")
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return &Result{Result: raw, RawOutput: raw, Model: model}, nil
	}

	parsed := gjson.Parse(raw)
	resultText := parsed.Get("result").String()
	if parsed.Get("is_error").Bool() {
		msg := resultText
		if msg == "" {
			msg = "claude reported an error"
		}
		return nil, apierr.CLIError(msg)
	}

	return &Result{
		Result:            resultText,
		UpstreamSessionID: parsed.Get("session_id").String(),
		RawOutput:         raw,
		Model:             model,
	}, nil
}
