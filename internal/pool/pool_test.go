package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
	"github.com/router-for-me/ClaudeGateAPI/internal/runner"
)

// fakeExecutor stands in for the runner. handler decides each call's outcome;
// delay simulates execution time and respects cancellation.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	live    int
	maxLive int
	delay   time.Duration
	handler func(call int, opts runner.Options) (*runner.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, opts runner.Options) (*runner.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	delay := f.delay
	handler := f.handler
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, apierr.Aborted("client_disconnect").WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}
	if handler != nil {
		return handler(call, opts)
	}
	return &runner.Result{Result: "ok"}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExecutor) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

func testConfig() Config {
	return Config{
		Concurrency:    2,
		MaxQueueSize:   10,
		RequestTimeout: 2 * time.Second,
		QueueTimeout:   time.Second,
	}
}

// waitForStats polls until the predicate holds.
func waitForStats(t *testing.T, p *Pool, predicate func(Stats) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return predicate(p.Stats()) },
		2*time.Second, time.Millisecond, "pool never reached the expected state")
}

// fastRetries shrinks the backoff schedule so retry tests run in milliseconds.
func fastRetries(t *testing.T) {
	t.Helper()
	saved := retryDelays
	retryDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	t.Cleanup(func() { retryDelays = saved })
}

func TestPool_Submit_HappyPath(t *testing.T) {
	exec := &fakeExecutor{handler: func(call int, opts runner.Options) (*runner.Result, error) {
		return &runner.Result{Result: "hello", UpstreamSessionID: "U"}, nil
	}}
	p := New(exec, testConfig())
	defer p.Shutdown()

	res, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-1")
	require.NoError(t, err, "Submit should succeed")
	require.Equal(t, "hello", res.Result)
	require.Equal(t, "U", res.UpstreamSessionID)
	require.Equal(t, 1, exec.callCount(), "Exactly one spawn expected")
}

func TestPool_Submit_PassesRequestTimeout(t *testing.T) {
	var got time.Duration
	exec := &fakeExecutor{handler: func(call int, opts runner.Options) (*runner.Result, error) {
		got = opts.Timeout
		return &runner.Result{Result: "ok"}, nil
	}}
	cfg := testConfig()
	cfg.RequestTimeout = 42 * time.Second
	p := New(exec, cfg)
	defer p.Shutdown()

	_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-1")
	require.NoError(t, err)
	require.Equal(t, 42*time.Second, got, "Pool should stamp the request timeout onto the run")
}

func TestPool_Submit_QueueFull(t *testing.T) {
	exec := &fakeExecutor{delay: 200 * time.Millisecond}
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.MaxQueueSize = 2
	p := New(exec, cfg)
	defer p.Shutdown()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req")
			results <- err
		}()
	}
	// One running, one queued: the pool is at its outstanding bound.
	waitForStats(t, p, func(s Stats) bool { return s.Outstanding == 2 && s.Running == 1 })

	_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-overflow")
	require.Error(t, err, "Submission beyond the bound should be rejected")
	require.Equal(t, apierr.KindQueueFull, apierr.KindOf(err))

	require.NoError(t, <-results, "First submission should complete")
	require.NoError(t, <-results, "Queued submission should complete")
}

func TestPool_Submit_QueueTimeout(t *testing.T) {
	exec := &fakeExecutor{delay: 150 * time.Millisecond}
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.QueueTimeout = 20 * time.Millisecond
	p := New(exec, cfg)
	defer p.Shutdown()

	first := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-1")
		first <- err
	}()
	waitForStats(t, p, func(s Stats) bool { return s.Running == 1 })

	// The second submission outlives the queue ceiling while the only
	// worker is busy, so it must fail without spawning.
	_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-2")
	require.Error(t, err)
	require.Equal(t, apierr.KindQueueTimeout, apierr.KindOf(err))
	require.Equal(t, 1, exec.callCount(), "Stale waiter should never spawn")

	require.NoError(t, <-first)
}

func TestPool_Submit_CeilingTimeout(t *testing.T) {
	// This executor ignores both the stamped timeout and the context, so the
	// combined ceiling is the only thing that can unblock the caller.
	exec := &fakeExecutor{handler: func(call int, opts runner.Options) (*runner.Result, error) {
		time.Sleep(150 * time.Millisecond)
		return &runner.Result{Result: "late"}, nil
	}}
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	cfg.QueueTimeout = 20 * time.Millisecond
	p := New(exec, cfg)
	defer p.Shutdown()

	_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-1")
	require.Error(t, err)
	require.Equal(t, apierr.KindTimeout, apierr.KindOf(err))
}

func TestPool_Submit_ClientCancelWhileQueued(t *testing.T) {
	exec := &fakeExecutor{delay: 200 * time.Millisecond}
	cfg := testConfig()
	cfg.Concurrency = 1
	p := New(exec, cfg)
	defer p.Shutdown()

	first := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-1")
		first <- err
	}()
	waitForStats(t, p, func(s Stats) bool { return s.Running == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := p.Submit(ctx, runner.Options{Prompt: "hi"}, "req-2")
		queued <- err
	}()
	waitForStats(t, p, func(s Stats) bool { return s.Outstanding == 2 })

	cancel()
	err := <-queued
	require.Error(t, err, "Cancelled waiter should return promptly")
	require.Equal(t, apierr.KindCLIError, apierr.KindOf(err))
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "client_disconnect", apiErr.Details["reason"])
	require.NoError(t, <-first)

	// The worker settles the abandoned submission's bookkeeping.
	waitForStats(t, p, func(s Stats) bool { return s.Outstanding == 0 })
	require.Equal(t, 1, exec.callCount(), "A cancelled waiter should never spawn")
}

// slowCancelExecutor acknowledges cancellation only after a wind-down period,
// mimicking the runner's kill grace.
type slowCancelExecutor struct {
	mu       sync.Mutex
	live     int
	windDown time.Duration
}

func (s *slowCancelExecutor) Run(ctx context.Context, opts runner.Options) (*runner.Result, error) {
	s.mu.Lock()
	s.live++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.live--
		s.mu.Unlock()
	}()

	<-ctx.Done()
	time.Sleep(s.windDown)
	return nil, apierr.Aborted("client_disconnect").WithCause(ctx.Err())
}

func (s *slowCancelExecutor) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func TestPool_Submit_ClientCancelWhileRunning(t *testing.T) {
	exec := &slowCancelExecutor{windDown: 40 * time.Millisecond}
	p := New(exec, testConfig())
	defer p.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(ctx, runner.Options{Prompt: "hi"}, "req-1")
		done <- err
	}()
	waitForStats(t, p, func(s Stats) bool { return s.Running == 1 })

	cancel()
	err := <-done
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "client_disconnect", apiErr.Details["reason"])

	// A started submission settles through the executor, so by the time
	// Submit returns nothing is still running.
	require.Equal(t, 0, exec.liveCount(), "No execution may outlive Submit")
	require.Equal(t, 0, p.Stats().Running)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	cfg := testConfig()
	cfg.Concurrency = 2
	p := New(exec, cfg)
	defer p.Shutdown()

	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req")
			results <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-results, "Every submission should run")
	}

	require.Equal(t, 8, exec.callCount(), "All submissions should run")
	require.LessOrEqual(t, exec.maxConcurrent(), 2, "Live executions must never exceed concurrency")
}

func TestPool_Shutdown_DropsWaitersDrainsInFlight(t *testing.T) {
	exec := &fakeExecutor{delay: 150 * time.Millisecond}
	cfg := testConfig()
	cfg.Concurrency = 1
	p := New(exec, cfg)

	inFlight := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-1")
		inFlight <- err
	}()
	waitForStats(t, p, func(s Stats) bool { return s.Running == 1 })

	waiting := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-2")
		waiting <- err
	}()
	waitForStats(t, p, func(s Stats) bool { return s.Outstanding == 2 })

	p.Shutdown()

	require.NoError(t, <-inFlight, "In-flight execution should drain normally")
	err := <-waiting
	require.Error(t, err, "Waiter should be dropped on shutdown")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "shutdown", apiErr.Details["reason"])
	require.Equal(t, 1, exec.callCount(), "Dropped waiter should never spawn")

	// Idempotent: a second call returns immediately.
	p.Shutdown()

	_, err = p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-3")
	require.Error(t, err, "Submissions after shutdown should be refused")
	apiErr, ok = apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "shutdown", apiErr.Details["reason"])
}

func TestPool_PauseResume(t *testing.T) {
	exec := &fakeExecutor{}
	p := New(exec, testConfig())
	defer p.Shutdown()

	p.Pause()
	require.True(t, p.Stats().Paused)
	_, err := p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-1")
	require.Equal(t, apierr.KindQueueFull, apierr.KindOf(err), "Paused pool should refuse admission")

	p.Resume()
	require.False(t, p.Stats().Paused)
	_, err = p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req-2")
	require.NoError(t, err, "Resumed pool should admit again")
}

func TestPool_Healthy(t *testing.T) {
	exec := &fakeExecutor{delay: 200 * time.Millisecond}
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.MaxQueueSize = 10
	p := New(exec, cfg)
	defer p.Shutdown()

	require.True(t, p.Healthy(), "Idle pool should be healthy")

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Submit(context.Background(), runner.Options{Prompt: "hi"}, "req")
		}()
	}
	waitForStats(t, p, func(s Stats) bool { return s.Outstanding == 9 })
	require.False(t, p.Healthy(), "Pool at 90% occupancy should report unhealthy")
	wg.Wait()
}
