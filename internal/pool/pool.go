// Package pool bounds concurrent CLI executions behind a FIFO admission
// queue with retry on transient failures.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
	"github.com/router-for-me/ClaudeGateAPI/internal/runner"
)

// Executor runs one CLI invocation. This is the seam for testing; swap with
// a fake that returns immediately.
type Executor interface {
	Run(ctx context.Context, opts runner.Options) (*runner.Result, error)
}

// Config bounds the pool.
type Config struct {
	Concurrency    int
	MaxQueueSize   int
	RequestTimeout time.Duration
	QueueTimeout   time.Duration
}

// Pool schedules submissions onto a fixed set of workers. Outstanding counts
// queued plus running submissions and is capped at MaxQueueSize.
type Pool struct {
	executor Executor
	cfg      Config

	queue   chan *submission
	stopped chan struct{}
	workers sync.WaitGroup

	mu           sync.Mutex
	outstanding  int
	running      int
	paused       bool
	shuttingDown bool
}

type submission struct {
	ctx        context.Context
	opts       runner.Options
	reqID      string
	enqueuedAt time.Time
	started    chan struct{}
	result     chan outcome
}

type outcome struct {
	res *runner.Result
	err error
}

// New starts the worker goroutines immediately.
func New(executor Executor, cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = 1
	}
	p := &Pool{
		executor: executor,
		cfg:      cfg,
		queue:    make(chan *submission, cfg.MaxQueueSize),
		stopped:  make(chan struct{}),
	}
	p.workers.Add(cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		go p.worker()
	}
	log.Debugf("worker pool started: concurrency=%d max-queue-size=%d", cfg.Concurrency, cfg.MaxQueueSize)
	return p
}

// Submit enqueues one execution and blocks until it settles. The combined
// request and queue timeout is the absolute ceiling for any submission.
//
// Cancellation while the submission is still queued returns immediately. Once
// the executor has started, Submit waits for it to settle so no stream
// callback outlives the call.
func (p *Pool) Submit(ctx context.Context, opts runner.Options, reqID string) (*runner.Result, error) {
	sub := &submission{
		ctx:        ctx,
		opts:       opts,
		reqID:      reqID,
		enqueuedAt: time.Now(),
		started:    make(chan struct{}),
		result:     make(chan outcome, 1),
	}

	p.mu.Lock()
	switch {
	case p.shuttingDown:
		p.mu.Unlock()
		return nil, apierr.Aborted("shutdown")
	case p.paused:
		p.mu.Unlock()
		return nil, apierr.QueueFull("pool is paused")
	case p.outstanding >= p.cfg.MaxQueueSize:
		outstanding := p.outstanding
		p.mu.Unlock()
		return nil, apierr.QueueFull(fmt.Sprintf("queue is full (%d outstanding)", outstanding))
	}
	p.outstanding++
	// outstanding <= cap(queue) holds under the lock, so this never blocks.
	p.queue <- sub
	p.mu.Unlock()

	// The ceiling is a backstop against a wedged executor; the per-request
	// timeout inside the runner fires first in normal operation.
	var ceilingC <-chan time.Time
	if total := p.cfg.RequestTimeout + p.cfg.QueueTimeout; total > 0 {
		ceiling := time.NewTimer(total)
		defer ceiling.Stop()
		ceilingC = ceiling.C
	}

	select {
	case out := <-sub.result:
		return out.res, out.err
	case <-ctx.Done():
		select {
		case <-sub.started:
			// The executor owns a started submission. It watches the same
			// context, kills the child and settles, so waiting here is
			// bounded by the kill grace period.
			out := <-sub.result
			return out.res, out.err
		default:
			// Still queued. The worker that eventually picks the submission
			// up observes the dead context and settles the bookkeeping;
			// result is buffered.
			return nil, apierr.Aborted("client_disconnect").WithCause(ctx.Err())
		}
	case <-ceilingC:
		log.Warnf("request %s hit the submission ceiling", reqID)
		return nil, apierr.Timeout(fmt.Sprintf("request exceeded the %s submission ceiling", p.cfg.RequestTimeout+p.cfg.QueueTimeout))
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		select {
		case <-p.stopped:
			return
		case sub := <-p.queue:
			p.process(sub)
		}
	}
}

func (p *Pool) process(sub *submission) {
	if p.isShuttingDown() {
		p.settle(sub, nil, apierr.Aborted("shutdown"))
		return
	}
	if err := sub.ctx.Err(); err != nil {
		p.settle(sub, nil, apierr.Aborted("client_disconnect").WithCause(err))
		return
	}
	if wait := time.Since(sub.enqueuedAt); wait > p.cfg.QueueTimeout {
		log.Warnf("request %s expired after %s in queue", sub.reqID, wait.Round(time.Millisecond))
		p.settle(sub, nil, apierr.QueueTimeout(fmt.Sprintf("request waited %s in queue", wait.Round(time.Millisecond))))
		return
	}

	close(sub.started)

	p.mu.Lock()
	p.running++
	p.mu.Unlock()

	opts := sub.opts
	opts.Timeout = p.cfg.RequestTimeout
	res, err := p.executor.Run(sub.ctx, opts)

	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	p.settle(sub, res, err)
}

// settle retires the submission from the outstanding count and delivers its
// outcome. Exactly one settle happens per admitted submission.
func (p *Pool) settle(sub *submission, res *runner.Result, err error) {
	p.mu.Lock()
	p.outstanding--
	p.mu.Unlock()
	sub.result <- outcome{res: res, err: err}
}

func (p *Pool) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

// Shutdown refuses new submissions, drops waiters that have not started and
// waits for in-flight executions. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	p.mu.Unlock()

	close(p.stopped)

	// Admission is closed, so the queue can only shrink from here. Workers
	// racing this drain refuse anything they grab via the shutdown check.
drain:
	for {
		select {
		case sub := <-p.queue:
			p.settle(sub, nil, apierr.Aborted("shutdown"))
		default:
			break drain
		}
	}

	p.workers.Wait()
	log.Info("worker pool stopped")
}

// Stats is a point-in-time snapshot for the health and management surfaces.
type Stats struct {
	Outstanding  int  `json:"outstanding"`
	Running      int  `json:"running"`
	Concurrency  int  `json:"concurrency"`
	MaxQueueSize int  `json:"max_queue_size"`
	Paused       bool `json:"paused"`
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Outstanding:  p.outstanding,
		Running:      p.running,
		Concurrency:  p.cfg.Concurrency,
		MaxQueueSize: p.cfg.MaxQueueSize,
		Paused:       p.paused,
	}
}

// Healthy reports whether the pool has admission headroom.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.outstanding) < 0.9*float64(p.cfg.MaxQueueSize)
}

// Pause makes admission refuse new submissions until Resume. Queued and
// running work is unaffected.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		log.Info("worker pool paused")
	}
}

// Resume reopens admission.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		log.Info("worker pool resumed")
	}
}
