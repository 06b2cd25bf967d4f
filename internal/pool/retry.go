package pool

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
	"github.com/router-for-me/ClaudeGateAPI/internal/runner"
)

const (
	maxAttempts    = 3
	jitterFraction = 0.15
)

// retryDelays is the backoff schedule between attempts.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// SubmitWithRetry wraps Submit with the transient-failure retry policy.
// Streaming submissions take exactly one attempt so partially streamed
// output is never replayed.
func (p *Pool) SubmitWithRetry(ctx context.Context, opts runner.Options, reqID string) (*runner.Result, error) {
	if opts.Stream {
		return p.Submit(ctx, opts, reqID)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apierr.Aborted("client_disconnect").WithCause(err)
		}

		res, err := p.Submit(ctx, opts, reqID)
		if err == nil {
			return res, nil
		}
		if !apierr.Retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := jitter(retryDelays[min(attempt-1, len(retryDelays)-1)])
		log.Debugf("request %s attempt %d/%d failed (%v), retrying in %s",
			reqID, attempt, maxAttempts, err, delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil, apierr.Aborted("client_disconnect").WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// jitter perturbs d by up to ±jitterFraction to avoid synchronized retries.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
