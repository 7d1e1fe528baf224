package network

import (
	"context"
	"math/rand"
	"time"

	"github.com/debstage/debstage/internal/logger"
)

// RetryPolicy is the retry schedule applied to repository traffic. Metadata
// documents and package archives back off the same way.
type RetryPolicy struct {
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 10 * time.Second
	}
	return p
}

// Backoff returns the delay before the given retry attempt: exponential in
// the attempt number, capped, with up to 50% random jitter added.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BackoffBase << (attempt - 1)
	if delay > p.BackoffCap || delay <= 0 {
		delay = p.BackoffCap
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}

// Retry runs op up to the policy's attempt limit. Failures the classifier
// reports as transient are retried after a backoff delay; anything else is
// returned immediately. A cancelled context stops the schedule.
func Retry(ctx context.Context, policy RetryPolicy, transient func(error) bool, op func() error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			logger.Logger().Debugf("retrying after transient failure (attempt %d/%d): %v",
				attempt+1, policy.Attempts, lastErr)
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if !transient(err) || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}
