package breaker

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Default retry policy for breaker-protected calls: exponential backoff with
// multiplier 2 starting at 100ms, each delay randomised by ±10% jitter so
// concurrent sessions do not retry in lockstep.
const (
	defaultRetryAttempts = 2
	defaultRetryBase     = 100 * time.Millisecond
	defaultJitter        = 0.1
)

// RetryPolicy wraps a breaker-protected call with jittered exponential
// backoff. [ErrOpen] is never retried: an open breaker is a deliberate
// rejection, and hammering it defeats its purpose.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 2.
	MaxRetries int

	// BaseDelay is the delay before the first retry; doubles per retry.
	// Default: 100ms.
	BaseDelay time.Duration

	// Jitter is the fractional randomisation applied to each delay
	// (0.1 = ±10%). Default: 0.1.
	Jitter float64

	// ShouldRetry decides whether an error is worth another attempt. When
	// nil, every non-nil error except [ErrOpen] is retried.
	ShouldRetry func(error) bool
}

// Do runs fn, retrying per the policy. Sleeps abort when ctx is cancelled.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultRetryAttempts
	}
	base := p.BaseDelay
	if base <= 0 {
		base = defaultRetryBase
	}
	jitter := p.Jitter
	if jitter <= 0 {
		jitter = defaultJitter
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOpen) {
			return err
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}

		delay := jittered(base<<attempt, jitter)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// jittered randomises d by ±fraction.
func jittered(d time.Duration, fraction float64) time.Duration {
	offset := (rand.Float64()*2 - 1) * fraction * float64(d)
	return d + time.Duration(offset)
}
