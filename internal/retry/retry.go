// Package retry implements a cancellable sleep and a generic bounded retry
// loop with jittered delay, grounded on internal/strategies/fallback.go's
// backoff loop (select on ctx.Done() vs time.After), generalized from fixed
// exponential backoff to a configurable jittered linear delay.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/routergw/router/internal/routererr"
)

// RetryJitterPercent bounds the uniform jitter applied to each retry delay,
// per spec §4.8.
const RetryJitterPercent = 20.0

// Sleep blocks for d, or returns routererr.ErrCancelled if ctx is done
// before or during the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return routererr.ErrCancelled
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return routererr.ErrCancelled
	case <-timer.C:
		return nil
	}
}

// Jitter applies spec §4.8's formula: base + uniform(-1,1)*base*pct/100,
// floored at zero and rounded to the nearest millisecond.
func Jitter(base time.Duration) time.Duration {
	pct := RetryJitterPercent / 100.0
	delta := (rand.Float64()*2 - 1) * float64(base) * pct
	d := time.Duration(float64(base) + delta).Round(time.Millisecond)
	if d < 0 {
		return 0
	}
	return d
}

// Options configures ExecuteWithRetry, per spec §4.8.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	ShouldRetry func(err error) bool
	OnRetry     func(attempt int, err error)
}

// ExecuteWithRetry runs operation up to MaxRetries+1 times. On each failure
// it checks cancellation, the retry budget, and ShouldRetry before sleeping
// a jittered delay and trying again; otherwise it returns the last error.
func ExecuteWithRetry(ctx context.Context, opts Options, operation func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return routererr.ErrCancelled
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return routererr.ErrCancelled
		}
		if attempt == opts.MaxRetries {
			return err
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err)
		}
		if sleepErr := Sleep(ctx, Jitter(opts.RetryDelay)); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}
