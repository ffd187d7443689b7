// Package retry implements a bounded retry loop with exponential backoff and
// jitter. It is the single retry mechanism in ColdVault: the object store
// client disables the SDK's internal retries and wraps every remote operation
// in retry.Do instead, so backoff behaviour is uniform and observable.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy controls how Do retries a failing operation.
// The zero value is not usable; use DefaultPolicy as a starting point.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt. Subsequent delays
	// double per attempt: min(MaxDelay, BaseDelay * 2^attempt).
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// IsRetryable classifies errors. A nil predicate retries everything.
	IsRetryable func(error) bool

	// OnRetry, if set, is invoked before each backoff sleep with the error
	// that triggered the retry, the 1-based retry number, and the delay.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy mirrors the upload defaults: 5 retries on top of the first
// attempt, 2s base, 60s cap.
func DefaultPolicy(isRetryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 6,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		IsRetryable: isRetryable,
	}
}

// Delay returns the backoff delay before retry number attempt (0-based), with
// uniform jitter in [0, 0.1*delay) added to break retry synchronization
// across parallel uploads.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// Do runs op up to MaxAttempts times. Non-retryable errors are surfaced
// immediately; retryable ones trigger a backoff sleep and another attempt.
// The sleep is interrupted by context cancellation, in which case the
// context error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(lastErr, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", p.MaxAttempts, lastErr)
}
