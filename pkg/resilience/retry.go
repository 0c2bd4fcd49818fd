// SPDX-License-Identifier: Apache-2.0

// Package resilience provides retry and timeout patterns for otto.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/otto-voice/otto/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the initial backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1; 0.1 means ±10% jitter.
	Jitter float64

	// IsRecoverable determines if an error should be retried.
	// Defaults to errors.IsRecoverable.
	IsRecoverable func(error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: errors.IsRecoverable,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// Do executes fn with retry logic, returning the last error if all attempts fail.
// An OnRetry callback, if provided, is invoked before each re-attempt.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	return rc.DoNotify(ctx, fn, nil)
}

// DoNotify is Do with a callback invoked before each re-attempt.
func (rc RetryConfig) DoNotify(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = errors.IsRecoverable
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			delay := rc.backoff(attempt)
			select {
			case <-ctx.Done():
				return errors.New(errors.CodeContextLost, "context cancelled during retry", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts)
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !rc.IsRecoverable(err) {
			return err
		}
	}

	return lastErr
}

// backoff computes the exponential delay for the given attempt, with jitter.
func (rc RetryConfig) backoff(attempt int) time.Duration {
	multiplier := rc.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(multiplier, float64(attempt-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}

	if rc.Jitter > 0 {
		jitterRange := 2 * delay.Seconds() * rc.Jitter * (rand.Float64() - 0.5)
		delay = time.Duration(float64(delay) + jitterRange*float64(time.Second))
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}

// WithTimeout runs fn under a deadline, translating expiry into CodeTimeout.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return errors.New(errors.CodeTimeout, "operation exceeded deadline", err).
			WithContext("timeout", d.String())
	}
	return err
}
