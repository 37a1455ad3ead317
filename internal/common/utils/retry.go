package utils

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// ExhaustedError is returned by RetryWithBackoff when every attempt failed
// with a retryable error. It wraps the error from the final attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetriesExhausted reports whether err came from RetryWithBackoff running
// out of attempts rather than hitting a non-retryable error.
func IsRetriesExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// RetryConfig holds configuration for retry operations with exponential backoff.
//
// This is the single home of backoff and jitter policy; callers that need
// bounded retries (optimistic-locking conflicts, transient network errors)
// parameterize this config rather than hand-rolling loops.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries (caps exponential growth)
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff (e.g., 2.0 doubles delay)
	BackoffFactor float64

	// JitterFactor adds randomness to delays (0.0-1.0, where 0.1 = 10% jitter)
	JitterFactor float64

	// RetryableErrors determines which errors should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration:
// 3 attempts, 1s initial delay, doubling up to 30s, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryWithBackoff executes a function with exponential backoff retry strategy.
//
// Attempts fn up to MaxAttempts times with exponentially increasing delays.
// A non-retryable error (per RetryableErrors) is returned immediately. The
// backoff sleep is cancellable through ctx; cancellation returns a
// "retry cancelled" error wrapping ctx.Err().
//
// When all attempts fail the returned error wraps the last error with
// "max retries exceeded", so callers can distinguish exhaustion from a
// non-retryable failure.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err

			if config.RetryableErrors != nil && !config.RetryableErrors(err) {
				return err
			}

			if attempt == config.MaxAttempts {
				break
			}
		}

		// Wait before next attempt
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			if config.JitterFactor > 0 {
				jitter := time.Duration(float64(delay) * config.JitterFactor)
				delay = delay + time.Duration(randomInt64n(int64(jitter)))
			}
		}
	}

	return &ExhaustedError{Attempts: config.MaxAttempts, Last: lastErr}
}

// randomInt64n returns a random int64 in the range [0, n) using crypto/rand,
// with a time-based fallback if the system source fails.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}

	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return time.Now().UnixNano() % n
	}

	val := int64(bytes[0])<<56 | int64(bytes[1])<<48 | int64(bytes[2])<<40 | int64(bytes[3])<<32 |
		int64(bytes[4])<<24 | int64(bytes[5])<<16 | int64(bytes[6])<<8 | int64(bytes[7])

	if val < 0 {
		val = -val
	}

	return val % n
}
