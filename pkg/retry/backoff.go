// Package retry provides exponential backoff retry logic with jitter.
//
// The dispatch front uses it to retry requests that found the backend pool
// exhausted:
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 50 * time.Millisecond,
//		MaxInterval:     time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      2,
//	}
//
//	err := retry.WithRetry(ctx, func() error {
//		slot, err = b.Acquire(ctx, worker, key)
//		if err != nil && !errors.Is(err, balancer.ErrPoolExhausted) {
//			return retry.Stop(err)
//		}
//		return err
//	}, cfg)
//
// # Jitter
//
// With jitter enabled the actual delay is baseDelay * (0.5 + random(0, 0.5)),
// which keeps callers that failed together from retrying together.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/lbpool/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// ExponentialBackoff returns the delay before retry number attempt (1-based)
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration >= 2 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}
		return duration
	}
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a StopError, or MaxRetries retries
// have been made. A StopError is unwrapped and returned as is.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		logger.Debug("Retry: attempt failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
