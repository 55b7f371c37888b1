// Package retry provides exponential backoff retry logic with jitter.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 50 * time.Millisecond,
//		MaxInterval:     time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      3,
//		OperationName:   "save_connection",
//	}
//	err := retry.WithRetry(ctx, func() error { return store.Save(ctx, upd) }, cfg)
//
// A function returns retry.Stop(err) to end retries immediately; WithRetry then
// returns the wrapped error unchanged so callers can still classify it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/examlink/sebconn/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
	OperationName   string // used in log output only
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
		if config.Jitter && duration > 1 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}

		return duration
	}
}

type RetryableFunc func() error

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

// WithRetry calls fn until it succeeds, returns a StopError, the context ends
// or MaxRetries retries have been spent.
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
		logger.Debug("Retry: attempt failed", "operation", config.OperationName, "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
