package modelhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig contains configuration for exponential backoff retries
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retries after the first attempt (default: 3)
	RetryDelay    time.Duration // Initial retry delay (default: 500ms)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 10s)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

// permanentError marks failures that retrying cannot fix (404, 401)
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return &permanentError{err: err} }

// attemptFunc performs one attempt
type attemptFunc func(ctx context.Context, attempt int) error

// runWithRetry executes fn with exponential backoff until it succeeds, fails
// permanently, runs out of retries, or ctx is cancelled.
//
// Backoff schedule with defaults: 500ms, 1s, 2s.
func runWithRetry(ctx context.Context, cfg RetryConfig, what string, fn attemptFunc) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("modelhub: %s: giving up after %d attempts: %w", what, attempt+1, err)
		}

		delay := calculateBackoff(attempt+1, cfg)
		slog.Warn("modelhub: retrying",
			"what", what,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
