// Package retry implements exponential-backoff retry of a fallible
// operation, used by the tracker collaborator's announce loop.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Operation is a fallible, context-aware unit of work.
type Operation func(ctx context.Context) error

// Config controls attempt count, delay growth, and retry eligibility.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error, nextDelay time.Duration)
	RetryIf      func(err error) bool
}

// Option mutates a Config built from DefaultConfig.
type Option func(*Config)

// DefaultConfig returns conservative defaults: 5 attempts, 100ms initial
// delay doubling up to 10s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option         { return func(c *Config) { c.MaxAttempts = n } }
func WithInitialDelay(d time.Duration) Option { return func(c *Config) { c.InitialDelay = d } }
func WithMaxDelay(d time.Duration) Option     { return func(c *Config) { c.MaxDelay = d } }
func WithMultiplier(m float64) Option         { return func(c *Config) { c.Multiplier = m } }
func WithOnRetry(f func(attempt int, err error, nextDelay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = f }
}
func WithRetryIf(pred func(err error) bool) Option { return func(c *Config) { c.RetryIf = pred } }

// WithExponentialBackoff bundles the three parameters of a classic
// exponential backoff schedule.
func WithExponentialBackoff(maxAttempts int, initialDelay, maxDelay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(initialDelay),
		WithMaxDelay(maxDelay),
		WithMultiplier(2.0),
	}
}

// Do runs op, retrying on error per the assembled Config until it succeeds,
// an unretryable error is returned, attempts are exhausted, or ctx is done.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: context canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return fmt.Errorf("retry: unretryable error: %w", lastErr)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: context canceled during wait (attempt %d): %w (last error: %v)", attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: attempts exhausted: %w", lastErr)
}

func calculateDelay(attempt int, cfg *Config) time.Duration {
	delay := math.Min(
		float64(cfg.MaxDelay),
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
	)
	return time.Duration(delay)
}
