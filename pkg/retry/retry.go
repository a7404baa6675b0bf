// Package retry provides retry policies for transient upstream and store
// failures. The delay schedule is delegated to cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines the retry policy interface
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      int
}

// DefaultConfig returns a config suitable for Redis round trips
func DefaultConfig() Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

// ExponentialBackoff implements Policy with exponential backoff and jitter
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates a new exponential backoff retry policy
func NewExponentialBackoff(config Config) Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 100 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 5 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 30 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	return &ExponentialBackoff{config: config}
}

// NewNoRetry returns a policy that executes the function exactly once.
// Used for billable calls that must never be retried implicitly.
func NewNoRetry() Policy {
	return &ExponentialBackoff{config: Config{MaxRetries: 0}}
}

// Execute runs fn, retrying transient failures per the configured schedule.
// A Permanent error from fn stops retrying immediately.
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.config.MaxRetries <= 0 {
		return fn(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialInterval
	b.MaxInterval = e.config.MaxInterval
	b.MaxElapsedTime = e.config.MaxElapsedTime
	b.Multiplier = e.config.Multiplier

	// MaxRetries counts attempts after the first.
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		return fn(ctx)
	}, policy)
}

// Permanent marks an error as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
