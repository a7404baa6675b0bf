// Package resilience wraps circuit breaking for calls into shared
// infrastructure. The state machine is sony/gobreaker; this package adds
// the project's config vocabulary, logging, and metrics.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/answerstack/raggate/pkg/observability"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// executing it
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before tripping
	FailureThreshold int
	// FailureRatio trips the breaker when exceeded over MinimumRequestCount
	FailureRatio float64
	// MinimumRequestCount is the sample size before FailureRatio applies
	MinimumRequestCount int
	// ResetTimeout is how long the breaker stays open before probing
	ResetTimeout time.Duration
	// MaxRequestsHalfOpen limits concurrent probes while half-open
	MaxRequestsHalfOpen int
}

// DefaultConfig returns breaker settings tuned for a local Redis
func DefaultConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		FailureRatio:        0.6,
		MinimumRequestCount: 10,
		ResetTimeout:        30 * time.Second,
		MaxRequestsHalfOpen: 5,
	}
}

// CircuitBreaker protects a dependency with the circuit breaker pattern
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a named circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	cb := &CircuitBreaker{
		name:    name,
		logger:  logger,
		metrics: metrics,
	}

	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxRequestsHalfOpen),
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.FailureThreshold > 0 && counts.ConsecutiveFailures >= uint32(config.FailureThreshold) {
				return true
			}
			if counts.Requests >= uint32(config.MinimumRequestCount) {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= config.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			metrics.IncrementCounterWithLabels("circuit_breaker.state_change", 1, map[string]string{
				"service": name,
				"status":  to.String(),
			})
		},
	})

	return cb
}

// Execute runs fn through the breaker. Context cancellation is honored
// before the call; in-flight work is bounded by fn's own deadline.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := cb.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State returns the current breaker state as a string
func (cb *CircuitBreaker) State() string {
	return cb.breaker.State().String()
}
