package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/resilience"
	"github.com/answerstack/raggate/pkg/retry"
)

// ResilientClient wraps a Redis client with circuit breaker, retry, and a
// per-operation timeout
type ResilientClient struct {
	client    *redis.Client
	breaker   *resilience.CircuitBreaker
	retryer   retry.Policy
	opTimeout time.Duration
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewResilientClient creates a resilient client around an existing Redis
// client
func NewResilientClient(client *redis.Client, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *ResilientClient {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}

	return &ResilientClient{
		client:    client,
		breaker:   resilience.NewCircuitBreaker("redis", resilience.DefaultConfig(), logger, metrics),
		retryer:   retry.NewExponentialBackoff(retry.Config{InitialInterval: 50 * time.Millisecond, MaxInterval: 200 * time.Millisecond, MaxElapsedTime: 1 * time.Second, Multiplier: 2.0, MaxRetries: 2}),
		opTimeout: opTimeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// Get retrieves the raw value for key. Returns ErrNotFound for absent keys.
func (r *ResilientClient) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := r.execute(ctx, "get", func(ctx context.Context) error {
		v, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Absence is a terminal answer, not a transient failure.
			return retry.Permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

// Set stores value under key with a TTL
func (r *ResilientClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.execute(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes the given keys
func (r *ResilientClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.execute(ctx, "del", func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

// Eval executes a Lua script. Scripts are the unit of atomicity for the
// rate limiter; they are never retried mid-flight, only re-submitted whole.
func (r *ResilientClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var result interface{}
	err := r.execute(ctx, "eval", func(ctx context.Context) error {
		v, err := r.client.Eval(ctx, script, keys, args...).Result()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// DeleteByPrefix removes every key matching prefix + "*" using SCAN so the
// server is never blocked. Returns the number of keys removed.
func (r *ResilientClient) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := prefix + "*"
	deleted := 0

	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 256 {
			if err := r.Del(ctx, batch...); err != nil {
				return deleted, err
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if len(batch) > 0 {
		if err := r.Del(ctx, batch...); err != nil {
			return deleted, err
		}
		deleted += len(batch)
	}
	return deleted, nil
}

// Health pings the store
func (r *ResilientClient) Health(ctx context.Context) error {
	return r.execute(ctx, "ping", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

// Client returns the underlying Redis client for operations the wrapper
// does not cover
func (r *ResilientClient) Client() *redis.Client {
	return r.client
}

// Close closes the underlying connection
func (r *ResilientClient) Close() error {
	return r.client.Close()
}

func (r *ResilientClient) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	result, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		err := r.retryer.Execute(ctx, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
			defer cancel()
			return fn(opCtx)
		})
		// A miss is a healthy answer; it must not count against the breaker.
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound, nil
		}
		return nil, err
	})
	if err == nil && result == ErrNotFound { //nolint:errorlint // sentinel identity, not wrapping
		err = ErrNotFound
	}
	r.metrics.RecordCacheOperation("store."+op, err == nil || errors.Is(err, ErrNotFound), time.Since(start).Seconds())
	return err
}

// IsUnavailable reports whether err means the store could not serve the
// request (as opposed to a normal miss). Callers use it to pick fail-open
// or unconditional-miss behavior.
func IsUnavailable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}
