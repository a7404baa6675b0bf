// Package store provides the shared Redis client used by the rate limiter
// and every cache tier. All calls are bounded by a per-operation timeout and
// protected by a circuit breaker with retry; callers translate failures into
// fail-open or cache-miss behavior, never hard errors.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when a key is not present in the store
var ErrNotFound = errors.New("key not found in store")

// Config holds Redis connection settings
type Config struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	// OpTimeout bounds every store round trip issued through the resilient
	// client, independent of the caller's deadline
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// DefaultConfig returns connection settings for a local Redis
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:6379",
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
		OpTimeout:    500 * time.Millisecond,
	}
}

// NewRedisClient creates a Redis client and verifies connectivity
func NewRedisClient(cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}
