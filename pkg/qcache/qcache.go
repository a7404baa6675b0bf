package qcache

import (
	"fmt"
	"time"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/store"
)

// Config controls tier TTLs and the degraded-mode fallback
type Config struct {
	// Prefix namespaces all cache keys in the shared store
	Prefix string `mapstructure:"prefix"`

	// L1TTL bounds query-result entries (user-scoped)
	L1TTL time.Duration `mapstructure:"l1_ttl"`
	// L2TTL bounds embedding entries (shared across users)
	L2TTL time.Duration `mapstructure:"l2_ttl"`
	// L3TTL bounds context-selection entries (user-scoped)
	L3TTL time.Duration `mapstructure:"l3_ttl"`

	// FallbackSize is the per-tier in-process LRU capacity used while the
	// store is unreachable; zero disables the fallback
	FallbackSize int `mapstructure:"fallback_size"`
	// FallbackTTL bounds how stale a degraded-mode hit can be
	FallbackTTL time.Duration `mapstructure:"fallback_ttl"`
}

// DefaultConfig returns the tier lifetimes from the pipeline design:
// answers age out daily, embeddings weekly, context selections hourly.
func DefaultConfig() Config {
	return Config{
		Prefix:       "qc",
		L1TTL:        24 * time.Hour,
		L2TTL:        7 * 24 * time.Hour,
		L3TTL:        time.Hour,
		FallbackSize: 1024,
		FallbackTTL:  5 * time.Minute,
	}
}

// Caches bundles the three tiers and the shared normalizer
type Caches struct {
	L1 *Tier
	L2 *Tier
	L3 *Tier

	Normalizer QueryNormalizer
}

// New creates the three cache tiers over the shared store
func New(st *store.ResilientClient, config Config, logger observability.Logger, metrics observability.MetricsClient) (*Caches, error) {
	if st == nil {
		return nil, fmt.Errorf("store client is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.L1TTL <= 0 {
		config.L1TTL = defaults.L1TTL
	}
	if config.L2TTL <= 0 {
		config.L2TTL = defaults.L2TTL
	}
	if config.L3TTL <= 0 {
		config.L3TTL = defaults.L3TTL
	}
	if config.FallbackTTL <= 0 {
		config.FallbackTTL = defaults.FallbackTTL
	}

	logger = logger.WithPrefix("qcache")

	return &Caches{
		L1:         newTier("l1", config.Prefix+":l1:", config.L1TTL, st, config.FallbackSize, config.FallbackTTL, logger, metrics),
		L2:         newTier("l2", config.Prefix+":l2:", config.L2TTL, st, config.FallbackSize, config.FallbackTTL, logger, metrics),
		L3:         newTier("l3", config.Prefix+":l3:", config.L3TTL, st, config.FallbackSize, config.FallbackTTL, logger, metrics),
		Normalizer: NewQueryNormalizer(),
	}, nil
}
