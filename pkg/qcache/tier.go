// Package qcache implements the three cache tiers in front of the query
// pipeline: L1 query results (user-scoped, 24h), L2 query embeddings
// (shared, 7d), L3 context selections (user-scoped, 1h). Entries are JSON
// over the shared store; a store failure is always a miss, never an error.
package qcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/store"
)

// Tier is a single cache tier. Safe for concurrent use; last writer wins.
type Tier struct {
	name      string
	keyPrefix string
	ttl       time.Duration
	store     *store.ResilientClient
	// fallback serves reads while the store is unreachable. Its short TTL
	// bounds how stale a degraded hit can be.
	fallback *expirable.LRU[string, []byte]
	logger   observability.Logger
	metrics  observability.MetricsClient
}

func newTier(name, keyPrefix string, ttl time.Duration, st *store.ResilientClient, fallbackSize int, fallbackTTL time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Tier {
	t := &Tier{
		name:      name,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		store:     st,
		logger:    logger.WithPrefix(name),
		metrics:   metrics,
	}
	if fallbackSize > 0 {
		t.fallback = expirable.NewLRU[string, []byte](fallbackSize, nil, fallbackTTL)
	}
	return t
}

// Get retrieves the value for key into out. The boolean reports a hit.
// A store timeout or outage is an unconditional miss (served from the
// in-process fallback when possible), never an error.
func (t *Tier) Get(ctx context.Context, key string, out interface{}) bool {
	data, err := t.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		t.recordLookup("miss")
		return false
	default:
		t.recordLookup("degraded")
		if t.fallback == nil {
			return false
		}
		cached, ok := t.fallback.Get(key)
		if !ok {
			return false
		}
		data = cached
	}

	if err := json.Unmarshal(data, out); err != nil {
		t.logger.Warn("failed to decode cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		t.recordLookup("miss")
		return false
	}

	if err == nil {
		t.recordLookup("hit")
	}
	return true
}

// Put stores value under key. A non-positive ttl uses the tier default.
// Writes are best effort: failures are logged and absorbed so a degraded
// store never fails the request that produced the value.
func (t *Tier) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.ttl
	}

	data, err := json.Marshal(value)
	if err != nil {
		t.logger.Warn("failed to encode cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}

	if t.fallback != nil {
		t.fallback.Add(key, data)
	}

	if err := t.store.Set(ctx, key, data, ttl); err != nil {
		t.logger.Warn("cache write dropped", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		t.metrics.IncrementCounterWithLabels("qcache.write_dropped", 1, map[string]string{"tier": t.name})
	}
}

// DeleteByPrefix removes every entry under prefix from the store and the
// fallback. Returns the number of store keys removed.
func (t *Tier) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if t.fallback != nil {
		for _, key := range t.fallback.Keys() {
			if strings.HasPrefix(key, prefix) {
				t.fallback.Remove(key)
			}
		}
	}

	deleted, err := t.store.DeleteByPrefix(ctx, prefix)
	if err != nil {
		t.metrics.IncrementCounterWithLabels("qcache.invalidate_failures", 1, map[string]string{"tier": t.name})
		return deleted, err
	}

	t.metrics.IncrementCounterWithLabels("qcache.invalidated", float64(deleted), map[string]string{"tier": t.name})
	return deleted, nil
}

// Name returns the tier name
func (t *Tier) Name() string { return t.name }

// TTL returns the tier's default entry lifetime
func (t *Tier) TTL() time.Duration { return t.ttl }

func (t *Tier) recordLookup(result string) {
	t.metrics.IncrementCounterWithLabels("qcache.lookup", 1, map[string]string{
		"tier":   t.name,
		"status": result,
	})
}
