package qcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/store"
)

type answer struct {
	Text string `json:"text"`
}

func setupCaches(t *testing.T, cfg Config) (*Caches, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	resilient := store.NewResilientClient(client, store.DefaultConfig(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	caches, err := New(resilient, cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return caches, mr
}

func TestTier_PutGet(t *testing.T) {
	caches, _ := setupCaches(t, Config{})
	ctx := context.Background()

	key := caches.L1Key("alice", "what is go", "k=5;t=512")
	caches.L1.Put(ctx, key, answer{Text: "a language"}, 0)

	var got answer
	require.True(t, caches.L1.Get(ctx, key, &got))
	assert.Equal(t, "a language", got.Text)

	var missing answer
	assert.False(t, caches.L1.Get(ctx, caches.L1Key("alice", "something else", "k=5;t=512"), &missing))
}

func TestTier_EntriesExpire(t *testing.T) {
	cfg := Config{L3TTL: time.Minute, FallbackSize: -1}
	caches, mr := setupCaches(t, cfg)
	ctx := context.Background()

	key := caches.L3Key("alice", []float32{0.1, 0.2})
	caches.L3.Put(ctx, key, answer{Text: "selection"}, 0)

	var got answer
	require.True(t, caches.L3.Get(ctx, key, &got))

	mr.FastForward(2 * time.Minute)

	assert.False(t, caches.L3.Get(ctx, key, &got))
}

func TestTier_PerEntryTTLOverride(t *testing.T) {
	caches, mr := setupCaches(t, Config{FallbackSize: -1})
	ctx := context.Background()

	key := caches.L1Key("alice", "short lived", "k=5;t=512")
	caches.L1.Put(ctx, key, answer{Text: "gone soon"}, 10*time.Second)

	mr.FastForward(11 * time.Second)

	var got answer
	assert.False(t, caches.L1.Get(ctx, key, &got))
}

func TestDeleteByPrefix_UserScoped(t *testing.T) {
	caches, _ := setupCaches(t, Config{})
	ctx := context.Background()

	aliceL1 := caches.L1Key("alice", "query one", "k=5;t=512")
	bobL1 := caches.L1Key("bob", "query one", "k=5;t=512")
	aliceL3 := caches.L3Key("alice", []float32{0.5})
	sharedL2 := caches.L2Key("query one")

	caches.L1.Put(ctx, aliceL1, answer{Text: "alice"}, 0)
	caches.L1.Put(ctx, bobL1, answer{Text: "bob"}, 0)
	caches.L3.Put(ctx, aliceL3, answer{Text: "ctx"}, 0)
	caches.L2.Put(ctx, sharedL2, []float32{0.1}, 0)

	deleted, err := caches.L1.DeleteByPrefix(ctx, caches.L1.UserPrefix("alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	var got answer
	assert.False(t, caches.L1.Get(ctx, aliceL1, &got))
	assert.True(t, caches.L1.Get(ctx, bobL1, &got), "another user's entries must survive")

	// Other tiers are untouched by an L1 purge.
	assert.True(t, caches.L3.Get(ctx, aliceL3, &got))
	var vec []float32
	assert.True(t, caches.L2.Get(ctx, sharedL2, &vec))
}

func TestGet_StoreDownServesFallback(t *testing.T) {
	caches, mr := setupCaches(t, Config{FallbackSize: 16, FallbackTTL: time.Minute})
	ctx := context.Background()

	key := caches.L1Key("alice", "resilient", "k=5;t=512")
	caches.L1.Put(ctx, key, answer{Text: "from fallback"}, 0)

	mr.Close()

	var got answer
	require.True(t, caches.L1.Get(ctx, key, &got))
	assert.Equal(t, "from fallback", got.Text)

	// Keys never written are plain misses even while degraded.
	assert.False(t, caches.L1.Get(ctx, caches.L1Key("alice", "never stored", "k=5;t=512"), &got))
}

func TestGet_StoreDownWithoutFallbackIsMiss(t *testing.T) {
	caches, mr := setupCaches(t, Config{FallbackSize: -1})
	ctx := context.Background()

	key := caches.L1Key("alice", "no fallback", "k=5;t=512")
	caches.L1.Put(ctx, key, answer{Text: "x"}, 0)

	mr.Close()

	var got answer
	assert.False(t, caches.L1.Get(ctx, key, &got))
}

func TestPut_StoreDownIsAbsorbed(t *testing.T) {
	caches, mr := setupCaches(t, Config{FallbackSize: -1})
	mr.Close()

	// Must not panic; a degraded store drops writes silently.
	caches.L1.Put(context.Background(), caches.L1Key("alice", "dropped", "k=5;t=512"), answer{Text: "x"}, 0)
}

func TestKeys(t *testing.T) {
	caches, _ := setupCaches(t, Config{})

	t.Run("l1 varies by user query and params", func(t *testing.T) {
		base := caches.L1Key("alice", "q", "k=5;t=512")
		assert.NotEqual(t, base, caches.L1Key("bob", "q", "k=5;t=512"))
		assert.NotEqual(t, base, caches.L1Key("alice", "other", "k=5;t=512"))
		assert.NotEqual(t, base, caches.L1Key("alice", "q", "k=10;t=512"))
		assert.Equal(t, base, caches.L1Key("alice", "q", "k=5;t=512"))
	})

	t.Run("l2 is shared across users", func(t *testing.T) {
		assert.Equal(t, caches.L2Key("same query"), caches.L2Key("same query"))
		assert.NotContains(t, caches.L2Key("same query"), "alice")
	})

	t.Run("l3 varies by user and embedding", func(t *testing.T) {
		v := []float32{0.1, 0.2}
		assert.NotEqual(t, caches.L3Key("alice", v), caches.L3Key("bob", v))
		assert.NotEqual(t, caches.L3Key("alice", v), caches.L3Key("alice", []float32{0.2, 0.1}))
	})

	t.Run("user prefix covers user keys only", func(t *testing.T) {
		key := caches.L1Key("alice", "q", "k=5;t=512")
		assert.Contains(t, key, caches.L1.UserPrefix("alice"))
		assert.NotContains(t, key, caches.L1.UserPrefix("alicia"))
	})
}

func TestNormalizer(t *testing.T) {
	n := NewQueryNormalizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "What Is Go", "what is go"},
		{"strips punctuation", "what is go??", "what is go"},
		{"collapses whitespace", "  what   is \t go  ", "what is go"},
		{"keeps hyphens", "rate-limit design", "rate-limit design"},
		{"keeps stop words", "what is the best way", "what is the best way"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.in))
		})
	}

	t.Run("equivalent phrasings share a key", func(t *testing.T) {
		assert.Equal(t, n.Normalize("What is Go?"), n.Normalize("  what IS go "))
	})
}
