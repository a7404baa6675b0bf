package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/store"
)

func setupLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	resilient := store.NewResilientClient(client, store.DefaultConfig(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	limiter, err := NewLimiter(resilient, cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return limiter, mr
}

// generous returns a config where no tier should deny
func generous() Config {
	return Config{
		PerUserPerMinute:    1000,
		PerUserPerHour:      10000,
		PerUserPerDay:       100000,
		GlobalPerHour:       100000,
		MaxConcurrent:       1000,
		PerUserDailyCostUSD: 1000,
		GlobalDailyCostUSD:  10000,
	}
}

func TestAdmit_PerMinuteWindow(t *testing.T) {
	cfg := generous()
	cfg.PerUserPerMinute = 3
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Admit(ctx, "alice", 0)
		require.NoError(t, err)
		assert.Equal(t, Allowed, d.Outcome)
		d.Release()
	}

	d, err := limiter.Admit(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, TierUserMinute, d.Tier)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	// Denied decisions hold no slot.
	d.Release()
	inflight, err := limiter.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, inflight)
}

func TestAdmit_SubjectsAreIndependent(t *testing.T) {
	cfg := generous()
	cfg.PerUserPerMinute = 1
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	d, err := limiter.Admit(ctx, "alice", 0)
	require.NoError(t, err)
	require.Equal(t, Allowed, d.Outcome)
	d.Release()

	d, err = limiter.Admit(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, Denied, d.Outcome)

	// Bob is untouched by Alice's window.
	d, err = limiter.Admit(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Outcome)
	d.Release()
}

func TestAdmit_GlobalHourWindow(t *testing.T) {
	cfg := generous()
	cfg.GlobalPerHour = 2
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	for _, subject := range []string{"alice", "bob"} {
		d, err := limiter.Admit(ctx, subject, 0)
		require.NoError(t, err)
		require.Equal(t, Allowed, d.Outcome)
		d.Release()
	}

	// The global window counts across subjects.
	d, err := limiter.Admit(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, TierGlobalHour, d.Tier)
}

func TestAdmit_ConcurrencySlot(t *testing.T) {
	cfg := generous()
	cfg.MaxConcurrent = 2
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	first, err := limiter.Admit(ctx, "alice", 0)
	require.NoError(t, err)
	require.Equal(t, Allowed, first.Outcome)

	second, err := limiter.Admit(ctx, "bob", 0)
	require.NoError(t, err)
	require.Equal(t, Allowed, second.Outcome)

	inflight, err := limiter.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inflight)

	denied, err := limiter.Admit(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Equal(t, Denied, denied.Outcome)
	assert.Equal(t, TierGlobalConcurrent, denied.Tier)
	assert.Equal(t, time.Second, denied.RetryAfter)

	// A denied request leaves no trace in the windows, so releasing one
	// slot lets the next request in.
	first.Release()
	d, err := limiter.Admit(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Outcome)

	d.Release()
	second.Release()
	inflight, err = limiter.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, inflight)
}

func TestAdmit_ConcurrentBurst(t *testing.T) {
	cfg := generous()
	cfg.PerUserPerMinute = 10
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	const burst = 15
	var wg sync.WaitGroup
	decisions := make([]*Decision, burst)
	errs := make([]error, burst)

	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = limiter.Admit(ctx, "alice", 0)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	allowed := 0
	for _, d := range decisions {
		if d.Outcome == Allowed {
			allowed++
		} else {
			assert.Equal(t, TierUserMinute, d.Tier)
		}
	}
	assert.Equal(t, 10, allowed)

	inflight, err := limiter.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, inflight)

	for _, d := range decisions {
		d.Release()
	}
	inflight, err = limiter.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, inflight)
}

func TestRelease_Idempotent(t *testing.T) {
	cfg := generous()
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	d, err := limiter.Admit(ctx, "alice", 0)
	require.NoError(t, err)
	require.Equal(t, Allowed, d.Outcome)

	d.Release()
	d.Release()
	d.Release()

	inflight, err := limiter.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, inflight)
}

func TestCostBudget(t *testing.T) {
	cfg := generous()
	cfg.PerUserDailyCostUSD = 0.50
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	limiter.RecordCost(ctx, "alice", 0.20)
	limiter.RecordCost(ctx, "alice", 0.20)

	spend, err := limiter.DailySpend(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.40, spend, 0.0001)

	t.Run("hint over remaining budget denies", func(t *testing.T) {
		d, err := limiter.Admit(ctx, "alice", 0.20)
		require.NoError(t, err)
		assert.Equal(t, Denied, d.Outcome)
		assert.Equal(t, TierUserDailyCost, d.Tier)
		// Cost tiers reset at the UTC day boundary.
		assert.Greater(t, d.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, d.RetryAfter, 24*time.Hour)
	})

	t.Run("hint within remaining budget passes", func(t *testing.T) {
		d, err := limiter.Admit(ctx, "alice", 0.05)
		require.NoError(t, err)
		assert.Equal(t, Allowed, d.Outcome)
		d.Release()
	})

	t.Run("exhausted budget denies even without hint", func(t *testing.T) {
		limiter.RecordCost(ctx, "alice", 0.20)
		d, err := limiter.Admit(ctx, "alice", 0)
		require.NoError(t, err)
		assert.Equal(t, Denied, d.Outcome)
		assert.Equal(t, TierUserDailyCost, d.Tier)
	})
}

func TestGlobalCostBudget(t *testing.T) {
	cfg := generous()
	cfg.GlobalDailyCostUSD = 0.10
	limiter, _ := setupLimiter(t, cfg)
	ctx := context.Background()

	limiter.RecordCost(ctx, "alice", 0.15)

	// Bob is within his own budget but the global ledger is spent.
	d, err := limiter.Admit(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, TierGlobalDailyCost, d.Tier)
}

func TestAdmit_FailsOpenWhenStoreDown(t *testing.T) {
	cfg := generous()
	limiter, mr := setupLimiter(t, cfg)
	ctx := context.Background()

	mr.Close()

	d, err := limiter.Admit(ctx, "alice", 0.01)
	require.NoError(t, err)
	assert.Equal(t, DegradedAllowed, d.Outcome)
	assert.True(t, d.Admitted())

	// Nothing was recorded, so Release must be a no-op.
	d.Release()
}

func TestRecordCost_AbsorbsStoreFailure(t *testing.T) {
	cfg := generous()
	limiter, mr := setupLimiter(t, cfg)

	mr.Close()

	// Must not panic or error; settlement failures are logged only.
	limiter.RecordCost(context.Background(), "alice", 0.10)
}

func TestAdmit_EmptySubject(t *testing.T) {
	limiter, _ := setupLimiter(t, generous())

	_, err := limiter.Admit(context.Background(), "", 0)
	assert.ErrorIs(t, err, ErrEmptySubject)
}

func TestAdmit_DisabledTiers(t *testing.T) {
	// Zero limits disable a tier entirely.
	limiter, _ := setupLimiter(t, Config{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d, err := limiter.Admit(ctx, "alice", 0)
		require.NoError(t, err)
		assert.Equal(t, Allowed, d.Outcome)
		d.Release()
	}
}
