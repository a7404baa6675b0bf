package ratelimit

import "time"

// Config defines the admission tiers. A zero limit disables that tier.
type Config struct {
	// Sliding-window request limits
	PerUserPerMinute int `mapstructure:"per_user_per_minute"`
	PerUserPerHour   int `mapstructure:"per_user_per_hour"`
	PerUserPerDay    int `mapstructure:"per_user_per_day"`
	GlobalPerHour    int `mapstructure:"global_per_hour"`

	// MaxConcurrent caps in-flight admitted requests across all instances
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// Daily cost budgets in USD, reset at the UTC day boundary. Enforcement
	// is post-hoc: actual cost is only known after generation, so a request
	// can overshoot the budget once before the next one is blocked.
	PerUserDailyCostUSD float64 `mapstructure:"per_user_daily_cost_usd"`
	GlobalDailyCostUSD  float64 `mapstructure:"global_daily_cost_usd"`

	// KeyPrefix namespaces the limiter's keys in the shared store
	KeyPrefix string `mapstructure:"key_prefix"`

	// SlotTTL is a safety bound on the concurrency counter so a crashed
	// instance cannot leak slots forever. It should comfortably exceed the
	// request deadline.
	SlotTTL time.Duration `mapstructure:"slot_ttl"`
}

// DefaultConfig returns production-shaped limits
func DefaultConfig() Config {
	return Config{
		PerUserPerMinute:    10,
		PerUserPerHour:      100,
		PerUserPerDay:       500,
		GlobalPerHour:       5000,
		MaxConcurrent:       64,
		PerUserDailyCostUSD: 1.00,
		GlobalDailyCostUSD:  50.00,
		KeyPrefix:           "rl",
		SlotTTL:             2 * time.Minute,
	}
}

// windows returns the sliding-window tiers in evaluation order
func (c Config) windows() []window {
	return []window{
		{tier: TierUserMinute, limit: c.PerUserPerMinute, length: time.Minute, global: false},
		{tier: TierUserHour, limit: c.PerUserPerHour, length: time.Hour, global: false},
		{tier: TierUserDay, limit: c.PerUserPerDay, length: 24 * time.Hour, global: false},
		{tier: TierGlobalHour, limit: c.GlobalPerHour, length: time.Hour, global: true},
	}
}

type window struct {
	tier   string
	limit  int
	length time.Duration
	global bool
}
