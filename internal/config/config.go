// Package config loads service configuration from an optional YAML file
// and RAGGATE_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/answerstack/raggate/internal/upstream"
	"github.com/answerstack/raggate/pkg/pipeline"
	"github.com/answerstack/raggate/pkg/qcache"
	"github.com/answerstack/raggate/pkg/qcache/invalidation"
	"github.com/answerstack/raggate/pkg/ratelimit"
	"github.com/answerstack/raggate/pkg/store"
)

// ServerConfig holds the transport shim settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// BurstRPS/BurstSize tune the per-instance guard in front of the real
	// limiter; it protects the store, not the budget
	BurstRPS  int `mapstructure:"burst_rps"`
	BurstSize int `mapstructure:"burst_size"`
}

// Config is the full service configuration
type Config struct {
	LogLevel     string              `mapstructure:"log_level"`
	Server       ServerConfig        `mapstructure:"server"`
	Redis        store.Config        `mapstructure:"redis"`
	RateLimit    ratelimit.Config    `mapstructure:"rate_limit"`
	Cache        qcache.Config       `mapstructure:"cache"`
	Invalidation invalidation.Config `mapstructure:"invalidation"`
	Pipeline     pipeline.Config     `mapstructure:"pipeline"`
	Upstream     upstream.Config     `mapstructure:"upstream"`
}

// Load reads configuration. path may be empty; environment variables
// (RAGGATE_SECTION_KEY) override file values, and both override defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RAGGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.RateLimit.MaxConcurrent < 0 {
		return fmt.Errorf("rate_limit.max_concurrent must not be negative")
	}
	if c.Pipeline.PromptCostPer1K < 0 || c.Pipeline.CompletionCostPer1K < 0 {
		return fmt.Errorf("pipeline token pricing must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.burst_rps", 200)
	v.SetDefault("server.burst_size", 400)

	sc := store.DefaultConfig()
	v.SetDefault("redis.address", sc.Address)
	v.SetDefault("redis.dial_timeout", sc.DialTimeout)
	v.SetDefault("redis.read_timeout", sc.ReadTimeout)
	v.SetDefault("redis.write_timeout", sc.WriteTimeout)
	v.SetDefault("redis.pool_size", sc.PoolSize)
	v.SetDefault("redis.min_idle_conns", sc.MinIdleConns)
	v.SetDefault("redis.op_timeout", sc.OpTimeout)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("rate_limit.per_user_per_minute", rl.PerUserPerMinute)
	v.SetDefault("rate_limit.per_user_per_hour", rl.PerUserPerHour)
	v.SetDefault("rate_limit.per_user_per_day", rl.PerUserPerDay)
	v.SetDefault("rate_limit.global_per_hour", rl.GlobalPerHour)
	v.SetDefault("rate_limit.max_concurrent", rl.MaxConcurrent)
	v.SetDefault("rate_limit.per_user_daily_cost_usd", rl.PerUserDailyCostUSD)
	v.SetDefault("rate_limit.global_daily_cost_usd", rl.GlobalDailyCostUSD)
	v.SetDefault("rate_limit.key_prefix", rl.KeyPrefix)
	v.SetDefault("rate_limit.slot_ttl", rl.SlotTTL)

	qc := qcache.DefaultConfig()
	v.SetDefault("cache.prefix", qc.Prefix)
	v.SetDefault("cache.l1_ttl", qc.L1TTL)
	v.SetDefault("cache.l2_ttl", qc.L2TTL)
	v.SetDefault("cache.l3_ttl", qc.L3TTL)
	v.SetDefault("cache.fallback_size", qc.FallbackSize)
	v.SetDefault("cache.fallback_ttl", qc.FallbackTTL)

	inv := invalidation.DefaultConfig()
	v.SetDefault("invalidation.mode", string(inv.Mode))
	v.SetDefault("invalidation.queue_size", inv.QueueSize)
	v.SetDefault("invalidation.purge_timeout", inv.PurgeTime)

	pl := pipeline.DefaultConfig()
	v.SetDefault("pipeline.default_top_k", pl.DefaultTopK)
	v.SetDefault("pipeline.default_max_tokens", pl.DefaultMaxTokens)
	v.SetDefault("pipeline.max_top_k", pl.MaxTopK)
	v.SetDefault("pipeline.max_tokens_ceiling", pl.MaxTokensCeiling)
	v.SetDefault("pipeline.max_context_chars", pl.MaxContextChars)
	v.SetDefault("pipeline.max_query_chars", pl.MaxQueryChars)
	v.SetDefault("pipeline.upstream_timeout", pl.UpstreamTimeout)
	v.SetDefault("pipeline.prompt_cost_per_1k", pl.PromptCostPer1K)
	v.SetDefault("pipeline.completion_cost_per_1k", pl.CompletionCostPer1K)
	v.SetDefault("pipeline.cost_hint_usd", pl.CostHintUSD)

	up := upstream.DefaultConfig()
	v.SetDefault("upstream.embedding_url", up.EmbeddingURL)
	v.SetDefault("upstream.search_url", up.SearchURL)
	v.SetDefault("upstream.chunk_url", up.ChunkURL)
	v.SetDefault("upstream.generation_url", up.GenerationURL)
	v.SetDefault("upstream.timeout", up.Timeout)
}
