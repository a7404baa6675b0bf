package pipeline

import (
	"fmt"
	"time"
)

// Params are the retrieval parameters a client may tune per request. They
// are part of the L1 key: different parameters are different answers.
type Params struct {
	TopK      int `json:"top_k"`
	MaxTokens int `json:"max_tokens"`
}

// Fingerprint returns a stable encoding of the parameters for cache keying
func (p Params) Fingerprint() string {
	return fmt.Sprintf("k=%d;t=%d", p.TopK, p.MaxTokens)
}

// Request is the client-facing query
type Request struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	Params Params `json:"params"`
}

// TierStatus reports what a cache tier contributed to a request
type TierStatus string

const (
	// TierHit means the tier served the value
	TierHit TierStatus = "hit"
	// TierMiss means the tier was consulted and had nothing
	TierMiss TierStatus = "miss"
	// TierSkipped means the tier was never consulted (an earlier tier hit)
	TierSkipped TierStatus = "skipped"
)

// Provenance records per-tier cache outcomes for a request
type Provenance struct {
	L1 TierStatus `json:"l1"`
	L2 TierStatus `json:"l2"`
	L3 TierStatus `json:"l3"`
}

// Source is a provenance reference returned with the answer
type Source struct {
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
}

// Response is the client-facing answer
type Response struct {
	RequestID       string     `json:"request_id"`
	Answer          string     `json:"answer"`
	Sources         []Source   `json:"sources"`
	CacheProvenance Provenance `json:"cache_provenance"`
	CostUSD         float64    `json:"cost_usd"`
	LatencyMs       int64      `json:"latency_ms"`
	// RateLimitStatus is "allowed" or "degraded_allowed"; denials never
	// produce a Response
	RateLimitStatus string `json:"rate_limit_status"`
}

// answerEntry is the L1 cache payload: the complete response material
type answerEntry struct {
	Answer   string    `json:"answer"`
	Sources  []Source  `json:"sources"`
	CachedAt time.Time `json:"cached_at"`
}

// contextEntry is the L3 cache payload: the ranked selection only, never
// chunk bodies
type contextEntry struct {
	Matches  []ChunkMatch `json:"matches"`
	CachedAt time.Time    `json:"cached_at"`
}
