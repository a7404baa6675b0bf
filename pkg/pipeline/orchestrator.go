// Package pipeline composes the rate limiter, the three cache tiers, and
// the external embedding/retrieval/generation services into the end-to-end
// request flow: admit, walk the tiers top down, call upstreams only on
// misses, write back, settle cost.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/qcache"
	"github.com/answerstack/raggate/pkg/ratelimit"
	"github.com/answerstack/raggate/pkg/retry"
)

// Config tunes the orchestrator
type Config struct {
	// DefaultTopK and DefaultMaxTokens apply when the request leaves them
	// zero
	DefaultTopK      int `mapstructure:"default_top_k"`
	DefaultMaxTokens int `mapstructure:"default_max_tokens"`
	// MaxTopK and MaxTokensCeiling bound what a client may ask for
	MaxTopK          int `mapstructure:"max_top_k"`
	MaxTokensCeiling int `mapstructure:"max_tokens_ceiling"`
	// MaxContextChars bounds the prompt assembly budget
	MaxContextChars int `mapstructure:"max_context_chars"`
	// MaxQueryChars bounds accepted query text
	MaxQueryChars int `mapstructure:"max_query_chars"`

	// UpstreamTimeout bounds each external service call
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`

	// Generation pricing, USD per 1000 tokens
	PromptCostPer1K     float64 `mapstructure:"prompt_cost_per_1k"`
	CompletionCostPer1K float64 `mapstructure:"completion_cost_per_1k"`
	// CostHintUSD is the estimate passed to admission before actual cost
	// is known
	CostHintUSD float64 `mapstructure:"cost_hint_usd"`
}

// DefaultConfig returns orchestrator defaults
func DefaultConfig() Config {
	return Config{
		DefaultTopK:         5,
		DefaultMaxTokens:    512,
		MaxTopK:             20,
		MaxTokensCeiling:    2048,
		MaxContextChars:     12000,
		MaxQueryChars:       2000,
		UpstreamTimeout:     30 * time.Second,
		PromptCostPer1K:     0.003,
		CompletionCostPer1K: 0.015,
		CostHintUSD:         0.01,
	}
}

// Orchestrator drives a request through admission, the cache tiers, and
// the upstream services. Safe for concurrent use.
type Orchestrator struct {
	limiter *ratelimit.Limiter
	caches  *qcache.Caches

	embedder EmbeddingService
	searcher SearchService
	fetcher  ChunkFetcher
	gensvc   GenerationService

	// readRetry covers the idempotent upstreams (embedding, retrieval,
	// chunk fetch): one internal retry with backoff. Generation is billable
	// and runs without retry.
	readRetry retry.Policy

	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates the orchestrator
func New(
	limiter *ratelimit.Limiter,
	caches *qcache.Caches,
	embedder EmbeddingService,
	searcher SearchService,
	fetcher ChunkFetcher,
	gensvc GenerationService,
	config Config,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Orchestrator, error) {
	if limiter == nil || caches == nil {
		return nil, fmt.Errorf("limiter and caches are required")
	}
	if embedder == nil || searcher == nil || fetcher == nil || gensvc == nil {
		return nil, fmt.Errorf("all upstream services are required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	defaults := DefaultConfig()
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = defaults.DefaultTopK
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = defaults.DefaultMaxTokens
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = defaults.MaxTopK
	}
	if config.MaxTokensCeiling <= 0 {
		config.MaxTokensCeiling = defaults.MaxTokensCeiling
	}
	if config.MaxContextChars <= 0 {
		config.MaxContextChars = defaults.MaxContextChars
	}
	if config.MaxQueryChars <= 0 {
		config.MaxQueryChars = defaults.MaxQueryChars
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = defaults.UpstreamTimeout
	}

	return &Orchestrator{
		limiter:  limiter,
		caches:   caches,
		embedder: embedder,
		searcher: searcher,
		fetcher:  fetcher,
		gensvc:   gensvc,
		readRetry: retry.NewExponentialBackoff(retry.Config{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     time.Second,
			MaxElapsedTime:  10 * time.Second,
			Multiplier:      2.0,
			MaxRetries:      1,
		}),
		config:  config,
		logger:  logger.WithPrefix("pipeline"),
		metrics: metrics,
	}, nil
}

// Handle runs one request end to end. Denials come back as
// *AdmissionDeniedError, bad requests as ErrInvalidInput, and a generation
// failure as *UpstreamError; store degradation never surfaces as an error.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	// Validation runs before admission so a bad request leaves no trace in
	// the rate-limit windows.
	if err := o.validate(&req); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "pipeline.handle")
	defer span.End()

	start := time.Now()
	requestID := uuid.NewString()

	decision, err := o.limiter.Admit(ctx, req.UserID, o.config.CostHintUSD)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	if !decision.Admitted() {
		return nil, &AdmissionDeniedError{Tier: decision.Tier, RetryAfter: decision.RetryAfter}
	}
	// The slot is held from here on; every exit path below releases it
	// exactly once.
	defer decision.Release()

	resp, err := o.run(ctx, req, requestID, decision, start)
	if err != nil {
		return nil, err
	}

	o.limiter.RecordCost(ctx, req.UserID, resp.CostUSD)
	o.metrics.RecordLatency("pipeline.request", time.Since(start))
	o.metrics.RecordHistogram("pipeline.cost_usd", resp.CostUSD, nil)
	return resp, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, requestID string, decision *ratelimit.Decision, start time.Time) (*Response, error) {
	prov := Provenance{L1: TierMiss, L2: TierSkipped, L3: TierSkipped}
	normalized := o.caches.Normalizer.Normalize(req.Query)

	// LOOKUP_L1: exact match on (user, normalized query, params)
	l1Key := o.caches.L1Key(req.UserID, normalized, req.Params.Fingerprint())
	var cached answerEntry
	if o.caches.L1.Get(ctx, l1Key, &cached) {
		prov.L1 = TierHit
		return &Response{
			RequestID:       requestID,
			Answer:          cached.Answer,
			Sources:         cached.Sources,
			CacheProvenance: prov,
			CostUSD:         0,
			LatencyMs:       time.Since(start).Milliseconds(),
			RateLimitStatus: decision.Outcome.String(),
		}, nil
	}

	// LOOKUP_L2: embedding keyed on query text alone, shared across users
	embedding, l2Status, err := o.resolveEmbedding(ctx, normalized)
	if err != nil {
		return nil, err
	}
	prov.L2 = l2Status

	// LOOKUP_L3: ranked selection for (user, embedding)
	matches, l3Status, err := o.resolveSelection(ctx, req, embedding)
	if err != nil {
		return nil, err
	}
	prov.L3 = l3Status

	// Chunk bodies are always fetched fresh, L3 hit or not.
	chunks, err := o.fetchChunks(ctx, req.UserID, matches)
	if err != nil {
		return nil, err
	}

	// GENERATE: billable, never auto-retried, and nothing is written to L1
	// unless it succeeds.
	gen, err := o.generate(ctx, req, chunks)
	if err != nil {
		return nil, err
	}

	cost := o.costUSD(gen)
	sources := make([]Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, Source{ChunkID: m.ChunkID, Score: m.Score})
	}

	// STORE_L1
	o.caches.L1.Put(ctx, l1Key, answerEntry{
		Answer:   gen.Text,
		Sources:  sources,
		CachedAt: time.Now().UTC(),
	}, 0)

	return &Response{
		RequestID:       requestID,
		Answer:          gen.Text,
		Sources:         sources,
		CacheProvenance: prov,
		CostUSD:         cost,
		LatencyMs:       time.Since(start).Milliseconds(),
		RateLimitStatus: decision.Outcome.String(),
	}, nil
}

func (o *Orchestrator) resolveEmbedding(ctx context.Context, normalized string) ([]float32, TierStatus, error) {
	l2Key := o.caches.L2Key(normalized)
	var embedding []float32
	if o.caches.L2.Get(ctx, l2Key, &embedding) && len(embedding) > 0 {
		return embedding, TierHit, nil
	}

	err := o.readRetry.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.config.UpstreamTimeout)
		defer cancel()
		v, embedErr := o.embedder.Embed(callCtx, normalized)
		if embedErr != nil {
			return embedErr
		}
		embedding = v
		return nil
	})
	if err != nil {
		return nil, TierMiss, &UpstreamError{Service: ServiceEmbedding, Err: err}
	}

	o.caches.L2.Put(ctx, l2Key, embedding, 0)
	return embedding, TierMiss, nil
}

func (o *Orchestrator) resolveSelection(ctx context.Context, req Request, embedding []float32) ([]ChunkMatch, TierStatus, error) {
	l3Key := o.caches.L3Key(req.UserID, embedding)
	var entry contextEntry
	if o.caches.L3.Get(ctx, l3Key, &entry) && len(entry.Matches) > 0 {
		return entry.Matches, TierHit, nil
	}

	var matches []ChunkMatch
	err := o.readRetry.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.config.UpstreamTimeout)
		defer cancel()
		v, searchErr := o.searcher.Search(callCtx, req.UserID, embedding, req.Params.TopK)
		if searchErr != nil {
			return searchErr
		}
		matches = v
		return nil
	})
	if err != nil {
		return nil, TierMiss, &UpstreamError{Service: ServiceRetrieval, Err: err}
	}

	o.caches.L3.Put(ctx, l3Key, contextEntry{Matches: matches, CachedAt: time.Now().UTC()}, 0)
	return matches, TierMiss, nil
}

func (o *Orchestrator) fetchChunks(ctx context.Context, userID string, matches []ChunkMatch) ([]Chunk, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ChunkID)
	}

	var chunks []Chunk
	err := o.readRetry.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.config.UpstreamTimeout)
		defer cancel()
		v, fetchErr := o.fetcher.Fetch(callCtx, userID, ids)
		if fetchErr != nil {
			return fetchErr
		}
		chunks = v
		return nil
	})
	if err != nil {
		return nil, &UpstreamError{Service: ServiceChunkFetch, Err: err}
	}
	return chunks, nil
}

func (o *Orchestrator) generate(ctx context.Context, req Request, chunks []Chunk) (*Generation, error) {
	prompt := o.buildPrompt(req.Query, chunks)

	callCtx, cancel := context.WithTimeout(ctx, o.config.UpstreamTimeout)
	defer cancel()

	gen, err := o.gensvc.Generate(callCtx, prompt, req.Params.MaxTokens)
	if err != nil {
		o.metrics.IncrementCounterWithLabels("pipeline.upstream_failures", 1, map[string]string{
			"service": ServiceGeneration,
		})
		return nil, &UpstreamError{Service: ServiceGeneration, Err: err}
	}
	return gen, nil
}

// buildPrompt assembles the context block under the configured character
// budget, highest-ranked chunks first.
func (o *Orchestrator) buildPrompt(query string, chunks []Chunk) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the context below.\n\n")

	budget := o.config.MaxContextChars
	for _, chunk := range chunks {
		if budget <= 0 {
			break
		}
		content := chunk.Content
		if len(content) > budget {
			content = content[:budget]
		}
		b.WriteString("---\n")
		b.WriteString(content)
		b.WriteString("\n")
		budget -= len(content)
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func (o *Orchestrator) costUSD(gen *Generation) float64 {
	prompt := float64(gen.PromptTokens) / 1000 * o.config.PromptCostPer1K
	completion := float64(gen.CompletionTokens) / 1000 * o.config.CompletionCostPer1K
	return prompt + completion
}

func (o *Orchestrator) validate(req *Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if len(req.Query) > o.config.MaxQueryChars {
		return fmt.Errorf("%w: query exceeds %d characters", ErrInvalidInput, o.config.MaxQueryChars)
	}
	if req.Params.TopK < 0 || req.Params.TopK > o.config.MaxTopK {
		return fmt.Errorf("%w: top_k out of range", ErrInvalidInput)
	}
	if req.Params.MaxTokens < 0 || req.Params.MaxTokens > o.config.MaxTokensCeiling {
		return fmt.Errorf("%w: max_tokens out of range", ErrInvalidInput)
	}
	if req.Params.TopK == 0 {
		req.Params.TopK = o.config.DefaultTopK
	}
	if req.Params.MaxTokens == 0 {
		req.Params.MaxTokens = o.config.DefaultMaxTokens
	}
	return nil
}
