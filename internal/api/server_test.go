package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/answerstack/raggate/internal/config"
	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/pipeline"
	"github.com/answerstack/raggate/pkg/qcache"
	"github.com/answerstack/raggate/pkg/qcache/invalidation"
	"github.com/answerstack/raggate/pkg/ratelimit"
	"github.com/answerstack/raggate/pkg/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type stubSearcher struct{}

func (stubSearcher) Search(ctx context.Context, userID string, vector []float32, topK int) ([]pipeline.ChunkMatch, error) {
	return []pipeline.ChunkMatch{{ChunkID: "c1", Score: 0.9}}, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, userID string, chunkIDs []string) ([]pipeline.Chunk, error) {
	return []pipeline.Chunk{{ID: "c1", Content: "chunk body"}}, nil
}

type stubGenerator struct{ fail bool }

func (s stubGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (*pipeline.Generation, error) {
	if s.fail {
		return nil, errors.New("model down")
	}
	return &pipeline.Generation{Text: "answer", PromptTokens: 10, CompletionTokens: 5}, nil
}

func setupServer(t *testing.T, rlCfg ratelimit.Config, gen pipeline.GenerationService) (*Server, *qcache.Caches) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetricsClient()
	resilient := store.NewResilientClient(client, store.DefaultConfig(), logger, metrics)

	limiter, err := ratelimit.NewLimiter(resilient, rlCfg, logger, metrics)
	require.NoError(t, err)

	caches, err := qcache.New(resilient, qcache.Config{}, logger, metrics)
	require.NoError(t, err)

	hook := invalidation.NewHook(caches, invalidation.Config{Mode: invalidation.ModeSync}, logger, metrics)
	t.Cleanup(hook.Close)

	if gen == nil {
		gen = stubGenerator{}
	}
	orchestrator, err := pipeline.New(limiter, caches, stubEmbedder{}, stubSearcher{}, stubFetcher{}, gen, pipeline.Config{}, logger, metrics)
	require.NoError(t, err)

	server, err := NewServer(config.ServerConfig{Addr: ":0"}, orchestrator, hook, resilient, logger, metrics)
	require.NoError(t, err)
	return server, caches
}

func doJSON(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func openLimits() ratelimit.Config {
	return ratelimit.Config{PerUserPerMinute: 100, MaxConcurrent: 10}
}

func TestQuery_OK(t *testing.T) {
	server, _ := setupServer(t, openLimits(), nil)

	rec := doJSON(t, server, http.MethodPost, "/v1/query", `{"user_id":"alice","query":"what is go"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"answer":"answer"`)
	assert.Contains(t, rec.Body.String(), `"rate_limit_status":"allowed"`)
}

func TestQuery_BadRequests(t *testing.T) {
	server, _ := setupServer(t, openLimits(), nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing user_id", `{"query":"q"}`},
		{"missing query", `{"user_id":"alice"}`},
		{"empty query", `{"user_id":"alice","query":""}`},
		{"unknown field", `{"user_id":"alice","query":"q","extra":1}`},
		{"bad params type", `{"user_id":"alice","query":"q","params":{"top_k":"five"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, server, http.MethodPost, "/v1/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestQuery_RateLimited(t *testing.T) {
	cfg := openLimits()
	cfg.PerUserPerMinute = 1
	server, _ := setupServer(t, cfg, nil)

	rec := doJSON(t, server, http.MethodPost, "/v1/query", `{"user_id":"alice","query":"first"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/v1/query", `{"user_id":"alice","query":"second"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"denied":true`)
	assert.Contains(t, rec.Body.String(), `"limiting_tier":"user_minute"`)
	assert.Contains(t, rec.Body.String(), `"retry_after_seconds"`)
}

func TestQuery_UpstreamFailure(t *testing.T) {
	server, _ := setupServer(t, openLimits(), stubGenerator{fail: true})

	rec := doJSON(t, server, http.MethodPost, "/v1/query", `{"user_id":"alice","query":"q"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"generation"`)
}

func TestDocumentChanged(t *testing.T) {
	server, caches := setupServer(t, openLimits(), nil)
	ctx := context.Background()

	// Warm alice's L1 through the pipeline.
	rec := doJSON(t, server, http.MethodPost, "/v1/query", `{"user_id":"alice","query":"warm me"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/v1/documents/changed", `{"user_id":"alice"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	key := caches.L1Key("alice", caches.Normalizer.Normalize("warm me"), pipeline.Params{TopK: 5, MaxTokens: 512}.Fingerprint())
	var out map[string]interface{}
	assert.False(t, caches.L1.Get(ctx, key, &out), "purge must remove the cached answer")
}

func TestDocumentChanged_BadRequest(t *testing.T) {
	server, _ := setupServer(t, openLimits(), nil)

	rec := doJSON(t, server, http.MethodPost, "/v1/documents/changed", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/v1/documents/changed", `{"user_id":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	server, _ := setupServer(t, openLimits(), nil)

	rec := doJSON(t, server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
