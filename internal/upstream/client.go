// Package upstream provides HTTP clients for the external services the
// pipeline depends on: embedding, vector search, chunk fetch, and
// generation. Each client is a thin JSON-over-HTTP adapter; retry and
// timeout policy live with the caller.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/answerstack/raggate/pkg/pipeline"
)

// Config names the base URLs of the external services
type Config struct {
	EmbeddingURL  string        `mapstructure:"embedding_url"`
	SearchURL     string        `mapstructure:"search_url"`
	ChunkURL      string        `mapstructure:"chunk_url"`
	GenerationURL string        `mapstructure:"generation_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns client defaults
func DefaultConfig() Config {
	return Config{
		EmbeddingURL:  "http://localhost:9101",
		SearchURL:     "http://localhost:9102",
		ChunkURL:      "http://localhost:9103",
		GenerationURL: "http://localhost:9104",
		Timeout:       30 * time.Second,
	}
}

// Clients bundles one adapter per external service
type Clients struct {
	Embedder pipeline.EmbeddingService
	Searcher pipeline.SearchService
	Fetcher  pipeline.ChunkFetcher
	Gensvc   pipeline.GenerationService
}

// NewClients builds the adapters over a shared HTTP client
func NewClients(cfg Config) *Clients {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Clients{
		Embedder: &embeddingClient{base: cfg.EmbeddingURL, http: hc},
		Searcher: &searchClient{base: cfg.SearchURL, http: hc},
		Fetcher:  &chunkClient{base: cfg.ChunkURL, http: hc},
		Gensvc:   &generationClient{base: cfg.GenerationURL, http: hc},
	}
}

func postJSON(ctx context.Context, hc *http.Client, url string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type embeddingClient struct {
	base string
	http *http.Client
}

func (c *embeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out struct {
		Vector []float32 `json:"vector"`
	}
	in := map[string]string{"text": text}
	if err := postJSON(ctx, c.http, c.base+"/v1/embed", in, &out); err != nil {
		return nil, err
	}
	if len(out.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return out.Vector, nil
}

type searchClient struct {
	base string
	http *http.Client
}

func (c *searchClient) Search(ctx context.Context, userID string, vector []float32, topK int) ([]pipeline.ChunkMatch, error) {
	var out struct {
		Matches []pipeline.ChunkMatch `json:"matches"`
	}
	in := map[string]interface{}{
		"user_id": userID,
		"vector":  vector,
		"top_k":   topK,
	}
	if err := postJSON(ctx, c.http, c.base+"/v1/search", in, &out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

type chunkClient struct {
	base string
	http *http.Client
}

func (c *chunkClient) Fetch(ctx context.Context, userID string, chunkIDs []string) ([]pipeline.Chunk, error) {
	var out struct {
		Chunks []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"chunks"`
	}
	in := map[string]interface{}{
		"user_id":   userID,
		"chunk_ids": chunkIDs,
	}
	if err := postJSON(ctx, c.http, c.base+"/v1/chunks", in, &out); err != nil {
		return nil, err
	}
	chunks := make([]pipeline.Chunk, 0, len(out.Chunks))
	for _, ch := range out.Chunks {
		chunks = append(chunks, pipeline.Chunk{ID: ch.ID, Content: ch.Content})
	}
	return chunks, nil
}

type generationClient struct {
	base string
	http *http.Client
}

func (c *generationClient) Generate(ctx context.Context, prompt string, maxTokens int) (*pipeline.Generation, error) {
	var out struct {
		Text             string `json:"text"`
		PromptTokens     int    `json:"prompt_tokens"`
		CompletionTokens int    `json:"completion_tokens"`
	}
	in := map[string]interface{}{
		"prompt":     prompt,
		"max_tokens": maxTokens,
	}
	if err := postJSON(ctx, c.http, c.base+"/v1/generate", in, &out); err != nil {
		return nil, err
	}
	return &pipeline.Generation{
		Text:             out.Text,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
	}, nil
}
