package pipeline

import "context"

// External collaborators. The pipeline owns none of them; it only requires
// that every call honor the context deadline it is given.

// EmbeddingService turns query text into a fixed-length vector
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkMatch is one ranked retrieval result: a chunk reference and its
// similarity score. Chunk bodies are never part of a match.
type ChunkMatch struct {
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
}

// SearchService finds the user's most similar chunks for a query vector
type SearchService interface {
	Search(ctx context.Context, userID string, vector []float32, topK int) ([]ChunkMatch, error)
}

// Chunk is a retrieved document fragment
type Chunk struct {
	ID      string
	Content string
}

// ChunkFetcher loads chunk bodies by reference. Bodies are fetched fresh on
// every request, L3 hit or not, because content changes independently of
// which chunks are relevant.
type ChunkFetcher interface {
	Fetch(ctx context.Context, userID string, chunkIDs []string) ([]Chunk, error)
}

// Generation is the billable model output with its token accounting
type Generation struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// GenerationService produces the answer. Billable: the pipeline never
// retries it implicitly.
type GenerationService interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (*Generation, error)
}
