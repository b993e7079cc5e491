// Package embeddings provides dense embedding generation via Ollama.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates vector embeddings from text.
//
// Embeddings are dense numerical representations that capture semantic
// meaning, enabling similarity search. The embedding model is fixed per
// Embedder instance; spaces that configure different models get
// different instances.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	// Returns a slice of embeddings (one per input text) or an error.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Factory resolves an Embedder bound to one model. Spaces configure
// their own embedding models, so retrieval and indexing resolve an
// embedder per space instead of sharing a single instance. Model
// handles are cheap; no per-model cache is kept.
type Factory func(model string) (Embedder, error)

// ProbeDimension embeds a short probe text and reports the model's
// vector dimension. Used before collection creation when a space has no
// recorded dimension.
func ProbeDimension(ctx context.Context, e Embedder) (int, error) {
	vec, err := e.EmbedQuery(ctx, "test")
	if err != nil {
		return 0, fmt.Errorf("probing embedding dimension: %w", err)
	}
	if len(vec) == 0 {
		return 0, fmt.Errorf("%w: probe returned an empty vector", ErrEmbeddingFailed)
	}
	return len(vec), nil
}
