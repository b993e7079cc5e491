// Package rerank re-orders retrieval candidates by query relevance.
package rerank

import (
	"context"
)

// Document is a retrieval candidate handed to a reranker.
type Document struct {
	ID      string  // Unique identifier for the document
	Content string  // Text content to be re-ranked
	Score   float32 // Original score from the fused retrieval stage
}

// ScoredDocument is a document the reranker has re-scored.
type ScoredDocument struct {
	Document
	RerankScore  float32 // Final relevance score assigned by the reranker
	OriginalRank int     // Position in the input slice (0-indexed)
}

// Reranker re-orders documents by relevance to a query.
//
// Implementations range from the in-process LexicalReranker to
// cross-encoder services behind the same interface. Callers treat a
// reranker as advisory: when it fails, they fall back to the original
// candidate order rather than failing the query.
type Reranker interface {
	// Rerank scores docs against query and returns them sorted by
	// RerankScore in descending order, limited to topK results.
	// A topK <= 0 means no limit.
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)

	// Close releases any resources held by the reranker.
	Close() error
}
