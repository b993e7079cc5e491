package rerank

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNilContext is returned when a nil context is passed to Rerank.
var ErrNilContext = errors.New("context cannot be nil")

// LexicalReranker scores documents by term overlap with the query.
// The overlap ratio is blended 50/50 with the original retrieval score,
// so semantic similarity still counts while exact keyword matches get a
// boost. It needs no model downloads and no network, which makes it the
// default reranker.
type LexicalReranker struct{}

// NewLexicalReranker creates a new LexicalReranker.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

// Rerank scores each document by the fraction of query terms it
// contains, blends that with the original score, and returns the top K
// by blended score. Ties keep the original candidate order.
func (r *LexicalReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if topK <= 0 {
		topK = len(docs)
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		// Nothing to match against, keep the original ranking.
		return rankByOriginalScore(docs, topK), nil
	}

	const (
		originalWeight = 0.5
		overlapWeight  = 0.5
	)

	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		overlap := termOverlap(queryTokens, tokenize(doc.Content))
		scored[i] = ScoredDocument{
			Document:     doc,
			RerankScore:  originalWeight*doc.Score + overlapWeight*overlap,
			OriginalRank: i,
		}
	}

	// Stable sort keeps input order for equal scores, so reruns over
	// the same candidates produce the same ranking.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankScore > scored[j].RerankScore
	})

	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored, nil
}

// Close is a no-op. LexicalReranker holds no resources.
func (r *LexicalReranker) Close() error {
	return nil
}

// rankByOriginalScore orders documents by their original score when no
// query terms are available to rerank with.
func rankByOriginalScore(docs []Document, topK int) []ScoredDocument {
	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		scored[i] = ScoredDocument{
			Document:     doc,
			RerankScore:  doc.Score,
			OriginalRank: i,
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankScore > scored[j].RerankScore
	})
	if topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}

// tokenize lowercases text, splits on non-alphanumeric runes, and drops
// stopwords and tokens of two characters or fewer.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !isAlphanumeric(r)
	})

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if !isStopword(token) && len(token) > 2 {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

// isAlphanumeric reports whether the rune is alphanumeric or underscore.
func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_'
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "i": true, "you": true, "he": true,
	"she": true, "it": true, "we": true, "they": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
}

// isStopword reports whether the token is a common English stopword.
func isStopword(token string) bool {
	return stopwords[token]
}

// termOverlap returns the fraction of unique query tokens present in the
// document tokens, in [0, 1].
func termOverlap(queryTokens, docTokens []string) float32 {
	if len(queryTokens) == 0 {
		return 0.0
	}

	docSet := make(map[string]bool, len(docTokens))
	for _, token := range docTokens {
		docSet[token] = true
	}

	// Duplicate query tokens count once.
	matched := make(map[string]bool, len(queryTokens))
	for _, token := range queryTokens {
		if docSet[token] {
			matched[token] = true
		}
	}

	unique := make(map[string]bool, len(queryTokens))
	for _, token := range queryTokens {
		unique[token] = true
	}

	return float32(len(matched)) / float32(len(unique))
}

var _ Reranker = (*LexicalReranker)(nil)
