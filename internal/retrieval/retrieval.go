// Package retrieval runs hybrid search over an indexed space.
//
// A query fans out to dense vector search and sparse BM25 search, the
// hit lists merge through Reciprocal Rank Fusion, and an optional
// reranker re-scores the fused candidates. The pipeline returns the
// winning chunks plus a context block ready for prompt assembly.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/bm25"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/rerank"
	"github.com/fyrsmithlabs/corpusd/internal/space"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

var tracer = otel.Tracer("corpusd.retrieval")

// ErrNotIndexed is returned when a space has no searchable vector
// collection. Indexing creates the collection.
var ErrNotIndexed = fault.Tag(errors.New("space has not been indexed yet"), fault.NotFound)

// DefaultTopK is the number of chunks returned when the request does
// not say otherwise.
const DefaultTopK = 5

const (
	// denseFloor is the minimum dense candidate pool. The pool is
	// wider than the final top-k so fusion and reranking have material
	// to work with.
	denseFloor = 20

	// sparseLimit caps BM25 hits fed into fusion.
	sparseLimit = 20

	// rerankCap bounds the candidates handed to the reranker.
	rerankCap = 50
)

// Chunk sources.
const (
	// SourceVector marks chunks found by dense search.
	SourceVector = "vector"

	// SourceBM25 marks chunks found by sparse keyword search.
	SourceBM25 = "bm25"
)

// Chunk is one retrieved piece of a document.
type Chunk struct {
	// Filename is the upload the chunk came from.
	Filename string `json:"filename"`

	// Content is the chunk text.
	Content string `json:"content"`

	// Score is the per-source score: distance or similarity for vector
	// hits, BM25 score for sparse hits. Cross-source ordering comes
	// from fusion, not from comparing Scores.
	Score float64 `json:"score"`

	// Source is the stage that found the chunk, SourceVector or
	// SourceBM25.
	Source string `json:"source"`

	// RerankScore is set when a reranker re-scored the chunk.
	RerankScore float64 `json:"rerank_score,omitempty"`
}

// Request describes one retrieval query.
type Request struct {
	// Space is the space to search.
	Space space.Space

	// Query is the user's question.
	Query string

	// TopK is the number of chunks to return. Zero or negative means
	// DefaultTopK.
	TopK int

	// DisableRerank skips the rerank stage and returns fused order.
	DisableRerank bool
}

// Result is the outcome of one retrieval query.
type Result struct {
	// Chunks are the winning chunks, best first.
	Chunks []Chunk

	// Context is the chunks joined into a prompt-ready block.
	Context string
}

// Pipeline runs hybrid retrieval over indexed spaces.
//
// The pipeline keeps no per-space state: the sparse index is reloaded
// from the object store on every query, so a re-index that finished a
// moment ago is picked up without coordination.
type Pipeline struct {
	vectors   vectorstore.Store
	objects   objectstore.Store
	embedders embeddings.Factory
	reranker  rerank.Reranker
	logger    *logging.Logger
}

// NewPipeline wires the retrieval stages together. reranker may be
// nil; rerank-enabled requests then fall back to fused order.
func NewPipeline(vectors vectorstore.Store, objects objectstore.Store, embedders embeddings.Factory, reranker rerank.Reranker, logger *logging.Logger) (*Pipeline, error) {
	if vectors == nil {
		return nil, fmt.Errorf("%w: vector store is required", fault.Invalid)
	}
	if objects == nil {
		return nil, fmt.Errorf("%w: object store is required", fault.Invalid)
	}
	if embedders == nil {
		return nil, fmt.Errorf("%w: embedder factory is required", fault.Invalid)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		vectors:   vectors,
		objects:   objects,
		embedders: embedders,
		reranker:  reranker,
		logger:    logger.Named("retrieval"),
	}, nil
}

// Retrieve answers req with hybrid search over the space.
//
// Dense and sparse hits fuse by reciprocal rank. Sparse search and
// reranking are additive: a missing BM25 artifact degrades to
// dense-only results and a failing reranker falls back to fused
// order, so neither can fail the query. A space whose collection does
// not exist or is not searchable yet returns ErrNotIndexed.
func (p *Pipeline) Retrieve(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Retrieve")
	defer span.End()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, recordErr(span, fmt.Errorf("%w: query must not be empty", fault.Invalid))
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	span.SetAttributes(
		attribute.String("space", req.Space.Name),
		attribute.Int("top_k", topK),
		attribute.Bool("rerank", !req.DisableRerank),
	)

	start := time.Now()
	success := false
	defer func() {
		RecordQuery(success, time.Since(start).Seconds())
	}()

	embedder, err := p.embedders(req.Space.Config.EmbeddingModel)
	if err != nil {
		return nil, recordErr(span, fault.Tag(
			fmt.Errorf("resolving embedder for %q: %w", req.Space.Config.EmbeddingModel, err), fault.Upstream))
	}

	vector, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, recordErr(span, fault.Tag(fmt.Errorf("embedding query: %w", err), fault.Upstream))
	}

	dense, err := p.denseSearch(ctx, req.Space.CollectionKey, vector, denseLimit(topK))
	if err != nil {
		return nil, recordErr(span, err)
	}

	sparse := p.sparseSearch(ctx, req.Space.Name, query)

	fused := fuse(dense, sparse)
	FusedCandidates.Observe(float64(len(fused)))

	chunks, outcome := p.selectChunks(ctx, query, fused, topK, req.DisableRerank)
	RerankOutcomes.WithLabelValues(outcome).Inc()

	span.SetAttributes(
		attribute.Int("dense_hits", len(dense)),
		attribute.Int("sparse_hits", len(sparse)),
		attribute.Int("fused_candidates", len(fused)),
		attribute.Int("chunks", len(chunks)),
	)
	p.logger.Debug(ctx, "retrieval complete",
		zap.String("space", req.Space.Name),
		zap.Int("dense_hits", len(dense)),
		zap.Int("sparse_hits", len(sparse)),
		zap.Int("fused", len(fused)),
		zap.Int("returned", len(chunks)),
		zap.String("rerank", outcome),
	)

	success = true
	return &Result{Chunks: chunks, Context: buildContext(chunks)}, nil
}

// denseLimit widens the dense candidate pool beyond the final top-k.
func denseLimit(topK int) int {
	if l := 4 * topK; l > denseFloor {
		return l
	}
	return denseFloor
}

// denseSearch runs the vector leg and tags hits with their source.
func (p *Pipeline) denseSearch(ctx context.Context, collection string, vector []float32, limit int) ([]Chunk, error) {
	hits, err := p.vectors.Search(ctx, collection, vector, limit)
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound),
		errors.Is(err, vectorstore.ErrCollectionNotIndexed):
		return nil, ErrNotIndexed
	case err != nil:
		return nil, fault.Tag(fmt.Errorf("dense search: %w", err), fault.Upstream)
	}

	chunks := make([]Chunk, len(hits))
	for i, h := range hits {
		chunks[i] = Chunk{
			Filename: h.Filename,
			Content:  h.Content,
			Score:    float64(h.Score),
			Source:   SourceVector,
		}
	}
	return chunks, nil
}

// sparseSearch loads the space's BM25 artifact and scores the query
// against it. A missing or unreadable artifact is not an error; the
// query proceeds dense-only.
func (p *Pipeline) sparseSearch(ctx context.Context, spaceName, query string) []Chunk {
	idx := bm25.New()
	loaded, err := idx.Load(ctx, p.objects, spaceName)
	if err != nil {
		SparseLookups.WithLabelValues("error").Inc()
		p.logger.Warn(ctx, "sparse index unavailable",
			zap.String("space", spaceName), zap.Error(err))
		return nil
	}
	if !loaded {
		SparseLookups.WithLabelValues("absent").Inc()
		return nil
	}

	hits, err := idx.Search(query, sparseLimit)
	if err != nil {
		SparseLookups.WithLabelValues("error").Inc()
		p.logger.Warn(ctx, "sparse search failed",
			zap.String("space", spaceName), zap.Error(err))
		return nil
	}
	SparseLookups.WithLabelValues("hit").Inc()

	chunks := make([]Chunk, len(hits))
	for i, h := range hits {
		chunks[i] = Chunk{
			Filename: h.Filename,
			Content:  h.Content,
			Score:    h.Score,
			Source:   SourceBM25,
		}
	}
	return chunks
}

// selectChunks applies the optional rerank stage and reports how the
// stage resolved.
func (p *Pipeline) selectChunks(ctx context.Context, query string, fused []fusedChunk, topK int, disable bool) ([]Chunk, string) {
	switch {
	case disable:
		return topChunks(fused, topK), "disabled"
	case p.reranker == nil:
		return topChunks(fused, topK), "unavailable"
	}

	chunks, err := p.rerankFused(ctx, query, fused, topK)
	if err != nil {
		p.logger.Warn(ctx, "rerank failed, keeping fused order", zap.Error(err))
		return topChunks(fused, topK), "fallback"
	}
	return chunks, "applied"
}

// rerankFused re-scores deduplicated fused candidates and maps the
// winners back to their chunks.
func (p *Pipeline) rerankFused(ctx context.Context, query string, fused []fusedChunk, topK int) ([]Chunk, error) {
	candidates := dedupeCandidates(fused, rerankCap)

	docs := make([]rerank.Document, len(candidates))
	for i, fc := range candidates {
		docs[i] = rerank.Document{
			ID:      strconv.Itoa(i),
			Content: fc.chunk.Content,
			Score:   float32(fc.score),
		}
	}

	scored, err := p.reranker.Rerank(ctx, query, docs, topK)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(scored))
	for _, sd := range scored {
		if sd.OriginalRank < 0 || sd.OriginalRank >= len(candidates) {
			return nil, fmt.Errorf("reranker returned out-of-range candidate %d", sd.OriginalRank)
		}
		chunk := candidates[sd.OriginalRank].chunk
		chunk.RerankScore = float64(sd.RerankScore)
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// recordErr marks the span failed and passes the error through.
func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
