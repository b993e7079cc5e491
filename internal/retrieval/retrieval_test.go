package retrieval_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/bm25"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/rerank"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/space"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// stubEmbedder returns canned vectors keyed by exact text.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	vec, ok := s.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no stub vector for %q", text)
	}
	return vec, nil
}

// failingReranker exercises the fused-order fallback.
type failingReranker struct{}

func (failingReranker) Rerank(context.Context, string, []rerank.Document, int) ([]rerank.ScoredDocument, error) {
	return nil, errors.New("reranker offline")
}

func (failingReranker) Close() error { return nil }

type fixture struct {
	pipeline *retrieval.Pipeline
	vectors  vectorstore.Store
	objects  objectstore.Store
	space    space.Space
}

func newFixture(t *testing.T, embedder embeddings.Embedder, reranker rerank.Reranker) *fixture {
	t.Helper()

	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	objects := objectstore.NewMemoryStore()

	factory := func(string) (embeddings.Embedder, error) { return embedder, nil }
	pipeline, err := retrieval.NewPipeline(vectors, objects, factory, reranker, nil)
	require.NoError(t, err)

	sp, err := space.New("Docs", space.Config{EmbeddingDim: 3})
	require.NoError(t, err)
	require.NoError(t, objects.EnsureBucket(context.Background(), sp.Name))

	return &fixture{pipeline: pipeline, vectors: vectors, objects: objects, space: *sp}
}

func (f *fixture) seedCollection(t *testing.T, contents, filenames []string, vecs [][]float32) {
	t.Helper()
	ctx := context.Background()
	_, err := f.vectors.EnsureCollection(ctx, f.space.CollectionKey, 3, true)
	require.NoError(t, err)
	require.NoError(t, f.vectors.Insert(ctx, f.space.CollectionKey, vectorstore.InsertBatch{
		Contents:   contents,
		Filenames:  filenames,
		Embeddings: vecs,
	}))
}

func (f *fixture) seedSparse(t *testing.T, contents, filenames []string) {
	t.Helper()
	idx := bm25.New()
	require.NoError(t, idx.Build(contents, filenames))
	require.NoError(t, idx.Save(context.Background(), f.objects, f.space.Name))
}

func TestPipeline_Retrieve_DenseOnly(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"alpha question": {1, 0, 0},
	}}
	f := newFixture(t, embedder, nil)
	f.seedCollection(t,
		[]string{"alpha content", "bravo content", "charlie content"},
		[]string{"a.md", "b.md", "c.md"},
		[][]float32{{1, 0, 0}, {0.6, 0.8, 0}, {0, 1, 0}},
	)

	result, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "alpha question",
		TopK:  2,
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 2)

	assert.Equal(t, "a.md", result.Chunks[0].Filename)
	assert.Equal(t, "b.md", result.Chunks[1].Filename)
	assert.Greater(t, result.Chunks[0].Score, result.Chunks[1].Score)
	for _, c := range result.Chunks {
		assert.Equal(t, retrieval.SourceVector, c.Source)
		assert.Zero(t, c.RerankScore)
	}
	assert.Equal(t, "\n--- File: a.md ---\nalpha content\n\n--- File: b.md ---\nbravo content\n", result.Context)
}

func TestPipeline_Retrieve_HybridFusion(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"zebra habitat": {1, 0, 0},
	}}
	f := newFixture(t, embedder, nil)
	f.seedCollection(t,
		[]string{"alpaca wool guide", "zebra zebra graze the savanna"},
		[]string{"a.md", "b.md"},
		[][]float32{{1, 0, 0}, {0.6, 0.8, 0}},
	)
	// The sparse corpus shares b.md with the collection and carries a
	// sparse-only document.
	f.seedSparse(t,
		[]string{"zebra zebra graze the savanna", "zebra crossing sign"},
		[]string{"b.md", "d.md"},
	)

	result, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "zebra habitat",
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 3)

	// b.md was found by both stages and outranks the single-source hits.
	assert.Equal(t, "b.md", result.Chunks[0].Filename)
	assert.Equal(t, retrieval.SourceVector, result.Chunks[0].Source)
	assert.Equal(t, "a.md", result.Chunks[1].Filename)
	assert.Equal(t, "d.md", result.Chunks[2].Filename)
	assert.Equal(t, retrieval.SourceBM25, result.Chunks[2].Source)
}

func TestPipeline_Retrieve_RerankApplied(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"retrieval fusion pipeline": {1, 0, 0},
	}}
	f := newFixture(t, embedder, rerank.NewLexicalReranker())
	f.seedCollection(t,
		[]string{"alpha beta notes", "the retrieval pipeline applies fusion"},
		[]string{"a.md", "b.md"},
		[][]float32{{1, 0, 0}, {0.6, 0.8, 0}},
	)

	result, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "retrieval fusion pipeline",
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 2)

	// Lexical overlap promotes b.md over the dense favorite.
	assert.Equal(t, "b.md", result.Chunks[0].Filename)
	assert.Equal(t, "a.md", result.Chunks[1].Filename)
	assert.NotZero(t, result.Chunks[0].RerankScore)
	assert.Greater(t, result.Chunks[0].RerankScore, result.Chunks[1].RerankScore)
	assert.True(t, strings.HasPrefix(result.Context, "\n--- File: b.md ---"))
}

func TestPipeline_Retrieve_RerankFallback(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"alpha question": {1, 0, 0},
	}}
	f := newFixture(t, embedder, failingReranker{})
	f.seedCollection(t,
		[]string{"alpha content", "bravo content"},
		[]string{"a.md", "b.md"},
		[][]float32{{1, 0, 0}, {0.6, 0.8, 0}},
	)

	result, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "alpha question",
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 2)

	// Fused order survives; no rerank scores are attached.
	assert.Equal(t, "a.md", result.Chunks[0].Filename)
	assert.Zero(t, result.Chunks[0].RerankScore)
	assert.Zero(t, result.Chunks[1].RerankScore)
}

func TestPipeline_Retrieve_DisableRerank(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"retrieval fusion pipeline": {1, 0, 0},
	}}
	f := newFixture(t, embedder, rerank.NewLexicalReranker())
	f.seedCollection(t,
		[]string{"alpha beta notes", "the retrieval pipeline applies fusion"},
		[]string{"a.md", "b.md"},
		[][]float32{{1, 0, 0}, {0.6, 0.8, 0}},
	)

	result, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space:         f.space,
		Query:         "retrieval fusion pipeline",
		DisableRerank: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 2)

	// Without reranking the dense favorite stays on top.
	assert.Equal(t, "a.md", result.Chunks[0].Filename)
	assert.Zero(t, result.Chunks[0].RerankScore)
}

func TestPipeline_Retrieve_NotIndexed(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"anything": {1, 0, 0},
	}}
	f := newFixture(t, embedder, nil)

	_, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "anything",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, retrieval.ErrNotIndexed)
	assert.ErrorIs(t, err, fault.NotFound)
	assert.Contains(t, err.Error(), "has not been indexed")
}

func TestPipeline_Retrieve_EmptyQuery(t *testing.T) {
	f := newFixture(t, &stubEmbedder{}, nil)

	_, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "   ",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.Invalid)
}

func TestPipeline_Retrieve_DefaultTopK(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"ranked question": {1, 0, 0},
	}}
	f := newFixture(t, embedder, nil)

	contents := make([]string, 7)
	filenames := make([]string, 7)
	vecs := make([][]float32, 7)
	for i := range contents {
		contents[i] = fmt.Sprintf("chunk body %d", i)
		filenames[i] = fmt.Sprintf("f%d.md", i)
		x := 1 - 0.1*float64(i)
		vecs[i] = []float32{float32(x), float32(math.Sqrt(1 - x*x)), 0}
	}
	f.seedCollection(t, contents, filenames, vecs)

	result, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "ranked question",
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, retrieval.DefaultTopK)
	assert.Equal(t, "f0.md", result.Chunks[0].Filename)
}

func TestPipeline_Retrieve_EmptyCollection(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"anything": {1, 0, 0},
	}}
	f := newFixture(t, embedder, nil)
	_, err := f.vectors.EnsureCollection(context.Background(), f.space.CollectionKey, 3, true)
	require.NoError(t, err)

	result, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "anything",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Chunks)
	assert.Empty(t, result.Context)
}

func TestPipeline_Retrieve_CorruptSparseArtifact(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"alpha question": {1, 0, 0},
	}}
	f := newFixture(t, embedder, nil)
	f.seedCollection(t,
		[]string{"alpha content"},
		[]string{"a.md"},
		[][]float32{{1, 0, 0}},
	)
	ctx := context.Background()
	require.NoError(t, f.objects.PutBytes(ctx, f.space.Name, bm25.ObjectKey, []byte("not a gob payload"), "application/octet-stream"))

	// A broken sparse artifact degrades to dense-only retrieval.
	result, err := f.pipeline.Retrieve(ctx, retrieval.Request{
		Space: f.space,
		Query: "alpha question",
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, retrieval.SourceVector, result.Chunks[0].Source)
}

func TestPipeline_Retrieve_EmbedderError(t *testing.T) {
	f := newFixture(t, &stubEmbedder{err: errors.New("model offline")}, nil)

	_, err := f.pipeline.Retrieve(context.Background(), retrieval.Request{
		Space: f.space,
		Query: "anything",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.Upstream)
	assert.Contains(t, err.Error(), "embedding query")
}

func TestNewPipeline_Validation(t *testing.T) {
	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	objects := objectstore.NewMemoryStore()
	factory := func(string) (embeddings.Embedder, error) { return &stubEmbedder{}, nil }

	_, err = retrieval.NewPipeline(nil, objects, factory, nil, nil)
	assert.ErrorIs(t, err, fault.Invalid)

	_, err = retrieval.NewPipeline(vectors, nil, factory, nil, nil)
	assert.ErrorIs(t, err, fault.Invalid)

	_, err = retrieval.NewPipeline(vectors, objects, nil, nil, nil)
	assert.ErrorIs(t, err, fault.Invalid)

	// A nil reranker and logger are fine.
	_, err = retrieval.NewPipeline(vectors, objects, factory, nil, nil)
	assert.NoError(t, err)
}
