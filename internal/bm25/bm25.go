// Package bm25 provides the sparse keyword index for a space.
//
// The index holds the chunk corpus of one space and scores queries with
// Okapi BM25. It is rebuilt whole on indexing and persisted to the
// space bucket so retrieval can reload it without re-reading documents.
package bm25

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/crawlab-team/bm25"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("corpusd.bm25")

// ObjectKey is where the serialized index lives inside a space bucket.
// The name is kept for compatibility with existing space buckets.
const ObjectKey = "index/bm25.pkl"

// Okapi BM25 parameters.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// ErrEmptyCorpus is returned when building or saving an index without
// documents.
var ErrEmptyCorpus = errors.New("empty corpus")

// wordPattern extracts case-folded word tokens: letters, digits,
// underscore, Unicode-aware.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// tokenize lowercases text and splits it into word tokens.
func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// Hit is a single sparse search result.
type Hit struct {
	// Content is the chunk text.
	Content string `json:"content"`

	// Filename is the source file the chunk came from.
	Filename string `json:"filename"`

	// Score is the BM25 score, strictly positive.
	Score float64 `json:"score"`

	// Source labels the hit for fusion bookkeeping, always "bm25".
	Source string `json:"source"`
}

// artifact is the gob-serialized form of an index.
type artifact struct {
	Contents  []string
	Filenames []string
	K1        float64
	B         float64
}

// Index is an in-memory BM25 index over the chunks of one space.
//
// Build replaces the whole corpus; Search scores a query against it.
// An Index is safe for concurrent use; a zero-value Index is empty and
// searchable (it returns no hits).
type Index struct {
	mu        sync.RWMutex
	contents  []string
	filenames []string
	okapi     bm25.BM25
	k1        float64
	b         float64
}

// New returns an empty index with default Okapi parameters.
func New() *Index {
	return &Index{k1: DefaultK1, b: DefaultB}
}

// Len returns the number of indexed chunks.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.contents)
}

// Rows returns copies of the indexed chunk rows as parallel arrays.
// Indexing reads them back to carry unchanged files into a rebuild.
func (i *Index) Rows() (contents, filenames []string) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]string(nil), i.contents...), append([]string(nil), i.filenames...)
}

// Build replaces the index contents with the given parallel arrays.
func (i *Index) Build(contents, filenames []string) error {
	if len(contents) == 0 {
		return ErrEmptyCorpus
	}
	if len(contents) != len(filenames) {
		return fmt.Errorf("contents and filenames have mismatched lengths: %d != %d", len(contents), len(filenames))
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.k1 == 0 {
		i.k1 = DefaultK1
	}
	if i.b == 0 {
		i.b = DefaultB
	}

	okapi, err := bm25.NewBM25Okapi(contents, tokenize, i.k1, i.b, nil)
	if err != nil {
		return fmt.Errorf("building bm25 index: %w", err)
	}

	i.contents = append([]string(nil), contents...)
	i.filenames = append([]string(nil), filenames...)
	i.okapi = okapi
	return nil
}

// Search scores the query against the corpus and returns up to k hits
// with strictly positive scores, ordered by score descending. Equal
// scores keep corpus insertion order. Searching an empty index returns
// no hits.
func (i *Index) Search(query string, k int) ([]Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.okapi == nil || k <= 0 {
		return nil, nil
	}

	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	scores, err := i.okapi.GetScores(tokens)
	if err != nil {
		return nil, fmt.Errorf("scoring query: %w", err)
	}

	var hits []Hit
	for idx, score := range scores {
		if score > 0 {
			hits = append(hits, Hit{
				Content:  i.contents[idx],
				Filename: i.filenames[idx],
				Score:    score,
				Source:   "bm25",
			})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Save serializes the corpus and parameters to the space bucket.
func (i *Index) Save(ctx context.Context, store objectstore.Store, space string) error {
	ctx, span := tracer.Start(ctx, "Index.Save")
	defer span.End()

	span.SetAttributes(
		attribute.String("space", space),
		attribute.Int("chunks", i.Len()),
	)

	i.mu.RLock()
	art := artifact{
		Contents:  i.contents,
		Filenames: i.filenames,
		K1:        i.k1,
		B:         i.b,
	}
	i.mu.RUnlock()

	if len(art.Contents) == 0 {
		return recordErr(span, ErrEmptyCorpus)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(art); err != nil {
		return recordErr(span, fmt.Errorf("encoding bm25 index: %w", err))
	}

	if err := store.PutBytes(ctx, space, ObjectKey, buf.Bytes(), "application/octet-stream"); err != nil {
		return recordErr(span, fmt.Errorf("storing bm25 index: %w", err))
	}
	return nil
}

// Load restores the index from the space bucket and rebuilds the Okapi
// state. A missing artifact reports (false, nil) so callers can treat
// it as "space has no sparse index yet".
func (i *Index) Load(ctx context.Context, store objectstore.Store, space string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Index.Load")
	defer span.End()

	span.SetAttributes(attribute.String("space", space))

	data, err := store.GetBytes(ctx, space, ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return false, nil
		}
		return false, recordErr(span, fmt.Errorf("reading bm25 index: %w", err))
	}

	var art artifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&art); err != nil {
		return false, recordErr(span, fmt.Errorf("decoding bm25 index: %w", err))
	}

	i.mu.Lock()
	i.k1 = art.K1
	i.b = art.B
	i.mu.Unlock()

	if err := i.Build(art.Contents, art.Filenames); err != nil {
		return false, recordErr(span, fmt.Errorf("rebuilding bm25 index: %w", err))
	}

	span.SetAttributes(attribute.Int("chunks", len(art.Contents)))
	return true, nil
}

// recordErr marks the span failed and passes the error through.
func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
