package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

// Tracer for chromem operations.
var chromemTracer = otel.Tracer("corpusd.vectorstore.chromem")

// metaFilename is the document metadata key carrying the source file name.
const metaFilename = "filename"

// ChromemConfig holds configuration for the embedded chromem store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only,
	// which is what tests want. Supports ~ expansion.
	Path string

	// Compress enables gzip compression of persisted collections.
	Compress bool
}

// ChromemStore is a Store implementation backed by embedded chromem-go.
//
// It serves development and tests without an external Milvus server.
// chromem keeps everything resident and searches exhaustively, so
// CreateIndex and LoadCollection are no-ops and scores are cosine
// similarities (higher is closer) rather than L2 distances.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *logging.Logger

	// embedFunc is handed to chromem so it never falls back to its
	// default OpenAI embedder. All rows carry precomputed embeddings,
	// so invoking it is a bug.
	embedFunc chromem.EmbeddingFunc

	// dims tracks the embedding dimension per collection for mismatch
	// detection. Rebuilt lazily after a restart by probing.
	mu   sync.Mutex
	dims map[string]int
}

// NewChromemStore creates an embedded store, persistent when config.Path
// is set and purely in-memory otherwise.
func NewChromemStore(config ChromemConfig, logger *logging.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("vectorstore")

	var (
		db  *chromem.DB
		err error
	)
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, perr := expandPath(config.Path)
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, perr)
		}
		config.Path = path
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", path, err)
		}
	}

	store := &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
		dims:   make(map[string]int),
		embedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, errors.New("chromem store requires precomputed embeddings")
		},
	}

	logger.Info(context.Background(), "opened chromem store",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
	)
	return store, nil
}

// expandPath resolves a leading ~ to the user home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// EnsureCollection makes sure a collection with the given dimension exists.
func (s *ChromemStore) EnsureCollection(ctx context.Context, name string, dim int, recreate bool) (CollectionState, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("dim", dim),
		attribute.Bool("recreate", recreate),
	)

	if err := validateCollectionName(name); err != nil {
		return "", recordErr(span, err)
	}
	if dim <= 0 {
		return "", recordErr(span, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dim))
	}

	existing := s.db.GetCollection(name, s.embedFunc)

	if recreate {
		state := StateCreated
		if existing != nil {
			if err := s.db.DeleteCollection(name); err != nil {
				return "", recordErr(span, fmt.Errorf("dropping collection %s: %w", name, err))
			}
			state = StateReset
		}
		if _, err := s.db.CreateCollection(name, nil, s.embedFunc); err != nil {
			return "", recordErr(span, fmt.Errorf("creating collection %s: %w", name, err))
		}
		s.setDim(name, dim)
		span.SetAttributes(attribute.String("state", string(state)))
		return state, nil
	}

	if existing != nil {
		if err := s.checkDim(ctx, name, existing, dim); err != nil {
			return "", recordErr(span, err)
		}
		span.SetAttributes(attribute.String("state", string(StateReused)))
		return StateReused, nil
	}

	if _, err := s.db.CreateCollection(name, nil, s.embedFunc); err != nil {
		return "", recordErr(span, fmt.Errorf("creating collection %s: %w", name, err))
	}
	s.setDim(name, dim)
	span.SetAttributes(attribute.String("state", string(StateCreated)))
	return StateCreated, nil
}

func (s *ChromemStore) setDim(name string, dim int) {
	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
}

func (s *ChromemStore) forgetDim(name string) {
	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
}

// checkDim verifies an existing collection matches the wanted dimension.
// After a restart the tracked dimension is gone, so a populated collection
// is probed with a unit vector of the wanted length; chromem rejects the
// query when stored embeddings have a different length.
func (s *ChromemStore) checkDim(ctx context.Context, name string, coll *chromem.Collection, dim int) error {
	s.mu.Lock()
	known, ok := s.dims[name]
	s.mu.Unlock()

	if ok {
		if known != dim {
			return fmt.Errorf("%w: collection %s has dim %d, want %d", ErrDimensionMismatch, name, known, dim)
		}
		return nil
	}

	if coll.Count() > 0 {
		probe := make([]float32, dim)
		probe[0] = 1
		if _, err := coll.QueryEmbedding(ctx, probe, 1, nil, nil); err != nil {
			if strings.Contains(err.Error(), "same length") {
				return fmt.Errorf("%w: collection %s was built with a different dimension than %d", ErrDimensionMismatch, name, dim)
			}
			return fmt.Errorf("probing collection %s: %w", name, err)
		}
	}

	s.setDim(name, dim)
	return nil
}

// Insert bulk-inserts chunk rows with precomputed embeddings.
func (s *ChromemStore) Insert(ctx context.Context, name string, batch InsertBatch) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Insert")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("rows", batch.Len()),
	)

	if err := batch.Validate(); err != nil {
		return recordErr(span, err)
	}

	coll := s.db.GetCollection(name, s.embedFunc)
	if coll == nil {
		return recordErr(span, fmt.Errorf("%w: %s", ErrCollectionNotFound, name))
	}

	docs := make([]chromem.Document, batch.Len())
	for i := range docs {
		docs[i] = chromem.Document{
			ID:        uuid.NewString(),
			Content:   batch.Contents[i],
			Metadata:  map[string]string{metaFilename: batch.Filenames[i]},
			Embedding: batch.Embeddings[i],
		}
	}

	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		return recordErr(span, fmt.Errorf("inserting into %s: %w", name, err))
	}

	s.setDim(name, len(batch.Embeddings[0]))

	s.logger.Debug(ctx, "inserted rows",
		zap.String("collection", name),
		zap.Int("rows", batch.Len()),
	)
	return nil
}

// DeleteByFilename removes every chunk whose filename metadata matches.
func (s *ChromemStore) DeleteByFilename(ctx context.Context, name string, filename string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteByFilename")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.String("filename", filename),
	)

	coll := s.db.GetCollection(name, s.embedFunc)
	if coll == nil {
		return recordErr(span, fmt.Errorf("%w: %s", ErrCollectionNotFound, name))
	}

	if err := coll.Delete(ctx, map[string]string{metaFilename: filename}, nil); err != nil {
		return recordErr(span, fmt.Errorf("deleting from %s: %w", name, err))
	}

	s.logger.Debug(ctx, "deleted rows by filename",
		zap.String("collection", name),
		zap.String("filename", filename),
	)
	return nil
}

// Search returns up to limit nearest hits by cosine similarity, best-first.
// A missing collection reports ErrCollectionNotIndexed: with the embedded
// provider a collection only exists once a space has been indexed.
func (s *ChromemStore) Search(ctx context.Context, name string, vector []float32, limit int) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
	)

	coll := s.db.GetCollection(name, s.embedFunc)
	if coll == nil {
		return nil, recordErr(span, fmt.Errorf("%w: %s", ErrCollectionNotIndexed, name))
	}

	// chromem requires nResults <= document count.
	count := coll.Count()
	if count == 0 {
		return []Hit{}, nil
	}
	if limit > count {
		limit = count
	}

	results, err := coll.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("searching %s: %w", name, err))
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			Content:  r.Content,
			Filename: r.Metadata[metaFilename],
			Score:    r.Similarity,
		}
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// CreateIndex is a no-op: chromem always searches exhaustively. It still
// fails on a missing collection so pipelines behave the same as against
// Milvus.
func (s *ChromemStore) CreateIndex(ctx context.Context, name string) error {
	if s.db.GetCollection(name, s.embedFunc) == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return nil
}

// LoadCollection is a no-op: chromem collections are always resident.
func (s *ChromemStore) LoadCollection(ctx context.Context, name string) error {
	if s.db.GetCollection(name, s.embedFunc) == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return nil
}

// DropCollection deletes a collection. Missing collections are ignored.
func (s *ChromemStore) DropCollection(ctx context.Context, name string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DropCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	if s.db.GetCollection(name, s.embedFunc) == nil {
		return nil
	}
	if err := s.db.DeleteCollection(name); err != nil {
		return recordErr(span, fmt.Errorf("dropping collection %s: %w", name, err))
	}
	s.forgetDim(name)

	s.logger.Info(ctx, "dropped collection", zap.String("collection", name))
	return nil
}

// HasCollection reports whether the collection exists.
func (s *ChromemStore) HasCollection(ctx context.Context, name string) (bool, error) {
	return s.db.GetCollection(name, s.embedFunc) != nil, nil
}

// ListCollections returns all collection names, sorted.
func (s *ChromemStore) ListCollections(ctx context.Context) ([]string, error) {
	collections := s.db.ListCollections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op: chromem persists on write.
func (s *ChromemStore) Close() error {
	return nil
}

// Ensure ChromemStore implements Store interface.
var _ Store = (*ChromemStore)(nil)
