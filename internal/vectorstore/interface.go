package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the backing store is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionNotIndexed is returned when a collection exists but has
	// no index or is not loaded for search. Callers surface it as "space
	// has not been indexed yet".
	ErrCollectionNotIndexed = errors.New("collection not indexed")

	// ErrDimensionMismatch is returned when an existing collection was
	// built with a different embedding dimension. Recovering requires
	// recreating the collection.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyBatch indicates an insert with no rows.
	ErrEmptyBatch = errors.New("empty batch")
)

// CollectionState describes what EnsureCollection did.
type CollectionState string

const (
	// StateCreated means the collection did not exist and was created.
	StateCreated CollectionState = "created"

	// StateReset means an existing collection was dropped and recreated.
	StateReset CollectionState = "reset"

	// StateReused means an existing collection was kept as-is.
	StateReused CollectionState = "reused"
)

// InsertBatch holds parallel arrays of chunk rows for a bulk insert.
// All three slices must have the same length.
type InsertBatch struct {
	// Contents are the chunk texts.
	Contents []string

	// Filenames are the source file names, one per chunk.
	Filenames []string

	// Embeddings are the dense vectors, one per chunk.
	Embeddings [][]float32
}

// Len returns the number of rows in the batch.
func (b InsertBatch) Len() int { return len(b.Contents) }

// Validate checks that the batch is non-empty and its arrays line up.
func (b InsertBatch) Validate() error {
	if b.Len() == 0 {
		return ErrEmptyBatch
	}
	if len(b.Filenames) != b.Len() || len(b.Embeddings) != b.Len() {
		return errors.New("batch arrays have mismatched lengths")
	}
	return nil
}

// Hit is a single dense search result.
type Hit struct {
	// Content is the stored chunk text.
	Content string `json:"content"`

	// Filename is the source file the chunk came from.
	Filename string `json:"filename"`

	// Score is the backend's distance or similarity for the hit. Lower is
	// closer for L2 backends; callers that need a uniform ordering should
	// rely on the returned slice order, which is always best-first.
	Score float32 `json:"score"`
}

// Store is the interface for dense vector storage operations.
//
// A Store holds one collection per space. Each collection carries chunk
// rows with fields {id, content, filename, embedding}; the embedding
// dimension is fixed at collection creation.
//
// Implementations:
//   - MilvusStore: external Milvus over gRPC (default)
//   - ChromemStore: embedded chromem-go (development and tests)
type Store interface {
	// EnsureCollection makes sure a collection with the given embedding
	// dimension exists. With recreate set, any existing collection is
	// dropped first. Without recreate, an existing collection is reused;
	// if its dimension differs from dim, ErrDimensionMismatch is returned
	// and the caller must recreate.
	EnsureCollection(ctx context.Context, name string, dim int, recreate bool) (CollectionState, error)

	// Insert bulk-inserts chunk rows. Returns ErrEmptyBatch for an empty
	// batch and ErrCollectionNotFound if the collection does not exist.
	Insert(ctx context.Context, name string, batch InsertBatch) error

	// DeleteByFilename removes every chunk whose filename field equals
	// the given value. Deleting a filename with no chunks is not an error.
	DeleteByFilename(ctx context.Context, name string, filename string) error

	// Search returns up to limit hits nearest to the query vector,
	// best-first. Returns ErrCollectionNotIndexed when the collection has
	// no index or is not loaded.
	Search(ctx context.Context, name string, vector []float32, limit int) ([]Hit, error)

	// CreateIndex builds the ANN index on the embedding field. Called
	// once after the first bulk insert.
	CreateIndex(ctx context.Context, name string) error

	// LoadCollection makes the collection available for search.
	LoadCollection(ctx context.Context, name string) error

	// DropCollection deletes a collection and all its rows. Dropping a
	// missing collection is not an error.
	DropCollection(ctx context.Context, name string) error

	// HasCollection reports whether a collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Close releases the client connection.
	Close() error
}
