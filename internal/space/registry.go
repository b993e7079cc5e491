package space

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

var tracer = otel.Tracer("corpusd.space")

// Registry is the in-process cache of spaces, rebuilt from the object
// store at startup. config.json in each bucket stays the source of
// truth; every mutator persists before updating the cache.
type Registry struct {
	store   objectstore.Store
	vectors vectorstore.Store
	logger  *logging.Logger

	mu      sync.RWMutex
	spaces  map[string]*Space // display name -> space
	byKey   map[string]string // storage key -> display name
	current string            // display name, "" when nothing selected
}

// NewRegistry builds a registry and loads every existing space from the
// object store. vectors may be nil; Delete then skips the collection
// drop.
func NewRegistry(ctx context.Context, store objectstore.Store, vectors vectorstore.Store, logger *logging.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: object store is required", fault.Invalid)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		store:   store,
		vectors: vectors,
		logger:  logger.Named("space"),
		spaces:  make(map[string]*Space),
		byKey:   make(map[string]string),
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// load replaces the cache with the spaces found in the object store.
// Caller must not hold r.mu.
func (r *Registry) load(ctx context.Context) error {
	buckets, err := r.store.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}
	sort.Strings(buckets)

	spaces := make(map[string]*Space, len(buckets))
	byKey := make(map[string]string, len(buckets))
	for _, bucket := range buckets {
		s, err := r.readSpace(ctx, bucket)
		if err != nil {
			r.logger.Warn(ctx, "skipping unreadable space bucket",
				zap.String("bucket", bucket), zap.Error(err))
			continue
		}
		spaces[s.Name] = s
		byKey[s.StorageKey] = s.Name
	}

	r.mu.Lock()
	r.spaces = spaces
	r.byKey = byKey
	if _, ok := spaces[r.current]; !ok {
		r.current = ""
	}
	r.mu.Unlock()

	r.logger.Info(ctx, "space registry loaded", zap.Int("spaces", len(spaces)))
	return nil
}

// readSpace rebuilds one Space from its bucket. A bucket without a
// config.json is treated as a bare space named after the bucket.
func (r *Registry) readSpace(ctx context.Context, bucket string) (*Space, error) {
	var s Space
	err := r.store.GetJSON(ctx, bucket, ConfigKey, &s)
	switch {
	case errors.Is(err, objectstore.ErrObjectNotFound):
		s = Space{Name: bucket}
	case err != nil:
		return nil, err
	}
	if s.Name == "" {
		s.Name = bucket
	}
	s.Config = s.Config.Normalize()
	s.deriveKeys()
	// Trust the bucket that actually holds the data over a re-derivation
	// from a display name written by an older layout.
	s.StorageKey = bucket
	return &s, nil
}

// persist writes the space's config.json. Caller must hold r.mu.
func (r *Registry) persist(ctx context.Context, s *Space) error {
	if err := r.store.PutJSON(ctx, s.Name, ConfigKey, s); err != nil {
		return fmt.Errorf("persisting space config: %w", err)
	}
	return nil
}

// snapshot copies a space for handing out. Uploads is cloned so callers
// cannot mutate cached state.
func snapshot(s *Space) Space {
	out := *s
	if s.Uploads != nil {
		out.Uploads = append([]string(nil), s.Uploads...)
	}
	return out
}

// List returns all spaces sorted by name. It serves from cache.
func (r *Registry) List() []Space {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Space, 0, len(r.spaces))
	for _, s := range r.spaces {
		out = append(out, snapshot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the space with the given display name.
func (r *Registry) Get(name string) (Space, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.spaces[name]
	if !ok {
		return Space{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return snapshot(s), nil
}

// Current returns the selected space, if any.
func (r *Registry) Current() (Space, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.spaces[r.current]
	if !ok {
		return Space{}, false
	}
	return snapshot(s), true
}

// Select makes name the current space and refreshes its uploads
// listing. An unknown name triggers one reload from the object store
// before failing, so spaces created by another process are picked up.
func (r *Registry) Select(ctx context.Context, name string) (Space, error) {
	r.mu.RLock()
	_, ok := r.spaces[name]
	r.mu.RUnlock()
	if !ok {
		if err := r.load(ctx); err != nil {
			return Space{}, err
		}
	}

	r.mu.Lock()
	if _, ok := r.spaces[name]; !ok {
		r.mu.Unlock()
		return Space{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.current = name
	r.mu.Unlock()

	return r.SyncFiles(ctx, name)
}

// Create validates the name, ensures neither the display name nor the
// derived storage key is taken, provisions the bucket, persists
// config.json, and selects the new space.
func (r *Registry) Create(ctx context.Context, name string, cfg Config) (Space, error) {
	ctx, span := tracer.Start(ctx, "space.Create",
		oteltrace.WithAttributes(attribute.String("space.name", name)))
	defer span.End()

	s, err := New(name, cfg)
	if err != nil {
		return Space{}, recordErr(span, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.spaces[name]; ok {
		return Space{}, recordErr(span, fmt.Errorf("%w: %q", ErrExists, name))
	}
	if other, ok := r.byKey[s.StorageKey]; ok {
		return Space{}, recordErr(span, fmt.Errorf(
			"%w: %q maps to the same storage key as %q", ErrExists, name, other))
	}

	if err := r.store.EnsureBucket(ctx, s.Name); err != nil {
		return Space{}, recordErr(span, fmt.Errorf("provisioning space storage: %w", err))
	}
	if err := r.persist(ctx, s); err != nil {
		return Space{}, recordErr(span, err)
	}

	r.spaces[s.Name] = s
	r.byKey[s.StorageKey] = s.Name
	r.current = s.Name

	r.logger.Info(ctx, "space created",
		zap.String("space", s.Name),
		zap.String("storage_key", s.StorageKey),
		zap.String("collection_key", s.CollectionKey))
	return snapshot(s), nil
}

// UpdateConfig replaces the space's configuration and persists it.
//
// An update that does not pin the embedding dimension defers to
// detection: the recorded dimension survives while the model stays the
// same, and clears to zero on a model switch so the next indexing run
// probes the new model and rebuilds the collection at its width.
func (r *Registry) UpdateConfig(ctx context.Context, name string, cfg Config) (Space, error) {
	ctx, span := tracer.Start(ctx, "space.UpdateConfig",
		oteltrace.WithAttributes(attribute.String("space.name", name)))
	defer span.End()

	pinnedDim := cfg.EmbeddingDim > 0
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Space{}, recordErr(span, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spaces[name]
	if !ok {
		return Space{}, recordErr(span, fmt.Errorf("%w: %q", ErrNotFound, name))
	}

	if !pinnedDim {
		if cfg.EmbeddingModel == s.Config.EmbeddingModel {
			cfg.EmbeddingDim = s.Config.EmbeddingDim
		} else {
			cfg.EmbeddingDim = 0
		}
	}

	prev := s.Config
	s.Config = cfg
	if err := r.persist(ctx, s); err != nil {
		s.Config = prev
		return Space{}, recordErr(span, err)
	}
	return snapshot(s), nil
}

// UpdateStats records the outcome of an indexing run: file count, the
// detected embedding dimension (0 leaves it unchanged), and the
// last-indexed timestamp.
func (r *Registry) UpdateStats(ctx context.Context, name string, fileCount, embeddingDim int) (Space, error) {
	ctx, span := tracer.Start(ctx, "space.UpdateStats",
		oteltrace.WithAttributes(attribute.String("space.name", name)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spaces[name]
	if !ok {
		return Space{}, recordErr(span, fmt.Errorf("%w: %q", ErrNotFound, name))
	}

	now := time.Now().UTC()
	prevCount, prevDim, prevIndexed := s.FileCount, s.Config.EmbeddingDim, s.LastIndexed
	s.FileCount = fileCount
	if embeddingDim > 0 {
		s.Config.EmbeddingDim = embeddingDim
	}
	s.LastIndexed = &now

	if err := r.persist(ctx, s); err != nil {
		s.FileCount, s.Config.EmbeddingDim, s.LastIndexed = prevCount, prevDim, prevIndexed
		return Space{}, recordErr(span, err)
	}
	return snapshot(s), nil
}

// SyncFiles refreshes the space's uploads listing from the object
// store.
func (r *Registry) SyncFiles(ctx context.Context, name string) (Space, error) {
	ctx, span := tracer.Start(ctx, "space.SyncFiles",
		oteltrace.WithAttributes(attribute.String("space.name", name)))
	defer span.End()

	r.mu.RLock()
	_, ok := r.spaces[name]
	r.mu.RUnlock()
	if !ok {
		return Space{}, recordErr(span, fmt.Errorf("%w: %q", ErrNotFound, name))
	}

	uploads, err := r.store.ListObjects(ctx, name, UploadsPrefix)
	if err != nil {
		return Space{}, recordErr(span, fmt.Errorf("listing uploads: %w", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spaces[name]
	if !ok {
		return Space{}, recordErr(span, fmt.Errorf("%w: %q", ErrNotFound, name))
	}
	s.Uploads = uploads
	return snapshot(s), nil
}

// IndexedMetadata reads the filename -> fingerprint map from the last
// indexing run. A space that was never indexed yields an empty map.
func (r *Registry) IndexedMetadata(ctx context.Context, name string) (map[string]FileMeta, error) {
	if _, err := r.Get(name); err != nil {
		return nil, err
	}
	meta := make(map[string]FileMeta)
	if err := objectstore.GetJSONOrEmpty(ctx, r.store, name, MetadataKey, &meta); err != nil {
		return nil, fmt.Errorf("reading indexed metadata: %w", err)
	}
	return meta, nil
}

// SaveIndexedMetadata persists the fingerprint map for the next
// incremental run.
func (r *Registry) SaveIndexedMetadata(ctx context.Context, name string, meta map[string]FileMeta) error {
	if _, err := r.Get(name); err != nil {
		return err
	}
	if err := r.store.PutJSON(ctx, name, MetadataKey, meta); err != nil {
		return fmt.Errorf("persisting indexed metadata: %w", err)
	}
	return nil
}

// Delete removes a space: vector collection first (best-effort), then
// the bucket with everything in it, then the cache entry. A selection
// pointing at the deleted space is cleared.
func (r *Registry) Delete(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "space.Delete",
		oteltrace.WithAttributes(attribute.String("space.name", name)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spaces[name]
	if !ok {
		return recordErr(span, fmt.Errorf("%w: %q", ErrNotFound, name))
	}

	if r.vectors != nil {
		if err := r.vectors.DropCollection(ctx, s.CollectionKey); err != nil {
			r.logger.Warn(ctx, "dropping collection during space delete failed",
				zap.String("space", name),
				zap.String("collection", s.CollectionKey),
				zap.Error(err))
		}
	}

	if err := r.store.DeleteBucket(ctx, name); err != nil {
		return recordErr(span, fmt.Errorf("deleting space storage: %w", err))
	}

	delete(r.spaces, name)
	delete(r.byKey, s.StorageKey)
	if r.current == name {
		r.current = ""
	}

	r.logger.Info(ctx, "space deleted", zap.String("space", name))
	return nil
}

func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
