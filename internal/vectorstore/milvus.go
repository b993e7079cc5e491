package vectorstore

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("corpusd.vectorstore.milvus")

// Collection schema field names. Every space collection carries the same
// four fields; the embedding dimension is fixed per collection.
const (
	fieldID        = "id"
	fieldContent   = "content"
	fieldFilename  = "filename"
	fieldEmbedding = "embedding"

	maxContentLength  = 5000
	maxFilenameLength = 500

	// IVF_FLAT index and search parameters.
	ivfNlist     = 128
	searchNprobe = 10

	defaultShardNum = 1
)

// collectionNamePattern validates collection names.
// Pattern: letter or underscore first, then letters, digits, underscores.
var collectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,254}$`)

// validateCollectionName rejects names the backend would refuse.
func validateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// MilvusConfig holds configuration for the Milvus gRPC client.
type MilvusConfig struct {
	// Host is the Milvus server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Milvus gRPC port.
	// Default: 19530
	Port int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Bulk chunk inserts can be large.
	// Default: 50MB
	MaxMessageSize int

	// HealthCheckTimeout bounds the connection probe at construction.
	// Default: 5s
	HealthCheckTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *MilvusConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 19530
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024 // 50MB
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
}

// Validate validates the configuration.
func (c MilvusConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// Address returns the host:port gRPC address.
func (c MilvusConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MilvusStore is a Store implementation backed by a Milvus server over
// its native gRPC client.
//
// One collection per space. Rows are chunk records {id, content,
// filename, embedding}; ids are server-assigned. Search uses an
// IVF_FLAT index with L2 distance, so lower scores are closer.
type MilvusStore struct {
	client client.Client
	config MilvusConfig
	logger *logging.Logger
}

// NewMilvusStore connects to Milvus and returns a ready-to-use store.
//
// The constructor validates configuration, dials the server, and fails
// fast when the server is unreachable within HealthCheckTimeout.
func NewMilvusStore(config MilvusConfig, logger *logging.Logger) (*MilvusStore, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("vectorstore")

	ctx, cancel := context.WithTimeout(context.Background(), config.HealthCheckTimeout)
	defer cancel()

	c, err := client.NewClient(ctx, client.Config{
		Address: config.Address(),
		DialOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, config.Address(), err)
	}

	logger.Info(ctx, "connected to milvus", zap.String("address", config.Address()))

	return &MilvusStore{
		client: c,
		config: config,
		logger: logger,
	}, nil
}

// EnsureCollection makes sure a collection with the given dimension exists.
func (s *MilvusStore) EnsureCollection(ctx context.Context, name string, dim int, recreate bool) (CollectionState, error) {
	ctx, span := tracer.Start(ctx, "MilvusStore.EnsureCollection")
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

	has, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return "", recordErr(span, fmt.Errorf("checking collection %s: %w", name, err))
	}

	if recreate {
		state := StateCreated
		if has {
			if err := s.client.DropCollection(ctx, name); err != nil {
				return "", recordErr(span, fmt.Errorf("dropping collection %s: %w", name, err))
			}
			state = StateReset
		}
		if err := s.createCollection(ctx, name, dim); err != nil {
			return "", recordErr(span, err)
		}
		span.SetAttributes(attribute.String("state", string(state)))
		return state, nil
	}

	if has {
		existing, err := s.collectionDim(ctx, name)
		if err != nil {
			return "", recordErr(span, err)
		}
		if existing != dim {
			return "", recordErr(span, fmt.Errorf("%w: collection %s has dim %d, want %d", ErrDimensionMismatch, name, existing, dim))
		}
		span.SetAttributes(attribute.String("state", string(StateReused)))
		return StateReused, nil
	}

	if err := s.createCollection(ctx, name, dim); err != nil {
		return "", recordErr(span, err)
	}
	span.SetAttributes(attribute.String("state", string(StateCreated)))
	return StateCreated, nil
}

func (s *MilvusStore) createCollection(ctx context.Context, name string, dim int) error {
	schema := entity.NewSchema().
		WithName(name).
		WithDescription("corpusd space chunks").
		WithField(entity.NewField().
			WithName(fieldID).
			WithDataType(entity.FieldTypeInt64).
			WithIsPrimaryKey(true).
			WithIsAutoID(true)).
		WithField(entity.NewField().
			WithName(fieldContent).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxContentLength)).
		WithField(entity.NewField().
			WithName(fieldFilename).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxFilenameLength)).
		WithField(entity.NewField().
			WithName(fieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dim)))

	if err := s.client.CreateCollection(ctx, schema, defaultShardNum); err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	s.logger.Info(ctx, "created collection",
		zap.String("collection", name),
		zap.Int("dim", dim),
	)
	return nil
}

// collectionDim reads the embedding field dimension from the collection schema.
func (s *MilvusStore) collectionDim(ctx context.Context, name string) (int, error) {
	desc, err := s.client.DescribeCollection(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("describing collection %s: %w", name, mapMilvusError(name, err))
	}
	for _, f := range desc.Schema.Fields {
		if f.Name != fieldEmbedding {
			continue
		}
		dim, err := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
		if err != nil {
			return 0, fmt.Errorf("collection %s has malformed dim %q", name, f.TypeParams[entity.TypeParamDim])
		}
		return dim, nil
	}
	return 0, fmt.Errorf("collection %s has no %s field", name, fieldEmbedding)
}

// Insert bulk-inserts chunk rows and flushes so they are visible to the
// index builder.
func (s *MilvusStore) Insert(ctx context.Context, name string, batch InsertBatch) error {
	ctx, span := tracer.Start(ctx, "MilvusStore.Insert")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("rows", batch.Len()),
	)

	if err := batch.Validate(); err != nil {
		return recordErr(span, err)
	}

	dim := len(batch.Embeddings[0])
	_, err := s.client.Insert(ctx, name, "",
		entity.NewColumnVarChar(fieldContent, batch.Contents),
		entity.NewColumnVarChar(fieldFilename, batch.Filenames),
		entity.NewColumnFloatVector(fieldEmbedding, dim, batch.Embeddings),
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("inserting into %s: %w", name, mapMilvusError(name, err)))
	}

	// Flush makes the rows durable before an index build or search.
	if err := s.client.Flush(ctx, name, false); err != nil {
		return recordErr(span, fmt.Errorf("flushing %s: %w", name, err))
	}

	s.logger.Debug(ctx, "inserted rows",
		zap.String("collection", name),
		zap.Int("rows", batch.Len()),
	)
	return nil
}

// DeleteByFilename removes every chunk row whose filename matches.
func (s *MilvusStore) DeleteByFilename(ctx context.Context, name string, filename string) error {
	ctx, span := tracer.Start(ctx, "MilvusStore.DeleteByFilename")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.String("filename", filename),
	)

	expr := fmt.Sprintf("%s == %q", fieldFilename, filename)
	if err := s.client.Delete(ctx, name, "", expr); err != nil {
		return recordErr(span, fmt.Errorf("deleting from %s: %w", name, mapMilvusError(name, err)))
	}

	s.logger.Debug(ctx, "deleted rows by filename",
		zap.String("collection", name),
		zap.String("filename", filename),
	)
	return nil
}

// Search returns up to limit nearest hits, best-first.
func (s *MilvusStore) Search(ctx context.Context, name string, vector []float32, limit int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "MilvusStore.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
	)

	sp, err := entity.NewIndexIvfFlatSearchParam(searchNprobe)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("building search params: %w", err))
	}

	results, err := s.client.Search(ctx, name, nil, "",
		[]string{fieldContent, fieldFilename},
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding, entity.L2, limit, sp,
	)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("searching %s: %w", name, mapMilvusError(name, err)))
	}

	var hits []Hit
	for _, res := range results {
		contentCol, ok := res.Fields.GetColumn(fieldContent).(*entity.ColumnVarChar)
		if !ok {
			return nil, recordErr(span, fmt.Errorf("searching %s: missing %s column", name, fieldContent))
		}
		filenameCol, ok := res.Fields.GetColumn(fieldFilename).(*entity.ColumnVarChar)
		if !ok {
			return nil, recordErr(span, fmt.Errorf("searching %s: missing %s column", name, fieldFilename))
		}
		contents := contentCol.Data()
		filenames := filenameCol.Data()
		for i := 0; i < res.ResultCount; i++ {
			hits = append(hits, Hit{
				Content:  contents[i],
				Filename: filenames[i],
				Score:    res.Scores[i],
			})
		}
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// CreateIndex builds the IVF_FLAT index on the embedding field and
// blocks until the build completes.
func (s *MilvusStore) CreateIndex(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "MilvusStore.CreateIndex")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	idx, err := entity.NewIndexIvfFlat(entity.L2, ivfNlist)
	if err != nil {
		return recordErr(span, fmt.Errorf("building index params: %w", err))
	}

	if err := s.client.CreateIndex(ctx, name, fieldEmbedding, idx, false); err != nil {
		return recordErr(span, fmt.Errorf("creating index on %s: %w", name, mapMilvusError(name, err)))
	}

	s.logger.Info(ctx, "created index", zap.String("collection", name))
	return nil
}

// LoadCollection loads the collection into memory for search.
func (s *MilvusStore) LoadCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "MilvusStore.LoadCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	if err := s.client.LoadCollection(ctx, name, false); err != nil {
		return recordErr(span, fmt.Errorf("loading collection %s: %w", name, mapMilvusError(name, err)))
	}
	return nil
}

// DropCollection deletes a collection. Missing collections are ignored.
func (s *MilvusStore) DropCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "MilvusStore.DropCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	has, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return recordErr(span, fmt.Errorf("checking collection %s: %w", name, err))
	}
	if !has {
		return nil
	}

	if err := s.client.DropCollection(ctx, name); err != nil {
		return recordErr(span, fmt.Errorf("dropping collection %s: %w", name, err))
	}

	s.logger.Info(ctx, "dropped collection", zap.String("collection", name))
	return nil
}

// HasCollection reports whether the collection exists.
func (s *MilvusStore) HasCollection(ctx context.Context, name string) (bool, error) {
	ctx, span := tracer.Start(ctx, "MilvusStore.HasCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", name))

	has, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return false, recordErr(span, fmt.Errorf("checking collection %s: %w", name, err))
	}
	return has, nil
}

// ListCollections returns all collection names, sorted.
func (s *MilvusStore) ListCollections(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "MilvusStore.ListCollections")
	defer span.End()

	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("listing collections: %w", err))
	}

	names := make([]string, 0, len(collections))
	for _, c := range collections {
		names = append(names, c.Name)
	}
	sort.Strings(names)

	span.SetAttributes(attribute.Int("count", len(names)))
	return names, nil
}

// Close closes the Milvus gRPC connection.
func (s *MilvusStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// mapMilvusError classifies server errors into the package sentinels.
// The SDK reports conditions as message text, so matching is by substring.
func mapMilvusError(name string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "not loaded") {
		return fmt.Errorf("%w: %s", ErrCollectionNotIndexed, name)
	}
	if strings.Contains(msg, "index") &&
		(strings.Contains(msg, "not found") || strings.Contains(msg, "not exist") || strings.Contains(msg, "doesn't exist")) {
		return fmt.Errorf("%w: %s", ErrCollectionNotIndexed, name)
	}
	if strings.Contains(msg, "not found") || strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "can't find collection") {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return err
}

// recordErr marks the span failed and passes the error through.
func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Ensure MilvusStore implements Store interface.
var _ Store = (*MilvusStore)(nil)
