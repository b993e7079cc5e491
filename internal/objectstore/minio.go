package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/sanitize"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("corpusd.objectstore")

// MinioConfig holds configuration for the MinIO client.
type MinioConfig struct {
	// Endpoint is the MinIO server address as host:port, no scheme.
	Endpoint string

	// AccessKey and SecretKey are static credentials.
	AccessKey string
	SecretKey string

	// UseSSL enables TLS for the connection.
	UseSSL bool

	// HealthCheckTimeout bounds the constructor's liveness probe.
	// Default: 5 seconds.
	HealthCheckTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *MinioConfig) ApplyDefaults() {
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
}

// Validate validates the configuration.
func (c MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint required", ErrInvalidConfig)
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("%w: endpoint must be host:port without scheme, got %q", ErrInvalidConfig, c.Endpoint)
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("%w: credentials required", ErrInvalidConfig)
	}
	return nil
}

// MinioStore is a Store implementation backed by a MinIO (or any
// S3-compatible) server.
//
// Bucket names are always derived from space display names through
// sanitize.StorageKey, one bucket per space.
type MinioStore struct {
	client *minio.Client
	config MinioConfig
	logger *logging.Logger
}

// NewMinioStore creates a MinioStore and verifies the server is reachable.
func NewMinioStore(config MinioConfig, logger *logging.Logger) (*MinioStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &MinioStore{
		client: client,
		config: config,
		logger: logger.Named("objectstore"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.HealthCheckTimeout)
	defer cancel()
	if _, err := client.ListBuckets(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return store, nil
}

// EnsureBucket creates the bucket for a space if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "MinioStore.EnsureBucket")
	defer span.End()

	bucket := sanitize.StorageKey(name)
	span.SetAttributes(attribute.String("bucket", bucket))

	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return recordErr(span, fmt.Errorf("checking bucket %q: %w", bucket, err))
	}
	if exists {
		span.SetStatus(codes.Ok, "exists")
		return nil
	}

	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// A concurrent creator winning the race is fine.
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		default:
			return recordErr(span, fmt.Errorf("creating bucket %q: %w", bucket, err))
		}
	}

	s.logger.Info(ctx, "created bucket",
		zap.String("bucket", bucket),
		zap.String("space", name),
	)
	span.SetStatus(codes.Ok, "created")
	return nil
}

// ListBuckets returns all bucket names.
func (s *MinioStore) ListBuckets(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "MinioStore.ListBuckets")
	defer span.End()

	infos, err := s.client.ListBuckets(ctx)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("listing buckets: %w", err))
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	span.SetAttributes(attribute.Int("bucket_count", len(names)))
	return names, nil
}

// ListObjects returns the full keys of every object under prefix.
func (s *MinioStore) ListObjects(ctx context.Context, name, prefix string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "MinioStore.ListObjects")
	defer span.End()

	bucket := sanitize.StorageKey(name)
	span.SetAttributes(
		attribute.String("bucket", bucket),
		attribute.String("prefix", prefix),
	)

	var keys []string
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			if isNoSuchBucket(info.Err) {
				return nil, recordErr(span, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket))
			}
			return nil, recordErr(span, fmt.Errorf("listing %s/%s: %w", bucket, prefix, info.Err))
		}
		keys = append(keys, info.Key)
	}

	span.SetAttributes(attribute.Int("object_count", len(keys)))
	return keys, nil
}

// PutBytes writes an object.
func (s *MinioStore) PutBytes(ctx context.Context, name, key string, data []byte, contentType string) error {
	ctx, span := tracer.Start(ctx, "MinioStore.PutBytes")
	defer span.End()

	bucket := sanitize.StorageKey(name)
	span.SetAttributes(
		attribute.String("bucket", bucket),
		attribute.String("key", key),
		attribute.Int("size", len(data)),
	)

	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return recordErr(span, fmt.Errorf("putting %s/%s: %w", bucket, key, err))
	}

	s.logger.Debug(ctx, "stored object",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return nil
}

// PutJSON marshals v and writes it as an application/json object.
func (s *MinioStore) PutJSON(ctx context.Context, name, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.PutBytes(ctx, name, key, data, "application/json")
}

// GetBytes reads an object. Absence yields ErrObjectNotFound.
func (s *MinioStore) GetBytes(ctx context.Context, name, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "MinioStore.GetBytes")
	defer span.End()

	bucket := sanitize.StorageKey(name)
	span.SetAttributes(
		attribute.String("bucket", bucket),
		attribute.String("key", key),
	)

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, recordErr(span, mapGetError(bucket, key, err))
	}
	defer obj.Close()

	// GetObject is lazy; missing objects surface on first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, recordErr(span, mapGetError(bucket, key, err))
	}

	span.SetAttributes(attribute.Int("size", len(data)))
	return data, nil
}

// GetJSON reads and unmarshals a JSON object into out.
func (s *MinioStore) GetJSON(ctx context.Context, name, key string, out any) error {
	data, err := s.GetBytes(ctx, name, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// RemoveObject deletes a single object.
func (s *MinioStore) RemoveObject(ctx context.Context, name, key string) error {
	ctx, span := tracer.Start(ctx, "MinioStore.RemoveObject")
	defer span.End()

	bucket := sanitize.StorageKey(name)
	span.SetAttributes(
		attribute.String("bucket", bucket),
		attribute.String("key", key),
	)

	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return recordErr(span, fmt.Errorf("removing %s/%s: %w", bucket, key, err))
	}
	return nil
}

// DeleteBucket removes every object in the bucket and then the bucket.
func (s *MinioStore) DeleteBucket(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "MinioStore.DeleteBucket")
	defer span.End()

	bucket := sanitize.StorageKey(name)
	span.SetAttributes(attribute.String("bucket", bucket))

	keys, err := s.ListObjects(ctx, name, "")
	if err != nil {
		return recordErr(span, err)
	}
	for _, key := range keys {
		if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return recordErr(span, fmt.Errorf("removing %s/%s: %w", bucket, key, err))
		}
	}

	if err := s.client.RemoveBucket(ctx, bucket); err != nil {
		if isNoSuchBucket(err) {
			return recordErr(span, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket))
		}
		return recordErr(span, fmt.Errorf("removing bucket %q: %w", bucket, err))
	}

	s.logger.Info(ctx, "deleted bucket",
		zap.String("bucket", bucket),
		zap.Int("objects", len(keys)),
	)
	span.SetStatus(codes.Ok, "deleted")
	return nil
}

// DownloadPrefix streams every object under prefix into localDir/<key>.
func (s *MinioStore) DownloadPrefix(ctx context.Context, name, prefix, localDir string) (int, error) {
	ctx, span := tracer.Start(ctx, "MinioStore.DownloadPrefix")
	defer span.End()

	bucket := sanitize.StorageKey(name)
	span.SetAttributes(
		attribute.String("bucket", bucket),
		attribute.String("prefix", prefix),
		attribute.String("local_dir", localDir),
	)

	count := 0
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			if isNoSuchBucket(info.Err) {
				return count, recordErr(span, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket))
			}
			return count, recordErr(span, fmt.Errorf("listing %s/%s: %w", bucket, prefix, info.Err))
		}
		dest, err := destPath(localDir, info.Key)
		if err != nil {
			return count, recordErr(span, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return count, recordErr(span, fmt.Errorf("creating %s: %w", filepath.Dir(dest), err))
		}
		if err := s.client.FGetObject(ctx, bucket, info.Key, dest, minio.GetObjectOptions{}); err != nil {
			return count, recordErr(span, fmt.Errorf("downloading %s/%s: %w", bucket, info.Key, err))
		}
		// Staged files keep the object's LastModified as their mtime;
		// the incremental fingerprints depend on it surviving restaging.
		if !info.LastModified.IsZero() {
			if err := os.Chtimes(dest, info.LastModified, info.LastModified); err != nil {
				return count, recordErr(span, fmt.Errorf("restoring mtime of %s: %w", dest, err))
			}
		}
		count++
	}

	s.logger.Info(ctx, "downloaded prefix",
		zap.String("bucket", bucket),
		zap.String("prefix", prefix),
		zap.Int("objects", count),
	)
	span.SetAttributes(attribute.Int("object_count", count))
	return count, nil
}

// destPath resolves an object key to a path under localDir, rejecting
// keys that would escape it.
func destPath(localDir, key string) (string, error) {
	rel, err := sanitize.Filename(key)
	if err != nil {
		return "", fmt.Errorf("unsafe object key %q: %w", key, err)
	}
	dest := filepath.Join(localDir, filepath.FromSlash(rel))
	clean := filepath.Clean(localDir)
	if dest != clean && !strings.HasPrefix(dest, clean+string(os.PathSeparator)) {
		return "", fmt.Errorf("object key %q escapes %q", key, localDir)
	}
	return dest, nil
}

func mapGetError(bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return fmt.Errorf("getting %s/%s: %w", bucket, key, err)
}

func isNoSuchBucket(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchBucket"
}

func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

var _ Store = (*MinioStore)(nil)
