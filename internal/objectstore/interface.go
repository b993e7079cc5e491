// Package objectstore defines the interface for space-scoped object storage.
package objectstore

import (
	"context"
	"errors"
)

// Sentinel errors for object store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the store endpoint is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to object store")

	// ErrBucketNotFound is returned when a bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrObjectNotFound is returned when an object does not exist.
	ErrObjectNotFound = errors.New("object not found")
)

// Store is the interface for object storage operations.
//
// Every method accepts the space's display name and derives the bucket
// name internally via sanitize.StorageKey, so callers never hand a raw
// user-supplied string to the underlying store.
//
// Implementations:
//   - MinioStore: S3-compatible remote store (default)
//   - MemoryStore: map-backed store for tests
type Store interface {
	// EnsureBucket creates the bucket for a space if it does not exist.
	// Idempotent.
	EnsureBucket(ctx context.Context, name string) error

	// ListBuckets returns all bucket names (storage keys).
	ListBuckets(ctx context.Context) ([]string, error)

	// ListObjects returns the full keys of every object under prefix,
	// recursively. An empty prefix lists the whole bucket.
	ListObjects(ctx context.Context, name, prefix string) ([]string, error)

	// PutBytes writes an object.
	PutBytes(ctx context.Context, name, key string, data []byte, contentType string) error

	// PutJSON marshals v and writes it as an application/json object.
	PutJSON(ctx context.Context, name, key string, v any) error

	// GetBytes reads an object. Absence yields ErrObjectNotFound.
	GetBytes(ctx context.Context, name, key string) ([]byte, error)

	// GetJSON reads and unmarshals a JSON object into out. Absence
	// yields ErrObjectNotFound; decode and transport failures yield a
	// wrapped error so callers can tell the two apart.
	GetJSON(ctx context.Context, name, key string, out any) error

	// RemoveObject deletes a single object. Removing an absent object
	// is not an error.
	RemoveObject(ctx context.Context, name, key string) error

	// DeleteBucket removes every object in the bucket and then the
	// bucket itself.
	DeleteBucket(ctx context.Context, name string) error

	// DownloadPrefix streams every object under prefix into
	// localDir/<key>, creating intermediate directories. Keys are
	// sanitized first; any key that would escape localDir is rejected.
	// Staged files carry the object's last-modified time as their
	// mtime, so (size, mtime) fingerprints are stable across
	// restagings of unchanged objects. Returns the number of objects
	// written.
	DownloadPrefix(ctx context.Context, name, prefix, localDir string) (int, error)
}

// GetJSONOrEmpty reads a JSON object, treating absence as success and
// leaving out untouched. Callers that want the legacy "missing file is
// an empty object" contract opt in through this helper.
func GetJSONOrEmpty(ctx context.Context, s Store, name, key string, out any) error {
	err := s.GetJSON(ctx, name, key, out)
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	return err
}
