package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/sanitize"
)

// memObject is one stored object. The write time matters: staging
// restores it as the local file mtime, which feeds the incremental
// change detection fingerprints.
type memObject struct {
	data    []byte
	modTime time.Time
}

// MemoryStore is a map-backed Store for tests and local development.
// It applies the same storage-key sanitization as MinioStore so code
// under test sees identical bucket naming.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]memObject)}
}

// EnsureBucket creates the bucket for a space if it does not exist.
func (s *MemoryStore) EnsureBucket(ctx context.Context, name string) error {
	bucket := sanitize.StorageKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]memObject)
	}
	return nil
}

// ListBuckets returns all bucket names, sorted.
func (s *MemoryStore) ListBuckets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListObjects returns the keys under prefix, sorted.
func (s *MemoryStore) ListObjects(ctx context.Context, name, prefix string) ([]string, error) {
	bucket := sanitize.StorageKey(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	var keys []string
	for key := range objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// PutBytes writes an object. The content type is ignored.
func (s *MemoryStore) PutBytes(ctx context.Context, name, key string, data []byte, contentType string) error {
	bucket := sanitize.StorageKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	objects[key] = memObject{
		data:    append([]byte(nil), data...),
		modTime: time.Now().UTC(),
	}
	return nil
}

// PutJSON marshals v and writes it as an object.
func (s *MemoryStore) PutJSON(ctx context.Context, name, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.PutBytes(ctx, name, key, data, "application/json")
}

// GetBytes reads an object. Absence yields ErrObjectNotFound.
func (s *MemoryStore) GetBytes(ctx context.Context, name, key string) ([]byte, error) {
	bucket := sanitize.StorageKey(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	obj, ok := objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return append([]byte(nil), obj.data...), nil
}

// GetJSON reads and unmarshals a JSON object into out.
func (s *MemoryStore) GetJSON(ctx context.Context, name, key string, out any) error {
	data, err := s.GetBytes(ctx, name, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// RemoveObject deletes a single object. Absent objects are ignored.
func (s *MemoryStore) RemoveObject(ctx context.Context, name, key string) error {
	bucket := sanitize.StorageKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if objects, ok := s.buckets[bucket]; ok {
		delete(objects, key)
	}
	return nil
}

// DeleteBucket removes the bucket and everything in it.
func (s *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	bucket := sanitize.StorageKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	delete(s.buckets, bucket)
	return nil
}

// DownloadPrefix writes every object under prefix into localDir/<key>.
// Each staged file keeps the object's write time as its mtime so
// fingerprints survive restaging.
func (s *MemoryStore) DownloadPrefix(ctx context.Context, name, prefix, localDir string) (int, error) {
	keys, err := s.ListObjects(ctx, name, prefix)
	if err != nil {
		return 0, err
	}
	bucket := sanitize.StorageKey(name)

	count := 0
	for _, key := range keys {
		s.mu.RLock()
		obj, ok := s.buckets[bucket][key]
		s.mu.RUnlock()
		if !ok {
			return count, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		dest, err := destPath(localDir, key)
		if err != nil {
			return count, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return count, fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}
		if err := os.WriteFile(dest, obj.data, 0o644); err != nil {
			return count, fmt.Errorf("writing %s: %w", dest, err)
		}
		if err := os.Chtimes(dest, obj.modTime, obj.modTime); err != nil {
			return count, fmt.Errorf("restoring mtime of %s: %w", dest, err)
		}
		count++
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
