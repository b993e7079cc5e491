package objectstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
)

func TestMemoryStore_BucketLifecycle(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()

	require.NoError(t, store.EnsureBucket(ctx, "My Docs"))
	require.NoError(t, store.EnsureBucket(ctx, "My Docs")) // idempotent

	buckets, err := store.ListBuckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"my-docs"}, buckets, "bucket names are storage keys")

	require.NoError(t, store.DeleteBucket(ctx, "My Docs"))

	err = store.DeleteBucket(ctx, "My Docs")
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrBucketNotFound)
}

func TestMemoryStore_ObjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))

	data := []byte("hello world")
	require.NoError(t, store.PutBytes(ctx, "docs", "uploads/readme.md", data, "text/plain"))

	// Mutating the caller's slice must not affect the stored copy.
	data[0] = 'X'

	got, err := store.GetBytes(ctx, "docs", "uploads/readme.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)

	_, err = store.GetBytes(ctx, "docs", "uploads/missing.md")
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)

	require.NoError(t, store.RemoveObject(ctx, "docs", "uploads/readme.md"))
	require.NoError(t, store.RemoveObject(ctx, "docs", "uploads/readme.md")) // absent is fine

	_, err = store.GetBytes(ctx, "docs", "uploads/readme.md")
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestMemoryStore_PutRequiresBucket(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()

	err := store.PutBytes(ctx, "nope", "key", []byte("x"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrBucketNotFound)
}

func TestMemoryStore_JSON(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))

	type meta struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, store.PutJSON(ctx, "docs", "config.json", meta{Name: "docs", Count: 3}))

	var out meta
	require.NoError(t, store.GetJSON(ctx, "docs", "config.json", &out))
	assert.Equal(t, meta{Name: "docs", Count: 3}, out)

	// Absence is ErrObjectNotFound, not a decode error.
	err := store.GetJSON(ctx, "docs", "missing.json", &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)

	// Corrupt payloads are decode errors, distinguishable from absence.
	require.NoError(t, store.PutBytes(ctx, "docs", "broken.json", []byte("{not json"), "application/json"))
	err = store.GetJSON(ctx, "docs", "broken.json", &out)
	require.Error(t, err)
	assert.NotErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestGetJSONOrEmpty(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))

	out := map[string]string{"keep": "me"}
	require.NoError(t, objectstore.GetJSONOrEmpty(ctx, store, "docs", "missing.json", &out))
	assert.Equal(t, map[string]string{"keep": "me"}, out, "absence leaves out untouched")

	require.NoError(t, store.PutJSON(ctx, "docs", "state.json", map[string]string{"a": "b"}))
	require.NoError(t, objectstore.GetJSONOrEmpty(ctx, store, "docs", "state.json", &out))
	assert.Equal(t, "b", out["a"])

	// Decode failures still propagate.
	require.NoError(t, store.PutBytes(ctx, "docs", "broken.json", []byte("?"), ""))
	var m map[string]string
	assert.Error(t, objectstore.GetJSONOrEmpty(ctx, store, "docs", "broken.json", &m))
}

func TestMemoryStore_ListObjects(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))

	for _, key := range []string{
		"uploads/b.txt",
		"uploads/a.txt",
		"uploads/nested/c.txt",
		"index/bm25.pkl",
		"config.json",
	} {
		require.NoError(t, store.PutBytes(ctx, "docs", key, []byte(key), ""))
	}

	keys, err := store.ListObjects(ctx, "docs", "uploads/")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/a.txt", "uploads/b.txt", "uploads/nested/c.txt"}, keys)

	all, err := store.ListObjects(ctx, "docs", "")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	_, err = store.ListObjects(ctx, "ghost", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrBucketNotFound)
}

func TestMemoryStore_DownloadPrefix(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))

	require.NoError(t, store.PutBytes(ctx, "docs", "uploads/readme.md", []byte("alpha"), ""))
	require.NoError(t, store.PutBytes(ctx, "docs", "uploads/nested/guide.md", []byte("beta"), ""))
	require.NoError(t, store.PutBytes(ctx, "docs", "config.json", []byte("{}"), ""))

	dir := t.TempDir()
	count, err := store.DownloadPrefix(ctx, "docs", "uploads/", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	data, err := os.ReadFile(filepath.Join(dir, "uploads", "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "uploads", "nested", "guide.md"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	// config.json was outside the prefix.
	_, err = os.Stat(filepath.Join(dir, "config.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestMemoryStore_DownloadPrefix_StableMtime(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))
	require.NoError(t, store.PutBytes(ctx, "docs", "uploads/readme.md", []byte("alpha"), ""))

	stage := func() os.FileInfo {
		dir := t.TempDir()
		_, err := store.DownloadPrefix(ctx, "docs", "uploads/", dir)
		require.NoError(t, err)
		info, err := os.Stat(filepath.Join(dir, "uploads", "readme.md"))
		require.NoError(t, err)
		return info
	}

	first := stage()
	time.Sleep(10 * time.Millisecond)
	second := stage()
	assert.Equal(t, first.ModTime(), second.ModTime(),
		"restaging an unchanged object must reproduce its mtime")

	// Overwriting advances the object's write time.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.PutBytes(ctx, "docs", "uploads/readme.md", []byte("alpha v2"), ""))
	third := stage()
	assert.True(t, third.ModTime().After(first.ModTime()))
}

func TestMemoryStore_DownloadPrefix_RejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))

	// A key that sanitizes to nothing cannot be mapped to a local path.
	require.NoError(t, store.PutBytes(ctx, "docs", "..", []byte("evil"), ""))

	_, err := store.DownloadPrefix(ctx, "docs", "", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsafe object key")
}

func TestMemoryStore_DownloadPrefix_StripsTraversal(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.EnsureBucket(ctx, "docs"))

	require.NoError(t, store.PutBytes(ctx, "docs", "uploads/../../escape.txt", []byte("x"), ""))

	dir := t.TempDir()
	count, err := store.DownloadPrefix(ctx, "docs", "", dir)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Traversal segments are dropped, so the file lands inside dir.
	_, err = os.Stat(filepath.Join(dir, "uploads", "escape.txt"))
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMinioConfig_Validate(t *testing.T) {
	cfg := objectstore.MinioConfig{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrInvalidConfig)

	cfg = objectstore.MinioConfig{Endpoint: "http://minio:9000", AccessKey: "a", SecretKey: "b"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "without scheme")

	cfg = objectstore.MinioConfig{Endpoint: "minio:9000", AccessKey: "a"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")

	cfg = objectstore.MinioConfig{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b"}
	assert.NoError(t, cfg.Validate())

	cfg.ApplyDefaults()
	assert.NotZero(t, cfg.HealthCheckTimeout)
}

func TestNewMinioStore_InvalidConfig(t *testing.T) {
	_, err := objectstore.NewMinioStore(objectstore.MinioConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrInvalidConfig)
}
