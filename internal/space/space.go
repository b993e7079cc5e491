// Package space manages the registry of tenant spaces.
//
// A space is a logical tenant: one object store bucket, one vector
// collection, one configuration. The bucket's config.json is the
// source of truth; the in-process registry is a cache rebuilt from the
// object store at startup.
package space

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/sanitize"
)

// Well-known object keys inside a space bucket.
const (
	// ConfigKey holds the space's persisted metadata at the bucket root.
	ConfigKey = "config.json"

	// MetadataKey holds the filename -> fingerprint map written by
	// indexing runs.
	MetadataKey = "index/metadata.json"

	// UploadsPrefix is where user files live. Everything else in the
	// bucket is derived state.
	UploadsPrefix = "uploads/"
)

// Sentinel errors. Each carries a fault kind for transport mapping.
var (
	// ErrNotFound is returned when no space has the requested name.
	ErrNotFound = fault.Tag(errors.New("space not found"), fault.NotFound)

	// ErrExists is returned when a display name or its derived storage
	// key is already taken.
	ErrExists = fault.Tag(errors.New("space already exists"), fault.Conflict)

	// ErrNoSelection is returned when an operation needs the current
	// space and none is selected.
	ErrNoSelection = fault.Tag(errors.New("no space selected"), fault.NotFound)
)

// Config is the per-space tuning persisted in config.json.
type Config struct {
	// ChunkSize is the character count per text chunk.
	ChunkSize int `json:"chunk_size"`

	// LLMModel is the chat model used to answer questions.
	LLMModel string `json:"llm_model"`

	// Temperature is the chat sampling temperature.
	Temperature float64 `json:"temperature"`

	// EmbeddingModel produces the dense vectors.
	EmbeddingModel string `json:"embedding_model"`

	// EmbeddingDim is the vector width. Auto-detected on the first
	// indexing run; once set it governs the collection schema.
	EmbeddingDim int `json:"embedding_dim"`
}

// DefaultConfig returns the configuration new spaces start with.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      1000,
		LLMModel:       "llama3.2",
		Temperature:    0.7,
		EmbeddingModel: "nomic-embed-text",
		EmbeddingDim:   768,
	}
}

// Normalize fills zero values with defaults. Partial configs from
// clients or older config.json files stay usable.
//
// The dimension default belongs to the default embedding model. A
// custom model with no dimension keeps zero, so the first indexing run
// probes the model for its width.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.ChunkSize == 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.LLMModel == "" {
		c.LLMModel = def.LLMModel
	}
	if c.Temperature == 0 {
		c.Temperature = def.Temperature
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = def.EmbeddingModel
	}
	if c.EmbeddingDim == 0 && c.EmbeddingModel == def.EmbeddingModel {
		c.EmbeddingDim = def.EmbeddingDim
	}
	return c
}

// Validate checks the tunable bounds.
func (c Config) Validate() error {
	if err := sanitize.ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if err := sanitize.ValidateTemperature(c.Temperature); err != nil {
		return err
	}
	if c.LLMModel == "" {
		return fmt.Errorf("%w: llm_model cannot be empty", fault.Invalid)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: embedding_model cannot be empty", fault.Invalid)
	}
	if c.EmbeddingDim < 0 {
		return fmt.Errorf("%w: embedding_dim cannot be negative", fault.Invalid)
	}
	return nil
}

// FileMeta is one file's fingerprint at indexing time. A file is
// re-indexed when either field changes.
type FileMeta struct {
	Size  int64 `json:"size"`
	Mtime int64 `json:"mtime"`
}

// Space is a logical tenant.
//
// Name is the display name and the key callers use everywhere.
// StorageKey and CollectionKey are derived from it deterministically,
// so renames are impossible by construction (delete and recreate).
// Only the json-tagged fields persist to config.json.
type Space struct {
	Name        string     `json:"name"`
	Config      Config     `json:"config"`
	FileCount   int        `json:"file_count"`
	LastIndexed *time.Time `json:"last_indexed"`

	// StorageKey names the bucket. Derived.
	StorageKey string `json:"-"`

	// CollectionKey names the vector collection. Derived.
	CollectionKey string `json:"-"`

	// Uploads are the object keys under uploads/, refreshed by
	// SyncFiles. Never persisted; the listing is authoritative.
	Uploads []string `json:"-"`
}

// New builds a Space with derived keys and a normalized, validated
// config.
func New(name string, cfg Config) (*Space, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: space name cannot be empty", fault.Invalid)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Space{
		Name:          name,
		Config:        cfg,
		StorageKey:    sanitize.StorageKey(name),
		CollectionKey: sanitize.CollectionKey(name),
	}
	return s, nil
}

// deriveKeys recomputes StorageKey and CollectionKey from Name. Used
// after decoding a config.json, which carries neither.
func (s *Space) deriveKeys() {
	s.StorageKey = sanitize.StorageKey(s.Name)
	s.CollectionKey = sanitize.CollectionKey(s.Name)
}
