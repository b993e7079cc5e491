package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoExtractor is returned when a file's extension has no registered
// extractor.
var ErrNoExtractor = errors.New("no extractor registered")

// Extractor turns one file into indexable text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, path string) (string, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

// Registry maps file extensions to extractors.
//
// A fresh registry serves every text and code extension through
// PlainText. Document extensions stay unbound until the host registers
// format-aware extractors for them.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry returns a registry with PlainText pre-registered for all
// text and code extensions.
func NewRegistry() *Registry {
	r := &Registry{
		extractors: make(map[string]Extractor, len(textExtensions)+len(codeExtensions)),
	}
	plain := NewPlainText()
	for ext := range textExtensions {
		r.extractors[ext] = plain
	}
	for ext := range codeExtensions {
		r.extractors[ext] = plain
	}
	return r
}

// Register binds an extractor to an extension. The extension must start
// with a dot and is matched case-insensitively. Registering an already
// bound extension replaces the binding.
func (r *Registry) Register(ext string, e Extractor) error {
	if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
		return fmt.Errorf("extension %q must start with a dot", ext)
	}
	if e == nil {
		return fmt.Errorf("extractor for %s must not be nil", ext)
	}
	r.mu.Lock()
	r.extractors[strings.ToLower(ext)] = e
	r.mu.Unlock()
	return nil
}

// Extract extracts text from path using the extractor bound to its
// extension. Unbound extensions report ErrNoExtractor; the caller
// decides whether that fails the file or the whole run.
func (r *Registry) Extract(ctx context.Context, path string) (string, error) {
	ext := Ext(path)
	r.mu.RLock()
	e, ok := r.extractors[ext]
	r.mu.RUnlock()
	if !ok {
		if ext == "" {
			return "", fmt.Errorf("%w: %s has no extension", ErrNoExtractor, path)
		}
		return "", fmt.Errorf("%w for %s files", ErrNoExtractor, ext)
	}
	return e.Extract(ctx, path)
}

// Extensions returns the sorted list of extensions with a binding.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	exts := make([]string, 0, len(r.extractors))
	for ext := range r.extractors {
		exts = append(exts, ext)
	}
	r.mu.RUnlock()
	sort.Strings(exts)
	return exts
}

var _ Extractor = (ExtractorFunc)(nil)
