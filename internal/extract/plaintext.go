package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/fyrsmithlabs/corpusd/internal/sanitize"
)

// PlainText reads a file verbatim as UTF-8 text.
//
// Oversized files and files that are not valid UTF-8 are rejected
// rather than partially indexed, so a binary masquerading as .txt
// becomes a per-file error instead of garbage chunks.
type PlainText struct {
	// MaxBytes caps how much of a file is read. Zero means the
	// single-upload limit.
	MaxBytes int64
}

// NewPlainText returns a PlainText extractor with the default size cap.
func NewPlainText() *PlainText {
	return &PlainText{MaxBytes: sanitize.MaxUploadBytes}
}

// Extract reads the whole file and validates it as UTF-8.
func (p *PlainText) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := readCapped(path, p.maxBytes())
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not valid UTF-8 text", filepath.Base(path))
	}
	return string(data), nil
}

func (p *PlainText) maxBytes() int64 {
	if p.MaxBytes > 0 {
		return p.MaxBytes
	}
	return sanitize.MaxUploadBytes
}

// readCapped reads path in full, rejecting files larger than max. The
// cap is enforced on bytes read, not a pre-read Stat, so a file growing
// mid-read cannot slip past it.
func readCapped(path string, max int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%s exceeds the %d byte extraction limit", filepath.Base(path), max)
	}
	return data, nil
}

var _ Extractor = (*PlainText)(nil)
