package extract

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/fyrsmithlabs/corpusd/internal/sanitize"
)

// HTML extracts the visible text of an HTML file, dropping tags and the
// contents of script and style elements.
//
// It is not bound by default. Out of the box .html and .htm go through
// PlainText, which indexes the raw markup; hosts that prefer
// tag-stripped text register this extractor over those extensions.
type HTML struct {
	// MaxBytes caps how much of a file is read. Zero means the
	// single-upload limit.
	MaxBytes int64
}

// NewHTML returns an HTML extractor with the default size cap.
func NewHTML() *HTML {
	return &HTML{MaxBytes: sanitize.MaxUploadBytes}
}

// Extract parses the file and concatenates its text nodes, one line per
// node. The parser is error-tolerant, so malformed markup still yields
// whatever text it carries.
func (h *HTML) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	max := h.MaxBytes
	if max <= 0 {
		max = sanitize.MaxUploadBytes
	}
	data, err := readCapped(path, max)
	if err != nil {
		return "", err
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	collectText(doc, &b)
	return b.String(), nil
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

var _ Extractor = (*HTML)(nil)
