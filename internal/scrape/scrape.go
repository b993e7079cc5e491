// Package scrape turns web pages into stored PDF artifacts.
//
// The browser work lives behind the PageRenderer capability; the
// service owns URL admission, the render budget, artifact naming, and
// the error report contract. Scraping runs as a detached task, so once
// the target space is known its outcome is observable in the bucket,
// not in the return value: the PDF lands under uploads/scraped/ on
// success, and a structured report lands under error/ on failure while
// the call still returns nil.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/sanitize"
	"github.com/fyrsmithlabs/corpusd/internal/space"
)

var tracer = otel.Tracer("corpusd.scrape")

// slugMax caps the path-derived part of an artifact name.
const slugMax = 50

// scrapedPrefix is where artifacts land inside a space bucket.
const scrapedPrefix = space.UploadsPrefix + "scraped/"

// PageRenderer renders a web page into PDF bytes. The page-load dance
// (domcontentloaded, stabilization wait, lazy-load scroll, A4 layout)
// is the renderer's contract; callers only bound it with the context.
type PageRenderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// Config tunes the scrape service.
type Config struct {
	// RenderTimeout bounds one page render. Defaults to 60s.
	RenderTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 60 * time.Second
	}
	return c
}

// Service orchestrates scraping into space buckets.
type Service struct {
	renderer PageRenderer
	objects  objectstore.Store
	registry *space.Registry
	cfg      Config
	logger   *logging.Logger
}

// New builds a scrape Service.
func New(renderer PageRenderer, objects objectstore.Store, registry *space.Registry, cfg Config, logger *logging.Logger) (*Service, error) {
	if renderer == nil {
		return nil, fmt.Errorf("%w: page renderer is required", fault.Invalid)
	}
	if objects == nil {
		return nil, fmt.Errorf("%w: object store is required", fault.Invalid)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: space registry is required", fault.Invalid)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		renderer: renderer,
		objects:  objects,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("scrape"),
	}, nil
}

// errorReport is the JSON written under error/ when a scrape fails.
type errorReport struct {
	Timestamp    string `json:"timestamp"`
	URL          string `json:"url"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	BucketName   string `json:"bucket_name"`
}

// Scrape renders rawURL and stores the PDF under the space's
// uploads/scraped/ prefix.
//
// An unknown space is the only returned error: there is no bucket to
// report into. Every later failure (admission, render, store) writes
// an error report to the bucket and returns nil.
func (s *Service) Scrape(ctx context.Context, spaceName, rawURL string) error {
	ctx, span := tracer.Start(ctx, "scrape.Scrape",
		oteltrace.WithAttributes(
			attribute.String("space.name", spaceName),
			attribute.String("url", rawURL)))
	defer span.End()

	sp, err := s.registry.Get(spaceName)
	if err != nil {
		return recordErr(span, err)
	}

	if err := sanitize.ValidateURL(rawURL); err != nil {
		return s.report(ctx, span, sp.Name, rawURL, "validation", err)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RenderTimeout)
	start := time.Now()
	pdf, err := s.renderer.Render(rctx, rawURL)
	cancel()
	RenderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.report(ctx, span, sp.Name, rawURL, "timeout",
				fmt.Errorf("page load timeout after %s", s.cfg.RenderTimeout))
		}
		return s.report(ctx, span, sp.Name, rawURL, "render",
			fault.Tag(fmt.Errorf("rendering %s: %w", rawURL, err), fault.Upstream))
	}
	if len(pdf) == 0 {
		return s.report(ctx, span, sp.Name, rawURL, "render",
			fault.Tag(errors.New("renderer returned an empty document"), fault.Upstream))
	}
	if err := sanitize.ValidateUploadSize(int64(len(pdf))); err != nil {
		return s.report(ctx, span, sp.Name, rawURL, "validation", err)
	}

	key := scrapedPrefix + artifactName(rawURL, time.Now())
	if err := s.objects.PutBytes(ctx, sp.Name, key, pdf, "application/pdf"); err != nil {
		return s.report(ctx, span, sp.Name, rawURL, "store",
			fault.Tag(fmt.Errorf("storing %s: %w", key, err), fault.Upstream))
	}

	// Refresh the uploads listing so the new artifact shows up without
	// an explicit sync. The PDF is already stored, so a listing failure
	// only logs.
	if _, err := s.registry.SyncFiles(ctx, sp.Name); err != nil {
		s.logger.Warn(ctx, "uploads listing not refreshed",
			zap.String("space", sp.Name), zap.Error(err))
	}

	ScrapesTotal.WithLabelValues("stored").Inc()
	span.SetAttributes(
		attribute.String("artifact.key", key),
		attribute.Int("pdf.bytes", len(pdf)))
	s.logger.Info(ctx, "page scraped",
		zap.String("space", sp.Name),
		zap.String("url", rawURL),
		zap.String("key", key),
		zap.Int("bytes", len(pdf)))
	return nil
}

// report writes the failure to error/ in the space bucket and absorbs
// it. The report is the caller-visible outcome of a detached scrape.
func (s *Service) report(ctx context.Context, span oteltrace.Span, bucket, rawURL, errType string, cause error) error {
	recordErr(span, cause)
	ScrapesTotal.WithLabelValues("failed").Inc()
	s.logger.Error(ctx, "scrape failed",
		zap.String("space", bucket),
		zap.String("url", rawURL),
		zap.String("error_type", errType),
		zap.Error(cause))

	now := time.Now().UTC()
	rep := errorReport{
		Timestamp:    now.Format(time.RFC3339),
		URL:          rawURL,
		ErrorType:    errType,
		ErrorMessage: cause.Error(),
		BucketName:   bucket,
	}
	key := fmt.Sprintf("error/error_%s.json", now.Format("20060102_150405"))
	if err := s.objects.PutJSON(ctx, bucket, key, rep); err != nil {
		s.logger.Error(ctx, "error report not written",
			zap.String("space", bucket),
			zap.String("key", key),
			zap.Error(err))
	}
	return nil
}

// artifactName builds the stored PDF name: the host with www. stripped
// and dots turned to underscores, a capped slug from the path, and a
// second-resolution timestamp.
func artifactName(rawURL string, now time.Time) string {
	ts := now.Format("20060102-150405")
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown_" + ts + ".pdf"
	}
	domain := sanitizeDomain(strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."))
	if slug := pathSlug(u.Path); slug != "" {
		return domain + "_" + slug + "_" + ts + ".pdf"
	}
	return domain + "_" + ts + ".pdf"
}

func sanitizeDomain(host string) string {
	var b strings.Builder
	b.Grow(len(host))
	for _, r := range host {
		switch {
		case r == '.':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// pathSlug caps the path and maps every non-alphanumeric rune to a
// hyphen. A root or empty path yields no slug.
func pathSlug(path string) string {
	runes := []rune(path)
	if len(runes) > slugMax {
		runes = runes[:slugMax]
	}
	var b strings.Builder
	for _, r := range runes {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// recordErr marks the span failed and passes the error through.
func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
