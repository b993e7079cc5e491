// Package corpusd assembles the document indexing and retrieval
// service from its parts: object store, vector store, embedder,
// space registry, session store, indexing supervisor, retrieval
// pipeline, chat flow, and page scraper.
//
// The zero entry point is New, which wires the full graph from a
// Config and returns a Service handle. Every external dependency can
// be replaced through a functional option, which is how tests run the
// whole stack against in-memory fakes. There are no package-level
// globals; two Service instances never share state.
package corpusd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/chat"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/extract"
	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/rerank"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/scrape"
	"github.com/fyrsmithlabs/corpusd/internal/session"
	"github.com/fyrsmithlabs/corpusd/internal/space"
	"github.com/fyrsmithlabs/corpusd/internal/supervisor"
	"github.com/fyrsmithlabs/corpusd/internal/telemetry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// ErrNoRenderer reports that page scraping was requested on a service
// built without a PageRenderer.
var ErrNoRenderer = fault.Tag(errors.New("no page renderer configured"), fault.Invalid)

// Service is a fully wired corpusd instance.
//
// Accessors expose the subsystems; the handles they return stay valid
// until Close. Close shuts down every component the service wired,
// including injected ones.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry

	objects  objectstore.Store
	vectors  vectorstore.Store
	registry *space.Registry
	sessions *session.Store

	supervisor *supervisor.Supervisor
	retriever  *retrieval.Pipeline
	flow       *chat.Flow
	scraper    *scrape.Service

	reranker rerank.Reranker

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger   *logging.Logger
	objects  objectstore.Store
	vectors  vectorstore.Store
	embedder embeddings.Factory
	chatter  chat.Chatter
	reranker rerank.Reranker
	renderer scrape.PageRenderer
}

// Option overrides one wired component.
type Option func(*options)

// WithLogger replaces the logger built from Config.Logging.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObjectStore replaces the MinIO-backed object store.
func WithObjectStore(store objectstore.Store) Option {
	return func(o *options) { o.objects = store }
}

// WithVectorStore replaces the vector store selected by
// Config.VectorStore.Provider.
func WithVectorStore(store vectorstore.Store) Option {
	return func(o *options) { o.vectors = store }
}

// WithEmbedder replaces the Ollama embedding factory.
func WithEmbedder(factory embeddings.Factory) Option {
	return func(o *options) { o.embedder = factory }
}

// WithChatter replaces the Ollama chat model binding.
func WithChatter(chatter chat.Chatter) Option {
	return func(o *options) { o.chatter = chatter }
}

// WithReranker replaces the default lexical reranker.
func WithReranker(reranker rerank.Reranker) Option {
	return func(o *options) { o.reranker = reranker }
}

// WithPageRenderer supplies the browser that turns pages into PDFs.
// Without one, Scrape returns ErrNoRenderer.
func WithPageRenderer(renderer scrape.PageRenderer) Option {
	return func(o *options) { o.renderer = renderer }
}

// New wires a Service.
//
// A nil cfg loads configuration from the environment. Construction
// order is config, logger, telemetry, object store, vector store,
// embedder, registry, sessions, supervisor, retrieval, chat, scrape;
// a failure at any stage tears down the stages already built.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	logger := o.logger
	if logger == nil {
		built, err := buildLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = built
	}

	s := &Service{cfg: cfg, logger: logger}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	s.tel = tel

	s.objects = o.objects
	if s.objects == nil {
		store, err := objectstore.NewMinioStore(objectstore.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey.Value(),
			UseSSL:    cfg.Minio.UseSSL,
		}, logger)
		if err != nil {
			return nil, s.failNew(ctx, fmt.Errorf("connecting object store: %w", err))
		}
		s.objects = store
	}

	s.vectors = o.vectors
	if s.vectors == nil {
		store, err := vectorstore.NewStore(cfg, logger)
		if err != nil {
			return nil, s.failNew(ctx, fmt.Errorf("connecting vector store: %w", err))
		}
		s.vectors = store
	}

	embedder := o.embedder
	if embedder == nil {
		embedder = embeddings.NewOllamaFactory(embeddings.Config{
			BaseURL:           cfg.Ollama.BaseURL,
			RequestsPerSecond: cfg.Ollama.RequestsPerSecond,
			Burst:             cfg.Ollama.Burst,
		})
	}

	s.registry, err = space.NewRegistry(ctx, s.objects, s.vectors, logger)
	if err != nil {
		return nil, s.failNew(ctx, fmt.Errorf("loading space registry: %w", err))
	}
	s.sessions = session.NewStore(s.objects, logger)

	pipeline, err := ingest.NewPipeline(s.vectors, s.objects, embedder, extract.NewRegistry(), logger)
	if err != nil {
		return nil, s.failNew(ctx, fmt.Errorf("building indexing pipeline: %w", err))
	}
	s.supervisor, err = supervisor.New(ctx, pipeline, s.objects, s.registry, supervisor.Config{
		ScratchRoot: cfg.Project.Path,
	}, logger)
	if err != nil {
		return nil, s.failNew(ctx, fmt.Errorf("starting indexing supervisor: %w", err))
	}

	s.reranker = o.reranker
	if s.reranker == nil {
		s.reranker = rerank.NewLexicalReranker()
	}
	s.retriever, err = retrieval.NewPipeline(s.vectors, s.objects, embedder, s.reranker, logger)
	if err != nil {
		return nil, s.failNew(ctx, fmt.Errorf("building retrieval pipeline: %w", err))
	}

	chatter := o.chatter
	if chatter == nil {
		built, err := chat.NewOllamaChatter(chat.Config{
			BaseURL:           cfg.Ollama.BaseURL,
			RequestsPerSecond: cfg.Ollama.RequestsPerSecond,
			Burst:             cfg.Ollama.Burst,
		})
		if err != nil {
			return nil, s.failNew(ctx, fmt.Errorf("building chat model: %w", err))
		}
		chatter = built
	}
	s.flow, err = chat.NewFlow(s.registry, s.sessions, s.retriever, chatter, logger)
	if err != nil {
		return nil, s.failNew(ctx, fmt.Errorf("building chat flow: %w", err))
	}

	if o.renderer != nil {
		s.scraper, err = scrape.New(o.renderer, s.objects, s.registry, scrape.Config{}, logger)
		if err != nil {
			return nil, s.failNew(ctx, fmt.Errorf("building scrape service: %w", err))
		}
	}

	logger.Info(ctx, "corpusd wired",
		zap.Int("spaces", len(s.registry.List())),
		zap.Bool("scraping", s.scraper != nil),
		zap.Bool("telemetry", tel.IsEnabled()),
	)
	return s, nil
}

// buildLogger parses the flat logging section into the logging
// package's richer config.
func buildLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	lc := logging.NewDefaultConfig()
	lc.Level = level
	lc.Format = cfg.Format
	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// failNew releases whatever New managed to build before the error.
func (s *Service) failNew(ctx context.Context, err error) error {
	if cerr := s.Close(); cerr != nil {
		s.logger.Warn(ctx, "partial teardown failed", zap.Error(cerr))
	}
	return err
}

// Spaces returns the space registry.
func (s *Service) Spaces() *space.Registry { return s.registry }

// Objects returns the object store backing every space bucket. Callers
// upload through it; keys under uploads/ become indexable.
func (s *Service) Objects() objectstore.Store { return s.objects }

// Sessions returns the chat session store.
func (s *Service) Sessions() *session.Store { return s.sessions }

// Supervisor returns the indexing supervisor.
func (s *Service) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Retrieval returns the hybrid retrieval pipeline.
func (s *Service) Retrieval() *retrieval.Pipeline { return s.retriever }

// Chat returns the question answering flow.
func (s *Service) Chat() *chat.Flow { return s.flow }

// Telemetry returns the telemetry handle, for health reporting.
func (s *Service) Telemetry() *telemetry.Telemetry { return s.tel }

// Scrape renders a page into the named space's uploads.
//
// It requires a PageRenderer wired at construction. Past that check it
// follows the scrape service's detached-task contract: failures after
// space resolution land in the space's error/ prefix, not here.
func (s *Service) Scrape(ctx context.Context, spaceName, url string) error {
	if s.scraper == nil {
		return ErrNoRenderer
	}
	return s.scraper.Scrape(ctx, spaceName, url)
}

// DeleteSpace removes a space and every trace of it: the vector
// collection, the bucket, the registry entry, and any in-process chat
// session state.
func (s *Service) DeleteSpace(ctx context.Context, name string) error {
	if err := s.registry.Delete(ctx, name); err != nil {
		return err
	}
	s.sessions.Forget(name)
	return nil
}

// Close tears the service down in reverse construction order: the
// supervisor first (stopping any running job), then the reranker and
// the vector store, telemetry last. Repeated calls return the first
// call's result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.supervisor != nil {
			if err := s.supervisor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("supervisor: %w", err))
			}
		}
		if s.reranker != nil {
			if err := s.reranker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("reranker: %w", err))
			}
		}
		if s.vectors != nil {
			if err := s.vectors.Close(); err != nil {
				errs = append(errs, fmt.Errorf("vector store: %w", err))
			}
		}
		if s.tel != nil {
			if err := s.tel.Shutdown(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("telemetry: %w", err))
			}
		}
		if s.logger != nil {
			_ = s.logger.Sync()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
