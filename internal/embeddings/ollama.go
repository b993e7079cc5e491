package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

// Config holds configuration for the Ollama embedding client.
type Config struct {
	// BaseURL is the Ollama server URL.
	// Default: "http://localhost:11434"
	BaseURL string

	// Model is the embedding model to use.
	// Default: "nomic-embed-text"
	Model string

	// RequestsPerSecond throttles embedding requests.
	// Zero means no throttling.
	RequestsPerSecond float64

	// Burst is the throttle burst size.
	// Default: 4 (when throttling is enabled)
	Burst int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Burst == 0 {
		c.Burst = 4
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests per second cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// OllamaEmbedder generates embeddings through a local Ollama server.
//
// Ollama embeds one prompt per request, so batch calls issue one request
// per text and the rate limiter takes one reservation per request.
type OllamaEmbedder struct {
	llm     *ollama.LLM
	config  Config
	limiter *rate.Limiter
	metrics *Metrics
}

// NewOllamaEmbedder creates an embedder for the configured model.
// No connection is made until the first embedding call.
func NewOllamaEmbedder(config Config) (*OllamaEmbedder, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	llm, err := ollama.New(
		ollama.WithServerURL(config.BaseURL),
		ollama.WithModel(config.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}

	return &OllamaEmbedder{
		llm:     llm,
		config:  config,
		limiter: limiter,
		metrics: NewMetrics(logging.NewNop()),
	}, nil
}

// NewOllamaFactory returns a Factory that binds each requested model
// to the same server and throttle settings. An empty model falls back
// to the base config's model, then to the package default.
func NewOllamaFactory(base Config) Factory {
	return func(model string) (Embedder, error) {
		cfg := base
		if model != "" {
			cfg.Model = model
		}
		return NewOllamaEmbedder(cfg)
	}
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string {
	return e.config.Model
}

// EmbedDocuments generates embeddings for multiple texts.
func (e *OllamaEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		e.metrics.RecordGeneration(ctx, e.config.Model, "embed_documents", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			genErr = err
			return nil, genErr
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		e.metrics.RecordGeneration(ctx, e.config.Model, "embed_query", time.Since(start), 1, genErr)
	}()

	if text == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	vec, err := e.embedOne(ctx, text)
	if err != nil {
		genErr = err
		return nil, genErr
	}
	return vec, nil
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	vectors, err := e.llm.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}
	return vectors[0], nil
}

// Ensure OllamaEmbedder implements Embedder interface.
var _ Embedder = (*OllamaEmbedder)(nil)
