package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrGenerationFailed indicates the model returned no usable answer.
	ErrGenerationFailed = errors.New("chat generation failed")
)

// DefaultModel answers when the caller passes no model.
const DefaultModel = "llama3.2"

// Config holds configuration for the Ollama chat client.
type Config struct {
	// BaseURL is the Ollama server URL.
	// Default: "http://localhost:11434"
	BaseURL string

	// RequestsPerSecond throttles generation requests.
	// Zero means no throttling.
	RequestsPerSecond float64

	// Burst is the throttle burst size.
	// Default: 2 (when throttling is enabled)
	Burst int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Burst == 0 {
		c.Burst = 2
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests per second cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// OllamaChatter generates answers through a local Ollama server.
//
// The model varies per call (each space configures its own), so the
// client is built per request rather than cached; model handles are
// cheap.
type OllamaChatter struct {
	config  Config
	limiter *rate.Limiter
}

// NewOllamaChatter creates a chatter bound to the configured server.
// No connection is made until the first generation call.
func NewOllamaChatter(config Config) (*OllamaChatter, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}

	return &OllamaChatter{config: config, limiter: limiter}, nil
}

// Generate produces a completion for prompt with the given model and
// temperature. onToken, when non-nil, receives each streamed token.
func (c *OllamaChatter) Generate(ctx context.Context, model, prompt string, temperature float64, onToken func(string)) (string, error) {
	if model == "" {
		model = DefaultModel
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	llm, err := ollama.New(
		ollama.WithServerURL(c.config.BaseURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return "", fmt.Errorf("creating ollama client: %w", err)
	}

	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if onToken != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			onToken(string(chunk))
			return nil
		}))
	}

	resp, err := llm.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
		opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}
	return resp.Choices[0].Content, nil
}

// Ensure OllamaChatter implements Chatter interface.
var _ Chatter = (*OllamaChatter)(nil)
