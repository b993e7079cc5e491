package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
)

func TestNew_DerivesKeys(t *testing.T) {
	s, err := New("My Space", Config{})
	require.NoError(t, err)
	assert.Equal(t, "My Space", s.Name)
	assert.Equal(t, "my-space", s.StorageKey)
	assert.Equal(t, "My_Space", s.CollectionKey)
	assert.Equal(t, DefaultConfig(), s.Config)
}

func TestNew_EmptyName(t *testing.T) {
	_, err := New("", Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.Invalid)
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{ChunkSize: 300}.Normalize()
	assert.Equal(t, 300, cfg.ChunkSize)
	assert.Equal(t, "llama3.2", cfg.LLMModel)
	assert.Equal(t, "nomic-embed-text", cfg.EmbeddingModel)
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.InDelta(t, 0.7, cfg.Temperature, 1e-9)

	full := Config{
		ChunkSize:      2000,
		LLMModel:       "mistral",
		Temperature:    1.5,
		EmbeddingModel: "mxbai-embed-large",
		EmbeddingDim:   1024,
	}
	assert.Equal(t, full, full.Normalize())

	// A custom model without a dimension stays at zero until the first
	// indexing run probes it.
	custom := Config{EmbeddingModel: "mxbai-embed-large"}.Normalize()
	assert.Equal(t, "mxbai-embed-large", custom.EmbeddingModel)
	assert.Zero(t, custom.EmbeddingDim)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"chunk size floor", Config{ChunkSize: 100, LLMModel: "m", Temperature: 0.1, EmbeddingModel: "e"}, false},
		{"chunk size too small", Config{ChunkSize: 99, LLMModel: "m", Temperature: 0.1, EmbeddingModel: "e"}, true},
		{"chunk size too large", Config{ChunkSize: 5001, LLMModel: "m", Temperature: 0.1, EmbeddingModel: "e"}, true},
		{"temperature ceiling", Config{ChunkSize: 1000, LLMModel: "m", Temperature: 2.0, EmbeddingModel: "e"}, false},
		{"temperature too high", Config{ChunkSize: 1000, LLMModel: "m", Temperature: 2.1, EmbeddingModel: "e"}, true},
		{"negative temperature", Config{ChunkSize: 1000, LLMModel: "m", Temperature: -0.1, EmbeddingModel: "e"}, true},
		{"missing llm model", Config{ChunkSize: 1000, Temperature: 0.5, EmbeddingModel: "e"}, true},
		{"missing embedding model", Config{ChunkSize: 1000, LLMModel: "m", Temperature: 0.5}, true},
		{"negative dim", Config{ChunkSize: 1000, LLMModel: "m", Temperature: 0.5, EmbeddingModel: "e", EmbeddingDim: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, fault.Invalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
