// Package config provides configuration loading for corpusd.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the corpusd service.
type Config struct {
	Milvus      MilvusConfig      `koanf:"milvus"`
	Minio       MinioConfig       `koanf:"minio"`
	Ollama      OllamaConfig      `koanf:"ollama"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Project     ProjectConfig     `koanf:"project"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// MilvusConfig holds connection settings for the Milvus vector database.
type MilvusConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Address returns the gRPC address in host:port form.
func (c MilvusConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MinioConfig holds connection settings for the MinIO object store.
type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey Secret `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// OllamaConfig holds settings for the Ollama model server.
type OllamaConfig struct {
	BaseURL string `koanf:"base_url"`

	// RequestsPerSecond throttles embedding and chat calls.
	// Zero means no throttling.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// VectorStoreConfig selects and configures the vector store provider.
type VectorStoreConfig struct {
	// Provider is "milvus" (default) or "chromem" (embedded).
	Provider string `koanf:"provider"`

	// Path is the persistence directory for the embedded provider.
	Path string `koanf:"path"`

	// Compress enables gzip compression for embedded persistence.
	Compress bool `koanf:"compress"`
}

// ProjectConfig holds local filesystem settings.
type ProjectConfig struct {
	// Path is the scratch root for download caches. Default: /workspace.
	Path string `koanf:"path"`
}

// LoggingConfig holds logger settings. Parsed into the logging package's
// richer config by the service facade.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	ServiceName     string   `koanf:"service_name"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"`
	Insecure        bool     `koanf:"insecure"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Milvus.Host == "" {
		return fmt.Errorf("milvus host cannot be empty")
	}
	if c.Milvus.Port < 1 || c.Milvus.Port > 65535 {
		return fmt.Errorf("milvus port out of range: %d", c.Milvus.Port)
	}
	if c.Minio.Endpoint == "" {
		return fmt.Errorf("minio endpoint cannot be empty")
	}
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama base URL cannot be empty")
	}
	if c.Ollama.RequestsPerSecond < 0 {
		return fmt.Errorf("ollama requests_per_second cannot be negative")
	}
	switch c.VectorStore.Provider {
	case "milvus", "chromem":
	default:
		return fmt.Errorf("unsupported vectorstore provider: %s (supported: milvus, chromem)", c.VectorStore.Provider)
	}
	if c.VectorStore.Provider == "chromem" && c.VectorStore.Path == "" {
		return fmt.Errorf("vectorstore path required for chromem provider")
	}
	if c.Project.Path == "" {
		return fmt.Errorf("project path cannot be empty")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint required when telemetry enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry sampling rate must be in [0, 1], got %g", c.Telemetry.SamplingRate)
		}
		if c.Telemetry.Insecure && !isLocalEndpoint(c.Telemetry.Endpoint) {
			return fmt.Errorf("telemetry insecure mode is only allowed for local endpoints, got %q", c.Telemetry.Endpoint)
		}
	}
	return nil
}

// isLocalEndpoint reports whether an endpoint points at this host.
// Plaintext OTLP export is restricted to local collectors.
func isLocalEndpoint(endpoint string) bool {
	host := endpoint
	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6 such as [::1]:4317.
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}

	return host == "localhost" ||
		host == "::1" ||
		host == "127.0.0.1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(endpoint, "::1")
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Milvus.Host == "" {
		cfg.Milvus.Host = "localhost"
	}
	if cfg.Milvus.Port == 0 {
		cfg.Milvus.Port = 19530
	}

	if cfg.Minio.Endpoint == "" {
		cfg.Minio.Endpoint = "minio:9000"
	}
	if cfg.Minio.AccessKey == "" {
		cfg.Minio.AccessKey = "minioadmin"
	}
	if !cfg.Minio.SecretKey.IsSet() {
		cfg.Minio.SecretKey = "minioadmin"
	}

	if cfg.Ollama.BaseURL == "" {
		cfg.Ollama.BaseURL = "http://localhost:11434"
	}
	if cfg.Ollama.Burst == 0 {
		cfg.Ollama.Burst = 4
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "milvus"
	}

	if cfg.Project.Path == "" {
		cfg.Project.Path = "/workspace"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "corpusd"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(60 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(10 * time.Second)
	}
}
