// Corpusd is the document indexing and retrieval daemon.
//
// This binary wires the full service from environment configuration:
// MinIO object storage, the Milvus or chromem vector store, and Ollama
// for embeddings and chat. The request surface mounts the service as a
// library; the binary itself exposes Prometheus metrics and a health
// probe on an ops listener.
//
// Configuration is loaded from environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	corpusd
//
//	# Configure via environment
//	MINIO_ENDPOINT=minio:9000 MILVUS_HOST=milvus corpusd
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  corpusd           Start the corpusd daemon\n")
			fmt.Fprintf(os.Stderr, "  corpusd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("corpusd error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("corpusd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the service and blocks until the context is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting corpusd",
		zap.String("version", version),
		zap.String("minio", cfg.Minio.Endpoint),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("ollama", cfg.Ollama.BaseURL))

	svc, err := corpusd.New(ctx, cfg, corpusd.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	// Ops listener: metrics and liveness only. The request surface is
	// mounted by the embedding host, not here.
	addr := getEnvOrDefault("CORPUSD_OPS_ADDR", ":9090")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		tel := svc.Telemetry().Health()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":             "ok",
			"version":            version,
			"telemetry_healthy":  tel.Healthy,
			"telemetry_degraded": tel.Degraded,
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info(ctx, "corpusd ready",
		zap.Int("spaces", len(svc.Spaces().List())),
		zap.String("ops_addr", addr),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("health_endpoint", "/healthz"))

	select {
	case err := <-errCh:
		return fmt.Errorf("ops listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "ops listener shutdown", zap.Error(err))
	}

	return svc.Close()
}

// initLogger builds the structured logger from the logging section.
func initLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.NewDefaultConfig()
	lc.Level = level
	lc.Format = cfg.Format
	return logging.NewLogger(lc)
}

// getEnvOrDefault gets environment variable or returns default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
