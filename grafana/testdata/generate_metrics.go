// Generate-metrics serves randomized corpusd metrics for exercising
// Grafana dashboards without real production traffic.
//
// It drives the service's own Prometheus collectors, so every metric
// name, label set, and bucket layout matches what a live corpusd
// exposes. Point a Prometheus scrape job at it and build dashboards
// against the generated series.
//
// Usage:
//
//	PORT=9091 go run ./grafana/testdata
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/corpusd/internal/chat"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/scrape"
	"github.com/fyrsmithlabs/corpusd/internal/supervisor"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9091"
	}

	// Seed a plausible history so rate() panels have data immediately.
	generateSampleData()

	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + port,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'corpusd-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func generateSampleData() {
	// Indexing runs: mostly clean completions, a few stops and errors.
	for i := 0; i < 20; i++ {
		outcome := weighted(map[string]float64{"complete": 0.8, "stopped": 0.1, "error": 0.1})
		ingest.RecordJob(outcome, 5+rand.Float64()*300)
	}
	for i := 0; i < 400; i++ {
		ingest.FilesProcessed.Inc()
		ingest.ChunksEmbedded.Add(float64(rand.Intn(12) + 1))
		if rand.Float64() > 0.97 {
			ingest.FileErrors.Inc()
		}
	}

	// Retrieval queries with the occasional sparse-index miss.
	for i := 0; i < 200; i++ {
		retrieval.RecordQuery(rand.Float64() > 0.05, rand.Float64()*0.8)
		retrieval.FusedCandidates.Observe(float64(rand.Intn(40)))
		retrieval.SparseLookups.WithLabelValues(
			weighted(map[string]float64{"hit": 0.85, "absent": 0.1, "error": 0.05})).Inc()
		retrieval.RerankOutcomes.WithLabelValues(
			weighted(map[string]float64{"applied": 0.6, "disabled": 0.25, "fallback": 0.1, "unavailable": 0.05})).Inc()
	}

	// Chat asks, generation latency dominating.
	for i := 0; i < 80; i++ {
		chat.RecordAsk(rand.Float64() > 0.04, 0.5+rand.Float64()*8)
	}

	// Scrapes.
	for i := 0; i < 30; i++ {
		scrape.ScrapesTotal.WithLabelValues(
			weighted(map[string]float64{"stored": 0.9, "failed": 0.1})).Inc()
		scrape.RenderDuration.Observe(0.5 + rand.Float64()*10)
	}

	supervisor.Subscribers.Set(float64(rand.Intn(4)))
	for i := 0; i < 3; i++ {
		supervisor.DroppedEvents.Inc()
	}
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rand.Float64() > 0.9 {
				outcome := weighted(map[string]float64{"complete": 0.8, "stopped": 0.1, "error": 0.1})
				ingest.RecordJob(outcome, 5+rand.Float64()*300)
				ingest.FilesProcessed.Add(float64(rand.Intn(30)))
				ingest.ChunksEmbedded.Add(float64(rand.Intn(200)))
			}
			if rand.Float64() > 0.3 {
				retrieval.RecordQuery(rand.Float64() > 0.05, rand.Float64()*0.8)
				retrieval.FusedCandidates.Observe(float64(rand.Intn(40)))
				retrieval.SparseLookups.WithLabelValues(
					weighted(map[string]float64{"hit": 0.85, "absent": 0.1, "error": 0.05})).Inc()
				retrieval.RerankOutcomes.WithLabelValues(
					weighted(map[string]float64{"applied": 0.6, "disabled": 0.25, "fallback": 0.1, "unavailable": 0.05})).Inc()
			}
			if rand.Float64() > 0.5 {
				chat.RecordAsk(rand.Float64() > 0.04, 0.5+rand.Float64()*8)
			}
			if rand.Float64() > 0.8 {
				scrape.ScrapesTotal.WithLabelValues(
					weighted(map[string]float64{"stored": 0.9, "failed": 0.1})).Inc()
				scrape.RenderDuration.Observe(0.5 + rand.Float64()*10)
			}

			supervisor.Subscribers.Set(float64(rand.Intn(4)))
			if rand.Float64() > 0.95 {
				supervisor.DroppedEvents.Inc()
			}
		}
	}
}

// weighted picks a key with probability proportional to its weight.
func weighted(choices map[string]float64) string {
	var total float64
	for _, w := range choices {
		total += w
	}
	r := rand.Float64() * total
	for key, w := range choices {
		r -= w
		if r <= 0 {
			return key
		}
	}
	for key := range choices {
		return key
	}
	return ""
}
