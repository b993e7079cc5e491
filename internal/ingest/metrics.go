package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts indexing runs.
	// Labels: outcome (complete, stopped, error)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "ingest",
			Name:      "jobs_total",
			Help:      "Total number of indexing runs by outcome",
		},
		[]string{"outcome"},
	)

	// JobDuration tracks wall-clock duration of indexing runs.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corpusd",
			Subsystem: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of indexing runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// FilesProcessed counts files the worker attempted, including files
	// skipped after extraction or embedding errors.
	FilesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "ingest",
			Name:      "files_processed_total",
			Help:      "Total files attempted across indexing runs",
		},
	)

	// FileErrors counts files skipped because extraction or embedding
	// failed.
	FileErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "ingest",
			Name:      "file_errors_total",
			Help:      "Total files skipped by indexing runs after per-file errors",
		},
	)

	// ChunksEmbedded counts chunks embedded and staged for insert.
	ChunksEmbedded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "ingest",
			Name:      "chunks_embedded_total",
			Help:      "Total chunks embedded across indexing runs",
		},
	)
)

// RecordJob records the outcome and duration of one indexing run.
func RecordJob(outcome string, seconds float64) {
	JobsTotal.WithLabelValues(outcome).Inc()
	JobDuration.Observe(seconds)
}
