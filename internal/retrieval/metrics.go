package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts retrieval queries.
	// Labels: result (success, error)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Total number of retrieval queries",
		},
		[]string{"result"},
	)

	// QueryDuration tracks end-to-end retrieval latency.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corpusd",
			Subsystem: "retrieval",
			Name:      "query_duration_seconds",
			Help:      "End-to-end duration of retrieval queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// FusedCandidates tracks how many distinct candidates rank fusion
	// produced per query.
	FusedCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corpusd",
			Subsystem: "retrieval",
			Name:      "fused_candidates",
			Help:      "Distinct candidates produced by rank fusion per query",
			Buckets:   prometheus.LinearBuckets(0, 10, 10),
		},
	)

	// SparseLookups counts BM25 artifact lookups.
	// Labels: result (hit, absent, error)
	SparseLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "retrieval",
			Name:      "sparse_lookups_total",
			Help:      "Total BM25 artifact lookups by outcome",
		},
		[]string{"result"},
	)

	// RerankOutcomes counts how the rerank stage resolved.
	// Labels: outcome (applied, fallback, unavailable, disabled)
	RerankOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "retrieval",
			Name:      "rerank_outcomes_total",
			Help:      "Total rerank stage resolutions by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordQuery records the outcome and duration of one pipeline run.
func RecordQuery(success bool, seconds float64) {
	result := "error"
	if success {
		result = "success"
	}
	QueriesTotal.WithLabelValues(result).Inc()
	QueryDuration.Observe(seconds)
}
