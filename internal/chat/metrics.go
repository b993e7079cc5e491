package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AsksTotal counts ask flows.
	// Labels: result (success, error)
	AsksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "chat",
			Name:      "asks_total",
			Help:      "Total number of ask flows by outcome",
		},
		[]string{"result"},
	)

	// AskDuration tracks end-to-end ask latency, generation included.
	AskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corpusd",
			Subsystem: "chat",
			Name:      "ask_duration_seconds",
			Help:      "End-to-end duration of ask flows in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)

// RecordAsk records the outcome and duration of one ask flow.
func RecordAsk(success bool, seconds float64) {
	result := "error"
	if success {
		result = "success"
	}
	AsksTotal.WithLabelValues(result).Inc()
	AskDuration.Observe(seconds)
}
