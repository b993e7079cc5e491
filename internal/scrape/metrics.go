package scrape

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScrapesTotal counts scrape attempts.
	// Labels: result (stored, failed)
	ScrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "scrape",
			Name:      "scrapes_total",
			Help:      "Total number of scrape attempts by outcome",
		},
		[]string{"result"},
	)

	// RenderDuration tracks page render latency, including failed
	// renders.
	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corpusd",
			Subsystem: "scrape",
			Name:      "render_duration_seconds",
			Help:      "Duration of page renders in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)
)
