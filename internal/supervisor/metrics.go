package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Subscribers tracks the number of live progress subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "corpusd",
		Subsystem: "supervisor",
		Name:      "subscribers",
		Help:      "Live progress subscribers.",
	})

	// DroppedEvents counts progress events discarded on queue overflow.
	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corpusd",
		Subsystem: "supervisor",
		Name:      "dropped_events_total",
		Help:      "Progress events dropped because the queue was full.",
	})
)
