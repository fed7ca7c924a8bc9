package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packpulse",
		Subsystem: "sync",
		Name:      "results_total",
		Help:      "Outcomes of package synchronization attempts.",
	}, []string{"status"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "packpulse",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall time of full synchronization attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
