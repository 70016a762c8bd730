package anchoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evident_anchor_batches_total",
		Help: "Anchoring batches by outcome.",
	}, []string{"result"})

	sealsAnchoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evident_seals_anchored_total",
		Help: "Seals whose batch root was anchored.",
	})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evident_anchor_attempt_duration_seconds",
		Help:    "Duration of a single anchoring attempt.",
		Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120},
	}, []string{"anchorer", "result"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evident_anchor_queue_depth",
		Help: "Seals waiting to be anchored at the last drain.",
	})
)
