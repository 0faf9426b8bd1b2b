package agent

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdviewer_operations_total",
			Help: "Total worker operations by command and terminal state.",
		},
		[]string{"command", "state"},
	)

	operationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdviewer_operations_active",
			Help: "Worker operations currently running.",
		},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdviewer_operation_duration_seconds",
			Help:    "Worker operation wall time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdviewer_batches_total",
			Help: "Finished batches by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(operationsActive)
	prometheus.MustRegister(operationDuration)
	prometheus.MustRegister(batchesTotal)
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
