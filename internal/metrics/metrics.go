// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueLength is the number of mutations waiting in the retry queue.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowsync_queue_length",
		Help: "Mutations waiting in the retry queue",
	})

	// QueuePressure is 1 while the queue is in a pressure mode.
	QueuePressure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowsync_queue_pressure",
		Help: "Queue pressure mode by reason (1 active, 0 clear)",
	}, []string{"reason"})

	// QueueDrops counts mutations removed without reaching the remote store.
	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsync_queue_drops_total",
		Help: "Mutations dropped from the queue by reason",
	}, []string{"reason"})

	// QueuePasses counts queue processing passes by outcome.
	QueuePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsync_queue_passes_total",
		Help: "Queue processing passes by outcome",
	}, []string{"outcome"})

	// PassDuration tracks how long a queue pass takes.
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowsync_queue_pass_duration_seconds",
		Help:    "Queue pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// Pushes counts remote writes by entity type and result.
	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsync_pushes_total",
		Help: "Remote writes by entity type and result",
	}, []string{"entity_type", "result"})

	// CircuitState is 0 closed, 1 open, 2 half-open.
	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowsync_circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	// ImmediateRetries counts immediate backoff attempts by result.
	ImmediateRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsync_immediate_retries_total",
		Help: "Immediate retry attempts by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
