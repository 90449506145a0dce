// Package metrics provides Prometheus metrics export for the relay
// pipeline: webhook outcomes, AI queue pressure and dispatcher retries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/chatrelay/engine"
)

const namespace = "chatrelay"

// Exporter registers and serves the pipeline metrics. Queue gauges are
// sampled from the stats provider at scrape time.
type Exporter struct {
	registry *prometheus.Registry

	webhookOutcomes *prometheus.CounterVec
	webhookLatency  prometheus.Histogram
	dispatchRetries *prometheus.CounterVec
	storageDegraded prometheus.Gauge
}

// NewExporter creates the exporter on its own registry. stats may be nil
// when no queue-backed AI port is wired.
func NewExporter(stats engine.QueueStatsProvider) *Exporter {
	registry := prometheus.NewRegistry()
	e := &Exporter{registry: registry}

	e.webhookOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "outcomes_total",
			Help:      "Webhook requests by handler outcome",
		},
		[]string{"status"},
	)
	e.webhookLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "End to end webhook handling latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)
	e.dispatchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Dispatcher retry attempts by operation",
		},
		[]string{"op"},
	)
	e.storageDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "utm_degraded",
			Help:      "1 while the utm_source column fallback is active",
		},
	)
	registry.MustRegister(e.webhookOutcomes, e.webhookLatency, e.dispatchRetries, e.storageDegraded)

	if stats != nil {
		registry.MustRegister(
			queueGauge(stats, "active", "Permits currently held", func(s engine.QueueStatsSnapshot) float64 {
				return float64(s.Active)
			}),
			queueGauge(stats, "waiting", "Callers queued for a permit", func(s engine.QueueStatsSnapshot) float64 {
				return float64(s.Queued)
			}),
			queueGauge(stats, "dropped_total", "Requests rejected since boot", func(s engine.QueueStatsSnapshot) float64 {
				return float64(s.DroppedSinceBoot)
			}),
			queueGauge(stats, "avg_wait_ms", "Average admit wait in milliseconds", func(s engine.QueueStatsSnapshot) float64 {
				return float64(s.AvgWaitMs)
			}),
		)
	}
	return e
}

func queueGauge(stats engine.QueueStatsProvider, name, help string, value func(engine.QueueStatsSnapshot) float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ai_queue",
			Name:      name,
			Help:      help,
		},
		func() float64 { return value(stats.QueueStats()) },
	)
}

// ObserveWebhook records one handled webhook request.
func (e *Exporter) ObserveWebhook(status string, latencySeconds float64) {
	e.webhookOutcomes.WithLabelValues(status).Inc()
	e.webhookLatency.Observe(latencySeconds)
}

// ObserveDispatchRetry counts one dispatcher retry for op.
func (e *Exporter) ObserveDispatchRetry(op string) {
	e.dispatchRetries.WithLabelValues(op).Inc()
}

// SetStorageDegraded mirrors the utm fallback flag.
func (e *Exporter) SetStorageDegraded(degraded bool) {
	if degraded {
		e.storageDegraded.Set(1)
		return
	}
	e.storageDegraded.Set(0)
}

// Handler serves the scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
