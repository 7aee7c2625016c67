// Package metrics provides Prometheus instrumentation for pairwise runs.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus metric collectors of a run.
type Metrics struct {
	ItemsProcessed *prometheus.CounterVec
	ItemDuration   *prometheus.HistogramVec
	PairsScored    *prometheus.CounterVec
	Placeholders   prometheus.Counter
	SinkErrors     *prometheus.CounterVec
	ActiveWorkers  prometheus.Gauge
	FlushSteps     prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		ItemsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairwise_work_items_total",
				Help: "Total work items (batch pairs) computed by metric.",
			},
			[]string{"metric"},
		),
		ItemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairwise_work_item_duration_seconds",
				Help:    "Kernel plus sink time per work item.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"metric"},
		),
		PairsScored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairwise_pairs_scored_total",
				Help: "Total key pairs with a computed score by metric.",
			},
			[]string{"metric"},
		),
		Placeholders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pairwise_null_placeholders_total",
				Help: "Total placeholder records emitted for pairs involving a null vector.",
			},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairwise_sink_errors_total",
				Help: "Total failed sink writes by sink kind.",
			},
			[]string{"sink"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pairwise_active_workers",
				Help: "Number of workers currently computing.",
			},
		),
		FlushSteps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pairwise_flush_steps_total",
				Help: "Total collective flush steps completed.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ItemsProcessed,
		m.ItemDuration,
		m.PairsScored,
		m.Placeholders,
		m.SinkErrors,
		m.ActiveWorkers,
		m.FlushSteps,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the current state of every collector to a Pushgateway. Batch
// runs end before a scraper would see them, so this is the usual way out.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}

// RecordItem records one computed work item.
func (m *Metrics) RecordItem(metric string, pairs int, duration time.Duration) {
	m.ItemsProcessed.WithLabelValues(metric).Inc()
	m.PairsScored.WithLabelValues(metric).Add(float64(pairs))
	m.ItemDuration.WithLabelValues(metric).Observe(duration.Seconds())
}

// RecordPlaceholders records emitted null placeholders.
func (m *Metrics) RecordPlaceholders(n int64) {
	m.Placeholders.Add(float64(n))
}

// RecordSinkError records a failed sink write.
func (m *Metrics) RecordSinkError(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// WorkerStarted marks a worker active; the returned func marks it done.
func (m *Metrics) WorkerStarted() func() {
	m.ActiveWorkers.Inc()
	return m.ActiveWorkers.Dec
}

// RecordFlush records a completed collective flush step.
func (m *Metrics) RecordFlush() {
	m.FlushSteps.Inc()
}
