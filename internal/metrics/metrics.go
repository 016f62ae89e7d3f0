// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logsentinel"

// Drop reasons used with EventsDropped.
const (
	ReasonUnparsed  = "unparsed"
	ReasonInvalid   = "invalid"
	ReasonQueueFull = "queue_full"
	ReasonEvicted   = "evicted"
	ReasonOversized = "oversized"
)

// Metrics holds every collector of one pipeline. Each instance owns its
// registry so tests and multiple pipelines do not collide.
type Metrics struct {
	registry *prometheus.Registry

	LinesRead         *prometheus.CounterVec
	EventsParsed      *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	DetectionPasses   prometheus.Counter
	DetectionDuration prometheus.Histogram
	AlertsEmitted     *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec
	BatchSize         prometheus.Gauge
	QueueDepth        prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LinesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Raw log lines received, by transport.",
		}, []string{"transport"}),
		EventsParsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_parsed_total",
			Help:      "Lines successfully turned into events, by transport.",
		}, []string{"transport"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lines or events discarded, by reason.",
		}, []string{"reason"}),
		DetectionPasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_passes_total",
			Help:      "Detection passes run over the accumulated batch.",
		}),
		DetectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Wall time of a detection pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_emitted_total",
			Help:      "Alerts handed to sinks, by rule type.",
		}, []string{"type"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed sink writes, by sink.",
		}, []string{"sink"}),
		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_events",
			Help:      "Events in the accumulated detection batch.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the ingest queue.",
		}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
