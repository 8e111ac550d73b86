// Package metrics exposes broker and redelivery measurements on a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/redq/internal/destination"
)

const namespace = "redq"

// Metrics implements redelivery.Recorder and pebblestore.MetricsHook.
type Metrics struct {
	registry *prometheus.Registry

	redeliveries  *prometheus.CounterVec
	redeliveryDly *prometheus.HistogramVec
	deadLetters   *prometheus.CounterVec
	divertFailed  *prometheus.CounterVec
	decision      prometheus.Histogram
	tracked       prometheus.Gauge

	storageWrite  prometheus.Histogram
	storageRead   prometheus.Histogram
	storageCommit prometheus.Histogram
	storageBytes  *prometheus.CounterVec
}

// New builds a registry with Go and process collectors plus redq's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "scheduled_total",
			Help:      "Redeliveries scheduled after a failed acknowledgment.",
		}, []string{"kind"}),
		redeliveryDly: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "delay_seconds",
			Help:      "Computed redelivery delays.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
		}, []string{"kind"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "routed_total",
			Help:      "Messages diverted to a dead-letter destination.",
		}, []string{"kind", "reason"}),
		divertFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "divert_failures_total",
			Help:      "Dead-letter sends that failed and will be retried.",
		}, []string{"kind"}),
		decision: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "decision_seconds",
			Help:      "Time spent deciding between redelivery and diversion.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "pending_messages",
			Help:      "Messages with live redelivery state.",
		}),
		storageWrite:  storageHistogram("write_seconds", "Single-key write latency."),
		storageRead:   storageHistogram("read_seconds", "Single-key read latency."),
		storageCommit: storageHistogram("batch_commit_seconds", "Batch commit latency."),
		storageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes_total",
			Help:      "Bytes moved through the storage layer.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.redeliveries, m.redeliveryDly, m.deadLetters, m.divertFailed,
		m.decision, m.tracked,
		m.storageWrite, m.storageRead, m.storageCommit, m.storageBytes,
	)
	return m
}

func storageHistogram(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      name,
		Help:      help,
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 9),
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Destination names are unbounded, so only the kind is used as a label.

func (m *Metrics) Scheduled(dest destination.Destination, _ int, delay time.Duration) {
	m.redeliveries.WithLabelValues(dest.Kind.String()).Inc()
	m.redeliveryDly.WithLabelValues(dest.Kind.String()).Observe(delay.Seconds())
}

func (m *Metrics) DeadLettered(dest destination.Destination, reason string) {
	m.deadLetters.WithLabelValues(dest.Kind.String(), reason).Inc()
}

func (m *Metrics) DivertFailed(dest destination.Destination) {
	m.divertFailed.WithLabelValues(dest.Kind.String()).Inc()
}

func (m *Metrics) Decided(elapsed time.Duration) { m.decision.Observe(elapsed.Seconds()) }

func (m *Metrics) Tracked(delta int) { m.tracked.Add(float64(delta)) }

func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.storageWrite.Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storageRead.Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	m.storageCommit.Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("commit").Add(float64(bytes))
}
