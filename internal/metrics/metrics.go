// Package metrics exposes Prometheus instrumentation for the backup
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	BackupsTotal   *prometheus.CounterVec
	BytesProcessed prometheus.Counter
	BytesStored    prometheus.Counter
	ChunkRetries   prometheus.Counter
	VerifyFailures prometheus.Counter
	ActiveBackups  prometheus.Gauge
	BackupSeconds  prometheus.Histogram
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		BackupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapvault",
			Name:      "backups_total",
			Help:      "Backups finished, partitioned by terminal status.",
		}, []string{"status"}),
		BytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snapvault",
			Name:      "bytes_processed_total",
			Help:      "Plaintext bytes read from source files.",
		}),
		BytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snapvault",
			Name:      "bytes_stored_total",
			Help:      "Post-transform bytes written to the destination.",
		}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snapvault",
			Name:      "chunk_retries_total",
			Help:      "Chunk uploads that needed a retry attempt.",
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snapvault",
			Name:      "verify_failures_total",
			Help:      "Integrity sweeps or restores that failed verification.",
		}),
		ActiveBackups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snapvault",
			Name:      "active_backups",
			Help:      "Backups currently in flight.",
		}),
		BackupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "snapvault",
			Name:      "backup_duration_seconds",
			Help:      "Wall-clock duration of finished backups.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}

	reg.MustRegister(
		m.BackupsTotal,
		m.BytesProcessed,
		m.BytesStored,
		m.ChunkRetries,
		m.VerifyFailures,
		m.ActiveBackups,
		m.BackupSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
