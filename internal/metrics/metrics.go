// Package metrics defines the server's Prometheus metrics. They are
// scraped via the admin HTTP surface (internal/admin), which mounts
// promhttp.Handler() directly against the default registry these
// register into.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the server updates while
// ingesting, archiving, and fanning out trace entries.
type Metrics struct {
	EntriesIngestedTotal  *prometheus.CounterVec
	IngestErrorsTotal     *prometheus.CounterVec
	IngestDuration        prometheus.Histogram
	StorageFullTotal      prometheus.Counter
	ArchivalRunsTotal     prometheus.Counter
	ArchivedEntriesTotal  prometheus.Counter
	ArchivalDuration      prometheus.Histogram
	NukeTotal             prometheus.Counter
	GUIConnectionsCurrent prometheus.Gauge
	ProducerConnectionsCurrent prometheus.Gauge
	BroadcastFailuresTotal *prometheus.CounterVec
	StorePages            prometheus.Gauge
	CacheSize             *prometheus.GaugeVec
	ProcessRSSBytes       prometheus.Gauge
	ProcessOpenFDs        prometheus.Gauge
	ProcessGoroutines     prometheus.Gauge
	ArchiveDiskFreeBytes  prometheus.Gauge
	ArchiveDiskUsedBytes  prometheus.Gauge
}

// New registers and returns the full set of metrics against the default
// Prometheus registry.
func New() *Metrics {
	return &Metrics{
		EntriesIngestedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracetool_entries_ingested_total",
			Help: "Total number of trace entries successfully persisted.",
		}, []string{"entry_type"}),
		IngestErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracetool_ingest_errors_total",
			Help: "Total number of ingest operations that failed.",
		}, []string{"kind"}),
		IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracetool_ingest_duration_seconds",
			Help:    "Time spent persisting and broadcasting a single trace entry.",
			Buckets: prometheus.DefBuckets,
		}),
		StorageFullTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracetool_storage_full_total",
			Help: "Total number of commits that failed with the engine's storage-full signal.",
		}),
		ArchivalRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracetool_archival_runs_total",
			Help: "Total number of archival passes performed.",
		}),
		ArchivedEntriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracetool_archived_entries_total",
			Help: "Total number of trace entries moved into an archive store.",
		}),
		ArchivalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracetool_archival_duration_seconds",
			Help:    "Time spent performing one archival pass.",
			Buckets: prometheus.DefBuckets,
		}),
		NukeTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracetool_nuke_total",
			Help: "Total number of nuke_database operations performed.",
		}),
		GUIConnectionsCurrent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_gui_connections_current",
			Help: "Number of GUI clients currently connected.",
		}),
		ProducerConnectionsCurrent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_producer_connections_current",
			Help: "Number of producer clients currently connected.",
		}),
		BroadcastFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracetool_broadcast_failures_total",
			Help: "Total number of failed per-GUI frame deliveries.",
		}, []string{"datagram_type"}),
		StorePages: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_store_pages",
			Help: "Current page count occupied by the live store.",
		}),
		CacheSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracetool_cache_size",
			Help: "Current entry count of each normalization cache.",
		}, []string{"cache"}),
		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_process_rss_bytes",
			Help: "Resident set size of the server process.",
		}),
		ProcessOpenFDs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_process_open_fds",
			Help: "Number of open file descriptors held by the server process.",
		}),
		ProcessGoroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_process_goroutines",
			Help: "Number of live goroutines in the server process.",
		}),
		ArchiveDiskFreeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_archive_disk_free_bytes",
			Help: "Free bytes on the filesystem backing the archive directory.",
		}),
		ArchiveDiskUsedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracetool_archive_disk_used_bytes",
			Help: "Used bytes on the filesystem backing the archive directory.",
		}),
	}
}
