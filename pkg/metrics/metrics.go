// Package metrics exposes the storage engine core's own operational
// metrics via Prometheus. These are internal to the adapter (record
// store / index / oplog / recovery-unit behavior); the host database's
// own metrics surface is out of scope (spec §1).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Record store metrics
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hsekv_records_total",
			Help: "Current numRecords per ident",
		},
		[]string{"ident"},
	)

	DataSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hsekv_data_size_bytes",
			Help: "Current dataSize per ident",
		},
		[]string{"ident"},
	)

	RecordStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsekv_record_store_ops_total",
			Help: "Total record store operations by kind and result",
		},
		[]string{"op", "result"},
	)

	RecordStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hsekv_record_store_op_duration_seconds",
			Help:    "Record store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Index metrics
	IndexSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hsekv_index_size_bytes",
			Help: "Current indexSize per ident",
		},
		[]string{"ident"},
	)

	IndexOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsekv_index_ops_total",
			Help: "Total index operations by kind and result",
		},
		[]string{"op", "result"},
	)

	DuplicateKeyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsekv_index_duplicate_key_total",
			Help: "Total unique-index duplicate-key rejections",
		},
	)

	// Oplog metrics
	OplogBlocksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hsekv_oplog_blocks_total",
			Help: "Current number of oplog blocks in the deque",
		},
	)

	OplogReclaimedBlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsekv_oplog_reclaimed_blocks_total",
			Help: "Total oplog blocks reclaimed",
		},
	)

	OplogReclaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hsekv_oplog_reclaim_duration_seconds",
			Help:    "Time spent reclaiming one excess oplog block",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogPersistBoundary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hsekv_oplog_persist_boundary",
			Help: "Current oplog persist boundary record id",
		},
	)

	OplogCommitBoundary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hsekv_oplog_commit_boundary",
			Help: "Current oplog commit boundary record id",
		},
	)

	// Recovery unit / write-conflict metrics
	WriteConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsekv_write_conflicts_total",
			Help: "Total write conflicts raised by recovery units",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hsekv_recovery_unit_commit_duration_seconds",
			Help:    "Recovery unit commit latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Counter manager / durability metrics
	CounterSyncTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsekv_counter_sync_total",
			Help: "Total counter-manager sync passes",
		},
	)

	DurabilitySyncTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsekv_durability_sync_total",
			Help: "Total durability manager sync() calls",
		},
	)

	DurabilityGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hsekv_durability_generation",
			Help: "Current durability sync generation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		DataSizeBytes,
		RecordStoreOpsTotal,
		RecordStoreOpDuration,
		IndexSizeBytes,
		IndexOpsTotal,
		DuplicateKeyTotal,
		OplogBlocksTotal,
		OplogReclaimedBlocksTotal,
		OplogReclaimDuration,
		OplogPersistBoundary,
		OplogCommitBoundary,
		WriteConflictsTotal,
		CommitDuration,
		CounterSyncTotal,
		DurabilitySyncTotal,
		DurabilityGeneration,
	)
}

// Handler returns the Prometheus HTTP handler for the engine's own
// metrics registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
