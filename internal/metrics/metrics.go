// Package metrics provides Prometheus metrics for GaldrDb
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for GaldrDb
type Metrics struct {
	// Transaction metrics
	CommitsTotal      *prometheus.CounterVec
	CommitDuration    prometheus.Histogram
	ConflictsTotal    prometheus.Counter
	TxnsActive        prometheus.Gauge

	// Engine operation metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec

	// Page cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CachePages          prometheus.Gauge

	// WAL metrics
	WalFramesTotal      prometheus.Counter
	WalSizeBytes        prometheus.Gauge
	CheckpointsTotal    prometheus.Counter
	RecoveredTxnsTotal  prometheus.Counter

	// Storage metrics
	DbPagesTotal      prometheus.Gauge
	DbFreePagesTotal  prometheus.Gauge
	CollectionsTotal  prometheus.Gauge

	// Query metrics
	QueryPlansTotal *prometheus.CounterVec
}

var (
	registerOnce sync.Once
	shared       *Metrics
)

// NewMetrics returns the process-wide metrics set, registering the
// collectors on first use. Multiple opens share one registration.
func NewMetrics() *Metrics {
	registerOnce.Do(func() {
		shared = register()
	})
	return shared
}

func register() *Metrics {
	m := &Metrics{}

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "galdrdb_commits_total",
			Help: "Total number of transaction commits",
		},
		[]string{"status"},
	)

	m.CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "galdrdb_commit_duration_seconds",
			Help:    "Duration of transaction commits in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	m.ConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "galdrdb_page_conflicts_total",
			Help: "Total number of commits rejected by page-version conflicts",
		},
	)

	m.TxnsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "galdrdb_transactions_active",
			Help: "Number of transactions currently open",
		},
	)

	m.DbOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "galdrdb_operations_total",
			Help: "Total number of engine operations",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "galdrdb_operation_duration_seconds",
			Help:    "Duration of engine operations in seconds",
			Buckets: []float64{.0001, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	m.CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "galdrdb_page_cache_hits_total",
			Help: "Total number of page cache hits",
		},
	)

	m.CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "galdrdb_page_cache_misses_total",
			Help: "Total number of page cache misses",
		},
	)

	m.CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "galdrdb_page_cache_evictions_total",
			Help: "Total number of page cache evictions",
		},
	)

	m.CachePages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "galdrdb_page_cache_pages",
			Help: "Number of pages resident in the cache",
		},
	)

	m.WalFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "galdrdb_wal_frames_total",
			Help: "Total number of WAL frames appended",
		},
	)

	m.WalSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "galdrdb_wal_size_bytes",
			Help: "Current WAL file size in bytes",
		},
	)

	m.CheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "galdrdb_checkpoints_total",
			Help: "Total number of checkpoints",
		},
	)

	m.RecoveredTxnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "galdrdb_recovered_transactions_total",
			Help: "Total number of transactions replayed during recovery",
		},
	)

	m.DbPagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "galdrdb_pages_total",
			Help: "Logical page count of the database file",
		},
	)

	m.DbFreePagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "galdrdb_free_pages_total",
			Help: "Number of allocatable free pages",
		},
	)

	m.CollectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "galdrdb_collections_total",
			Help: "Number of collections in the catalog",
		},
	)

	m.QueryPlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "galdrdb_query_plans_total",
			Help: "Total number of query plans by chosen access path",
		},
		[]string{"path"},
	)

	return m
}

// RecordOperation records an engine operation outcome with its duration.
func (m *Metrics) RecordOperation(operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCommit records a commit outcome with its duration.
func (m *Metrics) RecordCommit(err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CommitsTotal.WithLabelValues(status).Inc()
	m.CommitDuration.Observe(duration.Seconds())
}
