// Package metrics exports snapshot and per-table progress to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localrivet/dbshift/internal/job"
)

type Metrics struct {
	snapshotDuration    prometheus.Histogram
	snapshotSize        prometheus.Gauge
	snapshotTotal       prometheus.Counter
	snapshotFailures    prometheus.Counter
	lastSnapshotTime    prometheus.Gauge
	lastSnapshotSuccess prometheus.Gauge
	storageUsed         prometheus.Gauge

	tablesTotal   *prometheus.CounterVec
	rowsTotal     *prometheus.CounterVec
	tableDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with the default Prometheus registry.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func NewWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if namespace == "" {
		namespace = "dbshift"
	}

	m := &Metrics{
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of snapshot dumps in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Stored size of the last snapshot in bytes",
		}),
		snapshotTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of snapshots attempted",
		}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Total number of snapshots that failed or were partial",
		}),
		lastSnapshotTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_timestamp",
			Help:      "Timestamp of the last snapshot attempt",
		}),
		lastSnapshotSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_success",
			Help:      "Whether the last snapshot was complete (1) or not (0)",
		}),
		storageUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_used_bytes",
			Help:      "Total storage used by all snapshots in bytes",
		}),
		tablesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_total",
			Help:      "Tables processed by operation and outcome",
		}, []string{"op", "status"}),
		rowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows dumped or loaded",
		}, []string{"op"}),
		tableDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "table_duration_seconds",
			Help:      "Time spent on a single table",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"op"}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.snapshotDuration,
		m.snapshotSize,
		m.snapshotTotal,
		m.snapshotFailures,
		m.lastSnapshotTime,
		m.lastSnapshotSuccess,
		m.storageUsed,
		m.tablesTotal,
		m.rowsTotal,
		m.tableDuration,
	)

	return m
}

func (m *Metrics) RecordSnapshotSuccess(duration time.Duration, sizeBytes int64) {
	m.snapshotTotal.Inc()
	m.snapshotDuration.Observe(duration.Seconds())
	m.snapshotSize.Set(float64(sizeBytes))
	m.lastSnapshotTime.SetToCurrentTime()
	m.lastSnapshotSuccess.Set(1)
}

func (m *Metrics) RecordSnapshotFailure() {
	m.snapshotTotal.Inc()
	m.snapshotFailures.Inc()
	m.lastSnapshotTime.SetToCurrentTime()
	m.lastSnapshotSuccess.Set(0)
}

func (m *Metrics) SetStorageUsed(bytes int64) {
	m.storageUsed.Set(float64(bytes))
}

func (m *Metrics) TableStarted(job.Op, string) {}

func (m *Metrics) TableSucceeded(r job.TableResult) {
	m.observe(r, "success")
}

func (m *Metrics) TableFailed(r job.TableResult) {
	m.observe(r, "failure")
}

func (m *Metrics) observe(r job.TableResult, status string) {
	op := string(r.Op)
	m.tablesTotal.WithLabelValues(op, status).Inc()
	m.rowsTotal.WithLabelValues(op).Add(float64(r.Rows))
	m.tableDuration.WithLabelValues(op).Observe(r.Duration.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
