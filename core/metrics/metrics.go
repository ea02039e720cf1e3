// Package metrics exposes storage activity as Prometheus collectors. A nil *Metrics is a
// valid no-op recorder, so handles opened without a registerer pay nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "timeloop"
	storageSubsystem = "storage"
)

type Op string

const (
	OpStoreEvent   Op = "store_event"
	OpStoreSession Op = "store_session"
	OpStoreBranch  Op = "store_branch"
	OpDelete       Op = "delete"
	OpFlush        Op = "flush"
	OpImport       Op = "import"
	OpRekey        Op = "change_passphrase"
)

type Metrics struct {
	PendingWrites   prometheus.Gauge
	WritesTotal     *prometheus.CounterVec
	SnapshotBytes   prometheus.Histogram
	LogAppendsTotal prometheus.Counter
	RotationsTotal  prometheus.Counter
	PrunedTotal     prometheus.Counter
	ReplayedTotal   prometheus.Counter
}

// New registers the storage collectors on reg. Use a fresh registry per handle when
// several handles live in one process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PendingWrites: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: storageSubsystem,
			Name:      "pending_writes",
			Help:      "Mutations currently holding or waiting for the write lock",
		}),
		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: storageSubsystem,
			Name:      "writes_total",
			Help:      "Completed mutations by operation and result",
		}, []string{"op", "result"}),
		SnapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: storageSubsystem,
			Name:      "snapshot_bytes",
			Help:      "Size of each snapshot written to disk",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		LogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: storageSubsystem,
			Name:      "log_appends_total",
			Help:      "Records appended to the event log",
		}),
		RotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: storageSubsystem,
			Name:      "log_rotations_total",
			Help:      "Event log rotations into archives",
		}),
		PrunedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: storageSubsystem,
			Name:      "archives_pruned_total",
			Help:      "Rotated archives deleted by retention",
		}),
		ReplayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: storageSubsystem,
			Name:      "log_records_replayed_total",
			Help:      "Event log records replayed on open",
		}),
	}
}

func (m *Metrics) WriteStarted() {
	if m == nil {
		return
	}
	m.PendingWrites.Inc()
}

// WriteFinished closes a WriteStarted and counts the outcome.
func (m *Metrics) WriteFinished(op Op, err error) {
	if m == nil {
		return
	}
	m.PendingWrites.Dec()
	result := "success"
	if err != nil {
		result = "error"
	}
	m.WritesTotal.WithLabelValues(string(op), result).Inc()
}

func (m *Metrics) SnapshotWritten(size int) {
	if m == nil {
		return
	}
	m.SnapshotBytes.Observe(float64(size))
}

func (m *Metrics) LogAppended() {
	if m == nil {
		return
	}
	m.LogAppendsTotal.Inc()
}

func (m *Metrics) Rotated(pruned int) {
	if m == nil {
		return
	}
	m.RotationsTotal.Inc()
	m.PrunedTotal.Add(float64(pruned))
}

func (m *Metrics) Pruned(count int) {
	if m == nil {
		return
	}
	m.PrunedTotal.Add(float64(count))
}

func (m *Metrics) Replayed(count int) {
	if m == nil {
		return
	}
	m.ReplayedTotal.Add(float64(count))
}
