//go:build linux

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/duowal/pkg/wal"
)

// walMetrics is the Prometheus implementation of wal.Metrics.
type walMetrics struct {
	appends          prometheus.Counter
	appendBytes      prometheus.Counter
	flushes          prometheus.Counter
	flushFailures    prometheus.Counter
	flushDuration    prometheus.Histogram
	flushDrained     prometheus.Histogram
	recoveredRecords prometheus.Gauge
	recoveredBytes   prometheus.Gauge
	verifyFailures   prometheus.Counter
}

// NewWALMetrics creates a Prometheus-backed wal.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called); the
// WAL treats a nil sink as zero-overhead no-ops.
func NewWALMetrics() wal.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &walMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duowal_appends_total",
			Help: "Total number of records submitted for append",
		}),
		appendBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duowal_append_bytes_total",
			Help: "Total padded bytes submitted for append, per file copy",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duowal_flushes_total",
			Help: "Total number of successful flushes",
		}),
		flushFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duowal_flush_failures_total",
			Help: "Total number of flushes that surfaced a durability failure",
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "duowal_flush_duration_seconds",
			Help:    "Wall time spent blocked in flush",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		flushDrained: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "duowal_flush_drained_operations",
			Help:    "Operations completed per flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		recoveredRecords: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "duowal_recovered_records",
			Help: "Records reconciled during the most recent open",
		}),
		recoveredBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "duowal_recovered_bytes",
			Help: "Log bytes reconciled during the most recent open",
		}),
		verifyFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duowal_verify_failures_total",
			Help: "Total number of post-fsync read-backs that did not match",
		}),
	}
}

func (m *walMetrics) ObserveAppend(bytes int) {
	if m == nil {
		return
	}
	m.appends.Inc()
	m.appendBytes.Add(float64(bytes))
}

func (m *walMetrics) ObserveFlush(drained int, duration time.Duration) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushDuration.Observe(duration.Seconds())
	m.flushDrained.Observe(float64(drained))
}

func (m *walMetrics) IncFlushFailure() {
	if m == nil {
		return
	}
	m.flushFailures.Inc()
}

func (m *walMetrics) ObserveRecovery(records int, bytes int64) {
	if m == nil {
		return
	}
	m.recoveredRecords.Set(float64(records))
	m.recoveredBytes.Set(float64(bytes))
}

func (m *walMetrics) IncVerifyFailure() {
	if m == nil {
		return
	}
	m.verifyFailures.Inc()
}

// Ensure walMetrics implements wal.Metrics.
var _ wal.Metrics = (*walMetrics)(nil)
