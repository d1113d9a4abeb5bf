package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports sync progress. A nil *Metrics records nothing.
type Metrics struct {
	synced       *prometheus.CounterVec
	recordErrors *prometheus.CounterVec
	queued       prometheus.Gauge
	online       prometheus.Gauge
	passDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasync",
			Name:      "records_synced_total",
			Help:      "Records written by a pull or push.",
		}, []string{"table", "direction"}),
		recordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasync",
			Name:      "record_errors_total",
			Help:      "Records that failed to reconcile.",
		}, []string{"table", "direction"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datasync",
			Name:      "queue_length",
			Help:      "Operations waiting in the retry queue.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datasync",
			Name:      "online",
			Help:      "1 when the remote store answered the last probe.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "datasync",
			Name:      "sync_all_duration_seconds",
			Help:      "Duration of full sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(m.synced, m.recordErrors, m.queued, m.online, m.passDuration)
	return m
}

func (m *Metrics) recordSynced(table string, dir Direction, n int) {
	if m == nil || n == 0 {
		return
	}
	m.synced.WithLabelValues(table, string(dir)).Add(float64(n))
}

func (m *Metrics) recordError(table string, dir Direction) {
	if m == nil {
		return
	}
	m.recordErrors.WithLabelValues(table, string(dir)).Inc()
}

func (m *Metrics) setQueueLength(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

func (m *Metrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

func (m *Metrics) observePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}
