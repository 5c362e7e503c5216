// Package monitoring exposes Prometheus metrics for the session core.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can be constructed without monitoring.
type Metrics struct {
	// Session lifecycle
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRemoved prometheus.Counter

	// Initialization watchdog
	WatchdogTimeouts *prometheus.CounterVec
	SafeModeEntries  prometheus.Counter

	// Output buffering
	BufferFlushes       prometheus.Counter
	BufferFlushInterval prometheus.Histogram
	BufferBatchSize     prometheus.Histogram

	// Persistence
	PersistSaves    prometheus.Counter
	PersistRestores prometheus.Counter
	PersistFailures *prometheus.CounterVec

	// WebSocket surface
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
}

// New creates a metrics collector registered on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "muxpanel_sessions_active",
			Help: "Number of live terminal sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "muxpanel_sessions_created_total",
			Help: "Total number of terminal sessions created",
		}),
		SessionsRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "muxpanel_sessions_removed_total",
			Help: "Total number of terminal sessions removed",
		}),
		WatchdogTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "muxpanel_watchdog_timeouts_total",
			Help: "Final initialization watchdog timeouts by phase",
		}, []string{"phase"}),
		SafeModeEntries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "muxpanel_safe_mode_entries_total",
			Help: "Sessions that fell back to safe-mode initialization",
		}),
		BufferFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "muxpanel_buffer_flushes_total",
			Help: "Total output buffer flushes",
		}),
		BufferFlushInterval: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "muxpanel_buffer_flush_interval_seconds",
			Help:    "Interval between consecutive buffer flushes",
			Buckets: []float64{.001, .002, .004, .008, .016, .032, .064, .128, .5, 1},
		}),
		BufferBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "muxpanel_buffer_batch_chunks",
			Help:    "Number of chunks coalesced per buffered flush",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		}),
		PersistSaves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "muxpanel_persist_saves_total",
			Help: "Successful session snapshot saves",
		}),
		PersistRestores: promauto.NewCounter(prometheus.CounterOpts{
			Name: "muxpanel_persist_restores_total",
			Help: "Successful session snapshot restores",
		}),
		PersistFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "muxpanel_persist_failures_total",
			Help: "Persistence failures by kind",
		}, []string{"kind"}),
		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "muxpanel_ws_connections",
			Help: "Number of connected panel clients",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "muxpanel_ws_messages_total",
			Help: "Panel messages by direction and type",
		}, []string{"direction", "type"}),
	}
}

// SetSessionsActive sets the live session gauge.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// IncSessionsCreated increments the created counter.
func (m *Metrics) IncSessionsCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// IncSessionsRemoved increments the removed counter.
func (m *Metrics) IncSessionsRemoved() {
	if m == nil {
		return
	}
	m.SessionsRemoved.Inc()
}

// RecordWatchdogTimeout records a final watchdog timeout for a phase.
func (m *Metrics) RecordWatchdogTimeout(phase string) {
	if m == nil {
		return
	}
	m.WatchdogTimeouts.WithLabelValues(phase).Inc()
}

// RecordSafeModeEntered records a safe-mode fallback.
func (m *Metrics) RecordSafeModeEntered() {
	if m == nil {
		return
	}
	m.SafeModeEntries.Inc()
}

// RecordBufferFlush records one flush with its batch size and the interval
// since the previous flush.
func (m *Metrics) RecordBufferFlush(batched int, interval time.Duration) {
	if m == nil {
		return
	}
	m.BufferFlushes.Inc()
	m.BufferBatchSize.Observe(float64(batched))
	if interval > 0 {
		m.BufferFlushInterval.Observe(interval.Seconds())
	}
}

// IncPersistSaves increments the save counter.
func (m *Metrics) IncPersistSaves() {
	if m == nil {
		return
	}
	m.PersistSaves.Inc()
}

// IncPersistRestores increments the restore counter.
func (m *Metrics) IncPersistRestores() {
	if m == nil {
		return
	}
	m.PersistRestores.Inc()
}

// RecordPersistFailure records a persistence failure of the given kind
// ("save", "expired", "corrupt", "store").
func (m *Metrics) RecordPersistFailure(kind string) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(kind).Inc()
}

// IncWSConnections increments the connected client gauge.
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements the connected client gauge.
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// RecordWSMessage records a panel message.
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}
