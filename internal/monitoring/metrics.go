package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the connection manager's Prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	SyncCycles        *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	SyncMessages      *prometheus.CounterVec
	SendAttempts      *prometheus.CounterVec
	SendDuration      prometheus.Histogram
	Reconnects        *prometheus.CounterVec
	DeadLetters       prometheus.Gauge
	Events            *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry, together with the Go and process
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailsync_active_connections",
			Help: "Number of connections held in the registry",
		}),

		SyncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_sync_cycles_total",
			Help: "Sync cycles by result",
		}, []string{"result"}),

		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Duration of one sync cycle",
			Buckets: prometheus.DefBuckets,
		}),

		SyncMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_sync_messages_total",
			Help: "Candidate messages seen by the sync engine, by outcome",
		}, []string{"outcome"}),

		SendAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_send_attempts_total",
			Help: "Outbound send attempts by result",
		}, []string{"result"}),

		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsync_send_duration_seconds",
			Help:    "Duration of a successful send including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_reconnects_total",
			Help: "Reconnect attempts by result",
		}, []string{"result"}),

		DeadLetters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailsync_dead_letters",
			Help: "Failed ingests waiting for a retry, as of the last retry pass",
		}),

		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_events_total",
			Help: "Notification events emitted by type",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetActiveConnections records the registry size.
func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

// ObserveSync records one finished sync cycle.
func (m *Metrics) ObserveSync(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(d.Seconds())
}

// AddSyncMessages counts candidates by outcome (new, duplicate, too_old, own, error).
func (m *Metrics) AddSyncMessages(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SyncMessages.WithLabelValues(outcome).Add(float64(n))
}

// IncSendAttempt counts one send attempt.
func (m *Metrics) IncSendAttempt(result string) {
	if m == nil {
		return
	}
	m.SendAttempts.WithLabelValues(result).Inc()
}

// ObserveSend records the duration of a delivered message.
func (m *Metrics) ObserveSend(d time.Duration) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(d.Seconds())
}

// IncReconnect counts one reconnect attempt.
func (m *Metrics) IncReconnect(result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

// SetDeadLetters records the size of a connection's failed-ingest list.
func (m *Metrics) SetDeadLetters(n int) {
	if m == nil {
		return
	}
	m.DeadLetters.Set(float64(n))
}

// IncEvent counts an emitted notification.
func (m *Metrics) IncEvent(eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType).Inc()
}
