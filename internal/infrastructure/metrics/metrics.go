package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles the collaboration server's Prometheus instruments.
type Collector struct {
	ActiveSessions    prometheus.Gauge
	ConnectedClients  prometheus.Gauge
	ActionsApplied    *prometheus.CounterVec
	ActionsRejected   prometheus.Counter
	ConflictsDetected *prometheus.CounterVec
	MessagesDropped   prometheus.Counter
}

// New registers and returns the collector. Pass a fresh registry in tests to
// avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "explorehub_active_sessions",
			Help: "Number of live collaboration sessions.",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "explorehub_connected_clients",
			Help: "Number of websocket clients currently attached.",
		}),
		ActionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "explorehub_actions_applied_total",
			Help: "Accepted collaborative actions by type.",
		}, []string{"type"}),
		ActionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "explorehub_actions_rejected_total",
			Help: "Actions rejected by validation or permissions.",
		}),
		ConflictsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "explorehub_conflicts_detected_total",
			Help: "Detected shared-state conflicts by type.",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "explorehub_messages_dropped_total",
			Help: "Inbound frames dropped as malformed or unknown.",
		}),
	}
}
