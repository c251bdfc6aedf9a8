package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for intakesync.
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	EventsTotal       *prometheus.CounterVec
	EventsIgnored     *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	DroppedPeersTotal prometheus.Counter
	Sessions          *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakesync_connections_total",
			Help: "Total client connections accepted",
		}, []string{"transport"}),
		ActiveConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intakesync_active_connections",
			Help: "Current connected clients",
		}, []string{"transport"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakesync_events_total",
			Help: "Client events applied by the protocol handler",
		}, []string{"event"}),
		EventsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakesync_events_ignored_total",
			Help: "Client events dropped as malformed, stale or not applicable",
		}, []string{"reason"}),
		BroadcastsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "intakesync_broadcasts_total",
			Help: "Session mutations fanned out to all clients",
		}),
		DroppedPeersTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "intakesync_dropped_peers_total",
			Help: "Clients disconnected because their outbound queue was full",
		}),
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intakesync_sessions",
			Help: "Sessions currently held in memory",
		}, []string{"status"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intakesync_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
