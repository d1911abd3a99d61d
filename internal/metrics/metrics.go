// Package metrics wires the thin Prometheus instrumentation this
// service exposes on its metrics listener. This is ambient scaffolding,
// not a specified component: the registered series exist so the
// metrics_listener_address collaborator named in the configuration has
// something to scrape, following the prometheus/client_golang
// convention the dependency pack already carries as an indirect
// teacher dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this service records. A single instance
// is created at startup and passed to the components that update it.
type Registry struct {
	ReplicasRegistered prometheus.Gauge
	SessionsActive     prometheus.Gauge
	BrokerSubs         prometheus.Gauge
	TakeoversTotal     prometheus.Counter
	HistoryMovesTotal  *prometheus.CounterVec

	// Grounded on the original foxford/presence app/metrics.rs Metrics
	// type: a connection-count gauge plus a success/error counter pair
	// recorded around the connect handshake, and a histogram timing the
	// authorization call (AuthzMetrics::authz_time).
	WSConnectionTotal   prometheus.Gauge
	WSConnectionSuccess prometheus.Counter
	WSConnectionError   prometheus.Counter
	AuthzTime           prometheus.Histogram
}

// New registers every series against a fresh prometheus.Registry and
// returns the bundle.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		ReplicasRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presence_replicas_registered",
			Help: "Whether this replica is currently registered in the replica table (0 or 1).",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presence_sessions_active",
			Help: "Number of sessions currently owned by this replica's session manager.",
		}),
		BrokerSubs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presence_broker_subscriptions_active",
			Help: "Number of classrooms with an open upstream broker subscription on this replica.",
		}),
		TakeoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_takeovers_total",
			Help: "Number of sessions displaced by a newer connection for the same key.",
		}),
		HistoryMovesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_history_moves_total",
			Help: "Number of sessions moved to history, labeled by whether an existing history row was extended or a new one inserted.",
		}, []string{"kind"}),
		WSConnectionTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presence_ws_connection_total",
			Help: "Number of WebSocket connections currently past the connect handshake.",
		}),
		WSConnectionSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_ws_connection_success_total",
			Help: "Number of connect handshakes that completed successfully.",
		}),
		WSConnectionError: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_ws_connection_error_total",
			Help: "Number of connect handshakes that failed after a connect_request was read (excludes authentication timeouts).",
		}),
		AuthzTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "presence_authz_time_seconds",
			Help: "Latency of the authorization decision call made during connect.",
		}),
	}, reg
}

// Handler returns the HTTP handler to mount on metrics_listener_address.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
