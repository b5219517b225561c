package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CMCRobotics/save-the-reef/metric"
)

type hubMetrics struct {
	clientsConnected    prometheus.Gauge
	connections         prometheus.Counter
	disconnections      *prometheus.CounterVec
	eventsBroadcast     *prometheus.CounterVec
	commands            *prometheus.CounterVec
	commandsRateLimited *prometheus.CounterVec
	errors              *prometheus.CounterVec
}

// newHubMetrics returns nil when registry is nil.
func newHubMetrics(registry *metric.MetricsRegistry) (*hubMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &hubMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected viewers",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total viewer connections",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total viewer disconnections",
		}, []string{"disconnect_reason"}),
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "events_broadcast_total",
			Help:      "Render events broadcast to viewers",
		}, []string{"type"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "commands_received_total",
			Help:      "Commands received from viewers",
		}, []string{"type"}),
		commandsRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "commands_rate_limited_total",
			Help:      "Viewer commands rejected by the per-viewer rate limit",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Websocket hub errors",
		}, []string{"error_type"}),
	}

	const service = "websocket"
	if err := registry.RegisterGauge(service, "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "client_connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "client_disconnections", m.disconnections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "events_broadcast", m.eventsBroadcast); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "commands_received", m.commands); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "commands_rate_limited", m.commandsRateLimited); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}
