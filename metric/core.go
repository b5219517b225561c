package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the pipeline.
const Namespace = "reef"

// Metrics contains the pipeline-level metrics shared by all components.
type Metrics struct {
	ServiceStatus     *prometheus.GaugeVec
	UpdatesReceived   *prometheus.CounterVec
	UpdatesDropped    *prometheus.CounterVec
	CommandsPublished *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),
		UpdatesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "updates",
				Name:      "received_total",
				Help:      "Property updates received from the broker",
			},
			[]string{"source"},
		),
		UpdatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "updates",
				Name:      "dropped_total",
				Help:      "Property updates dropped before reaching the rule session",
			},
			[]string{"source", "reason"},
		),
		CommandsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "commands",
				Name:      "published_total",
				Help:      "Outbound property commands published",
			},
			[]string{"source", "retained"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by service and class",
			},
			[]string{"service", "class"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordUpdateReceived counts a property update arriving from a source
func (c *Metrics) RecordUpdateReceived(source string) {
	c.UpdatesReceived.WithLabelValues(source).Inc()
}

// RecordUpdateDropped counts a dropped update with the reason it was dropped
func (c *Metrics) RecordUpdateDropped(source, reason string) {
	c.UpdatesDropped.WithLabelValues(source, reason).Inc()
}

// RecordCommandPublished counts an outbound command
func (c *Metrics) RecordCommandPublished(source string, retained bool) {
	label := "false"
	if retained {
		label = "true"
	}
	c.CommandsPublished.WithLabelValues(source, label).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(service, class string) {
	c.ErrorsTotal.WithLabelValues(service, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	c.NATSCircuitBreaker.Set(value)
}
