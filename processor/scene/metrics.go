package scene

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CMCRobotics/save-the-reef/metric"
)

type controllerMetrics struct {
	players           prometheus.Gauge
	corals            prometheus.Gauge
	commandsPublished *prometheus.CounterVec
	commandErrors     *prometheus.CounterVec
	ticks             prometheus.Counter
	unmappedPresses   prometheus.Counter
	cycleErrors       prometheus.Counter
}

// newControllerMetrics registers controller metrics. A nil registry means
// no metrics.
func newControllerMetrics(registry *metric.MetricsRegistry, profile Profile) (*controllerMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"profile": string(profile)}

	m := &controllerMetrics{
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "scene",
			Name:        "players",
			Help:        "Players known to the scene",
			ConstLabels: labels,
		}),
		corals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "scene",
			Name:        "corals",
			Help:        "Corals on the reef",
			ConstLabels: labels,
		}),
		commandsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "scene",
			Name:        "commands_published_total",
			Help:        "Commands published by the scene, by property",
			ConstLabels: labels,
		}, []string{"property"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "scene",
			Name:        "command_errors_total",
			Help:        "Commands that failed to publish, by property",
			ConstLabels: labels,
		}, []string{"property"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "scene",
			Name:        "ticks_total",
			Help:        "Tick facts asserted",
			ConstLabels: labels,
		}),
		unmappedPresses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "scene",
			Name:        "unmapped_button_presses_total",
			Help:        "Button presses from terminals not mapped to a player",
			ConstLabels: labels,
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "scene",
			Name:        "cycle_errors_total",
			Help:        "Match cycles that returned an error",
			ConstLabels: labels,
		}),
	}

	const service = "scene"
	if err := registry.RegisterGauge(service, "players", m.players); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "corals", m.corals); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "commands_published", m.commandsPublished); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "command_errors", m.commandErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "ticks", m.ticks); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "unmapped_button_presses", m.unmappedPresses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "cycle_errors", m.cycleErrors); err != nil {
		return nil, err
	}
	return m, nil
}
