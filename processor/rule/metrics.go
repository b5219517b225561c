package rule

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CMCRobotics/save-the-reef/metric"
)

// sessionMetrics holds Prometheus metrics for one rule session.
type sessionMetrics struct {
	factsAsserted  *prometheus.CounterVec
	evaluations    *prometheus.CounterVec
	fires          *prometheus.CounterVec
	guardErrors    *prometheus.CounterVec
	actionErrors   *prometheus.CounterVec
	matchDuration  prometheus.Histogram
	workingMemory  prometheus.Gauge
	evictionsTotal prometheus.Counter
}

// newSessionMetrics creates and registers session metrics under prefix.
func newSessionMetrics(registry *metric.MetricsRegistry, prefix string) (*sessionMetrics, error) {
	labels := prometheus.Labels{"session": prefix}

	m := &sessionMetrics{
		factsAsserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "facts_asserted_total",
			Help:        "Facts asserted into working memory",
			ConstLabels: labels,
		}, []string{"fact_type"}),

		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "evaluations_total",
			Help:        "Rule evaluations against pending facts",
			ConstLabels: labels,
		}, []string{"rule", "result"}),

		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "fires_total",
			Help:        "Rule actions invoked",
			ConstLabels: labels,
		}, []string{"rule"}),

		guardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "guard_errors_total",
			Help:        "Guard evaluations that failed",
			ConstLabels: labels,
		}, []string{"rule"}),

		actionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "action_errors_total",
			Help:        "Rule actions that returned an error or panicked",
			ConstLabels: labels,
		}, []string{"rule"}),

		matchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "match_duration_seconds",
			Help:        "Time spent in one match cycle",
			ConstLabels: labels,
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}),

		workingMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "working_memory_facts",
			Help:        "Facts currently held in working memory",
			ConstLabels: labels,
		}),

		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "rule",
			Name:        "evictions_total",
			Help:        "Facts removed by the retention policy",
			ConstLabels: labels,
		}),
	}

	vecs := []struct {
		name string
		vec  *prometheus.CounterVec
	}{
		{"rule_facts_asserted", m.factsAsserted},
		{"rule_evaluations", m.evaluations},
		{"rule_fires", m.fires},
		{"rule_guard_errors", m.guardErrors},
		{"rule_action_errors", m.actionErrors},
	}
	for _, v := range vecs {
		if err := registry.RegisterCounterVec(prefix, v.name, v.vec); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterHistogram(prefix, "rule_match_duration", m.matchDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "rule_working_memory", m.workingMemory); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "rule_evictions", m.evictionsTotal); err != nil {
		return nil, err
	}

	return m, nil
}
