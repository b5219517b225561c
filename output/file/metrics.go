package file

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CMCRobotics/save-the-reef/metric"
)

type journalMetrics struct {
	records prometheus.Counter
	bytes   prometheus.Counter
	errors  *prometheus.CounterVec
}

// newJournalMetrics returns nil when registry is nil.
func newJournalMetrics(registry *metric.MetricsRegistry) (*journalMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &journalMetrics{
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "journal",
			Name:      "records_written_total",
			Help:      "Scene records written to the journal",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "journal",
			Name:      "bytes_written_total",
			Help:      "Bytes written to the journal",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Journal errors",
		}, []string{"error_type"}),
	}

	const service = "journal"
	if err := registry.RegisterCounter(service, "records_written", m.records); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "bytes_written", m.bytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *journalMetrics) written(records, bytes int) {
	if m == nil {
		return
	}
	m.records.Add(float64(records))
	m.bytes.Add(float64(bytes))
}

func (m *journalMetrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}
