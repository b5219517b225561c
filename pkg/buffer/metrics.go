package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CMCRobotics/save-the-reef/metric"
)

// bufferMetrics holds Prometheus metrics for coalescing operations.
type bufferMetrics struct {
	ingested  prometheus.Counter
	coalesced prometheus.Counter
	flushed   prometheus.Counter
	batches   prometheus.Counter
	dropped   prometheus.Counter

	pending   prometheus.Gauge
	batchSize prometheus.Histogram
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		ingested:  counter("ingested_total", "Items ingested into the coalescing window"),
		coalesced: counter("coalesced_total", "Items that replaced a pending value for the same key"),
		flushed:   counter("flushed_total", "Items emitted in flushed batches"),
		batches:   counter("batches_total", "Non-empty batches emitted"),
		dropped:   counter("dropped_total", "Items rejected before ingestion"),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "pending",
			ConstLabels: labels,
			Help:        "Distinct keys waiting for the next flush",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "batch_size",
			ConstLabels: labels,
			Help:        "Number of items per emitted batch",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	counters := map[string]prometheus.Counter{
		"buffer_ingested":  m.ingested,
		"buffer_coalesced": m.coalesced,
		"buffer_flushed":   m.flushed,
		"buffer_batches":   m.batches,
		"buffer_dropped":   m.dropped,
	}
	for name, c := range counters {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "buffer_pending", m.pending); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(prefix, "buffer_batch_size", m.batchSize); err != nil {
		return nil, err
	}

	return m, nil
}
