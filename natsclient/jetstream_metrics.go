package natsclient

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CMCRobotics/save-the-reef/metric"
)

// jetstreamMetrics tracks the streams and consumers created through one
// client. A nil value records nothing.
type jetstreamMetrics struct {
	streamMessages *prometheus.GaugeVec
	streamSubjects *prometheus.GaugeVec
	streamBytes    *prometheus.GaugeVec
	streamState    *prometheus.GaugeVec

	consumerPending   *prometheus.GaugeVec
	consumerDelivered *prometheus.GaugeVec

	errors *prometheus.CounterVec

	mu        sync.RWMutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

func newJetStreamMetrics(registry *metric.MetricsRegistry) (*jetstreamMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &jetstreamMetrics{
		streamMessages:    gauge("stream_messages", "Messages stored in the stream", "stream"),
		streamSubjects:    gauge("stream_subjects", "Distinct subjects in the stream, one per retained property", "stream"),
		streamBytes:       gauge("stream_bytes", "Storage bytes used by the stream", "stream"),
		streamState:       gauge("stream_state", "Stream state (1=reachable, 0=unreachable)", "stream"),
		consumerPending:   gauge("consumer_pending_messages", "Messages not yet delivered to the consumer", "stream", "consumer"),
		consumerDelivered: gauge("consumer_delivered_sequence", "Last stream sequence delivered to the consumer", "stream", "consumer"),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "operation_errors_total",
			Help:      "JetStream operation errors",
		}, []string{"operation"}),
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}

	gauges := []struct {
		name string
		vec  *prometheus.GaugeVec
	}{
		{"stream_messages", m.streamMessages},
		{"stream_subjects", m.streamSubjects},
		{"stream_bytes", m.streamBytes},
		{"stream_state", m.streamState},
		{"consumer_pending", m.consumerPending},
		{"consumer_delivered", m.consumerDelivered},
	}
	for _, g := range gauges {
		if err := registry.RegisterGaugeVec("jetstream", g.name, g.vec); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterCounterVec("jetstream", "errors", m.errors); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *jetstreamMetrics) trackStream(name string, stream jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[name] = stream
	m.streamState.WithLabelValues(name).Set(1)
}

func (m *jetstreamMetrics) trackConsumer(streamName, consumerName string, consumer jetstream.Consumer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[streamName+":"+consumerName] = consumer
}

func (m *jetstreamMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// updateStats refreshes tracked stream and consumer state. Unreachable
// resources are skipped.
func (m *jetstreamMetrics) updateStats(ctx context.Context) {
	if m == nil {
		return
	}

	m.mu.RLock()
	streams := maps.Clone(m.streams)
	consumers := maps.Clone(m.consumers)
	m.mu.RUnlock()

	for name, stream := range streams {
		info, err := stream.Info(ctx)
		if err != nil {
			m.streamState.WithLabelValues(name).Set(0)
			continue
		}
		m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.streamSubjects.WithLabelValues(name).Set(float64(info.State.NumSubjects))
		m.streamBytes.WithLabelValues(name).Set(float64(info.State.Bytes))
		m.streamState.WithLabelValues(name).Set(1)
	}

	for _, consumer := range consumers {
		info, err := consumer.Info(ctx)
		if err != nil {
			continue
		}
		m.consumerPending.WithLabelValues(info.Stream, info.Name).Set(float64(info.NumPending))
		m.consumerDelivered.WithLabelValues(info.Stream, info.Name).Set(float64(info.Delivered.Stream))
	}
}

// startPoller refreshes stats every interval until the returned cancel is called.
func (m *jetstreamMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateStats(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
