package homie

import (
	"context"
	"sort"
	"sync"

	"github.com/CMCRobotics/save-the-reef/errors"
)

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// MemorySource is an in-process broker. It keeps retained values, matches
// filters with slash wildcards and delivers to each subscription in
// publish order on its own goroutine.
type MemorySource struct {
	opts *sourceOptions

	mu       sync.Mutex
	retained map[string]string
	subs     map[*memorySubscription]struct{}
	closed   bool
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty in-process broker.
func NewMemorySource(opts ...SourceOption) *MemorySource {
	return &MemorySource{
		opts:     applySourceOptions("memory", opts...),
		retained: make(map[string]string),
		subs:     make(map[*memorySubscription]struct{}),
	}
}

// Subscribe implements Source. Retained values matching filter are queued
// first, in topic order.
func (m *MemorySource) Subscribe(_ context.Context, filter string, handler Handler) (Subscription, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MemorySource", "Subscribe", "handler required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "MemorySource", "Subscribe", "check source state")
	}

	sub := newMemorySubscription(m, filter, handler)

	topics := make([]string, 0, len(m.retained))
	for topic := range m.retained {
		if MatchTopic(filter, topic) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	for _, topic := range topics {
		sub.enqueue(message{topic: topic, payload: []byte(m.retained[topic]), retained: true})
	}

	m.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Publish implements Source. Publishing an empty retained value clears the
// retained entry for topic.
func (m *MemorySource) Publish(_ context.Context, topic, value string, opts PublishOptions) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "MemorySource", "Publish", "check source state")
	}

	if opts.Retain {
		if value == "" {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = value
		}
	}

	for sub := range m.subs {
		if MatchTopic(sub.filter, topic) {
			sub.enqueue(message{topic: topic, payload: []byte(value)})
		}
	}

	m.opts.published(topic, opts.Retain)
	return nil
}

// Retained returns the retained value for topic.
func (m *MemorySource) Retained(topic string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.retained[topic]
	return v, ok
}

// Close stops every subscription. Further calls fail with ErrShuttingDown.
func (m *MemorySource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *MemorySource) remove(sub *memorySubscription) {
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
}

type memorySubscription struct {
	source  *MemorySource
	filter  string
	handler Handler

	mu     sync.Mutex
	queue  []message
	signal chan struct{}

	once sync.Once
	done chan struct{}
}

func newMemorySubscription(source *MemorySource, filter string, handler Handler) *memorySubscription {
	return &memorySubscription{
		source:  source,
		filter:  filter,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *memorySubscription) enqueue(msg message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, msg := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.source.opts.dispatch(msg.topic, msg.payload, msg.retained, s.handler)
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe implements Subscription. It does not wait for a handler call
// already in progress.
func (s *memorySubscription) Unsubscribe() error {
	s.source.remove(s)
	s.stop()
	return nil
}
