package homie

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/natsclient"
)

// NATSConfig names the subjects and stream a NATSSource uses.
type NATSConfig struct {
	// Stream holds retained values, one message per subject.
	Stream string `json:"stream" yaml:"stream"`
	// RetainedPrefix is the subject prefix of retained publishes.
	RetainedPrefix string `json:"retained_prefix" yaml:"retained_prefix"`
	// LivePrefix is the subject prefix of non-retained publishes.
	LivePrefix string `json:"live_prefix" yaml:"live_prefix"`
	// MaxAge expires retained values. Zero keeps them forever.
	MaxAge time.Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// DefaultNATSConfig returns the subject layout used by the reef gateway.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Stream:         "HOMIE_RETAINED",
		RetainedPrefix: "retained",
		LivePrefix:     "live",
	}
}

// Validate checks the subject layout.
func (c NATSConfig) Validate() error {
	switch {
	case c.Stream == "":
		return errors.Invalidf(errors.ErrMissingConfig, "NATSConfig", "Validate", "stream name required")
	case c.RetainedPrefix == "" || c.LivePrefix == "":
		return errors.Invalidf(errors.ErrMissingConfig, "NATSConfig", "Validate", "subject prefixes required")
	case c.RetainedPrefix == c.LivePrefix:
		return errors.Invalidf(errors.ErrInvalidConfig, "NATSConfig", "Validate",
			"retained and live prefixes must differ, both are %q", c.LivePrefix)
	case c.MaxAge < 0:
		return errors.Invalidf(errors.ErrInvalidConfig, "NATSConfig", "Validate", "max age must not be negative")
	}
	return nil
}

// NATSSource carries updates over NATS. Retained publishes go to a
// JetStream stream that keeps the last message per subject; subscribers
// read it with an ordered consumer delivering the last value per subject
// and then every new one. Live publishes use core NATS.
//
// The handler of one subscription can be called from both the consumer and
// the core subscription goroutines.
type NATSSource struct {
	client *natsclient.Client
	cfg    NATSConfig
	opts   *sourceOptions

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

var _ Source = (*NATSSource)(nil)

// NewNATSSource creates a source over a connected client.
func NewNATSSource(client *natsclient.Client, cfg NATSConfig, opts ...SourceOption) (*NATSSource, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSSource", "NewNATSSource", "NATS client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NATSSource{
		client: client,
		cfg:    cfg,
		opts:   applySourceOptions("nats", opts...),
		subs:   make(map[*natsSubscription]struct{}),
	}, nil
}

// EnsureStream creates or updates the retained stream.
func (s *NATSSource) EnsureStream(ctx context.Context) error {
	_, err := s.client.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              s.cfg.Stream,
		Description:       "Retained homie property values",
		Subjects:          []string{s.cfg.RetainedPrefix + ".>"},
		MaxMsgsPerSubject: 1,
		MaxAge:            s.cfg.MaxAge,
		Discard:           jetstream.DiscardOld,
		Storage:           jetstream.FileStorage,
	})
	if err != nil {
		return err
	}
	s.opts.logger.Info("Retained stream ready", "stream", s.cfg.Stream, "subjects", s.cfg.RetainedPrefix+".>")
	return nil
}

// Subscribe implements Source.
func (s *NATSSource) Subscribe(ctx context.Context, filter string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSSource", "Subscribe", "handler required")
	}
	subject, err := SubjectForFilter(filter)
	if err != nil {
		return nil, err
	}

	sub := &natsSubscription{source: s, filter: filter}

	cc, err := s.client.ConsumeOrdered(ctx, s.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.cfg.RetainedPrefix + "." + subject},
		DeliverPolicy:  jetstream.DeliverLastPerSubjectPolicy,
	}, func(msg jetstream.Msg) {
		s.opts.dispatch(s.topicFor(s.cfg.RetainedPrefix, msg.Subject()), msg.Data(), true, handler)
	})
	if err != nil {
		return nil, errors.Wrap(err, "NATSSource", "Subscribe", "consume retained values")
	}
	sub.consumer = cc

	live, err := s.client.Subscribe(ctx, s.cfg.LivePrefix+"."+subject, func(_ context.Context, msg *nats.Msg) {
		s.opts.dispatch(s.topicFor(s.cfg.LivePrefix, msg.Subject), msg.Data, false, handler)
	})
	if err != nil {
		cc.Stop()
		return nil, errors.Wrap(err, "NATSSource", "Subscribe", "subscribe to live updates")
	}
	sub.live = live

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	s.opts.logger.Info("Subscribed", "filter", filter, "subject", subject)
	return sub, nil
}

// Publish implements Source.
func (s *NATSSource) Publish(ctx context.Context, topic, value string, opts PublishOptions) error {
	subject, err := SubjectForTopic(topic)
	if err != nil {
		return err
	}

	if opts.Retain {
		err = s.client.PublishToStream(ctx, s.cfg.RetainedPrefix+"."+subject, []byte(value))
	} else {
		err = s.client.Publish(ctx, s.cfg.LivePrefix+"."+subject, []byte(value))
	}
	if err != nil {
		return errors.Wrap(err, "NATSSource", "Publish", "publish "+topic)
	}

	s.opts.published(topic, opts.Retain)
	return nil
}

// Close releases every subscription. The client stays open.
func (s *NATSSource) Close() error {
	s.mu.Lock()
	subs := make([]*natsSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*natsSubscription]struct{})
	s.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *NATSSource) topicFor(prefix, subject string) string {
	return TopicForSubject(strings.TrimPrefix(subject, prefix+"."))
}

type natsSubscription struct {
	source   *NATSSource
	filter   string
	consumer jetstream.ConsumeContext
	live     *nats.Subscription
	once     sync.Once
}

// Unsubscribe implements Subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.source.mu.Lock()
	delete(s.source.subs, s)
	s.source.mu.Unlock()
	return s.release()
}

func (s *natsSubscription) release() error {
	var err error
	s.once.Do(func() {
		s.consumer.Stop()
		if uerr := s.live.Unsubscribe(); uerr != nil && !stderrors.Is(uerr, nats.ErrConnectionClosed) {
			err = errors.WrapTransient(uerr, "NATSSource", "Unsubscribe", "unsubscribe "+s.filter)
		}
	})
	return err
}
