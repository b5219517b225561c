package homie

import (
	"context"
	"log/slog"

	"github.com/CMCRobotics/save-the-reef/metric"
)

// Handler receives parsed updates from a subscription. A handler may be
// called from a transport goroutine and must not block for long.
type Handler func(Update)

// ErrorHandler receives messages that could not be parsed into an update.
type ErrorHandler func(topic string, err error)

// PublishOptions controls an outbound publish.
type PublishOptions struct {
	// Retain asks the transport to keep the value for late subscribers.
	Retain bool
}

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Source is a pub/sub transport carrying property updates.
type Source interface {
	// Subscribe delivers every update on topics matching filter, starting
	// with the retained values. Wildcards follow the slash convention: +
	// for one level and a trailing # for any number of levels.
	Subscribe(ctx context.Context, filter string, handler Handler) (Subscription, error)

	// Publish sends value on topic.
	Publish(ctx context.Context, topic, value string, opts PublishOptions) error
}

// SourceOption configures a Source.
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	name    string
	root    string
	logger  *slog.Logger
	onError ErrorHandler
	core    *metric.Metrics
}

// WithRoot strips root from every topic before parsing.
func WithRoot(root string) SourceOption {
	return func(o *sourceOptions) {
		o.root = root
	}
}

// WithName sets the source label used in logs and metrics.
func WithName(name string) SourceOption {
	return func(o *sourceOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(o *sourceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithErrorHandler is called for every malformed message, after it is logged.
func WithErrorHandler(fn ErrorHandler) SourceOption {
	return func(o *sourceOptions) {
		o.onError = fn
	}
}

// WithMetrics records received, dropped and published counts in the core
// metrics of registry. A nil registry disables metrics.
func WithMetrics(registry *metric.MetricsRegistry) SourceOption {
	return func(o *sourceOptions) {
		if registry != nil {
			o.core = registry.CoreMetrics()
		}
	}
}

func applySourceOptions(defaultName string, opts ...SourceOption) *sourceOptions {
	o := &sourceOptions{name: defaultName}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "homie", "source", o.name)
	}
	return o
}

// dispatch parses one raw message and hands it to handler, or reports it
// as malformed.
func (o *sourceOptions) dispatch(topic string, payload []byte, retained bool, handler Handler) {
	u, err := ParseMessage(o.root, topic, payload)
	if err != nil {
		o.logger.Warn("Dropping malformed message", "topic", topic, "error", err)
		if o.core != nil {
			o.core.RecordUpdateDropped(o.name, "malformed")
		}
		if o.onError != nil {
			o.onError(topic, err)
		}
		return
	}
	u.Retained = retained
	if o.core != nil {
		o.core.RecordUpdateReceived(o.name)
	}
	handler(u)
}

func (o *sourceOptions) published(topic string, retain bool) {
	o.logger.Debug("Published", "topic", topic, "retain", retain)
	if o.core != nil {
		o.core.RecordCommandPublished(o.name, retain)
	}
}
