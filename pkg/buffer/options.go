package buffer

import (
	"log/slog"

	"github.com/CMCRobotics/save-the-reef/metric"
)

// Option configures a buffer using the functional options pattern.
type Option[T any] func(*bufferOptions[T])

// bufferOptions holds internal configuration for buffer instances.
// Stats are always collected; metrics are optional.
type bufferOptions[T any] struct {
	ranker func(T) int
	logger *slog.Logger

	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithRanker orders each batch by the rank returned for every item, lowest
// first. Items with equal rank keep first-seen order.
func WithRanker[T any](rank func(T) int) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.ranker = rank
	}
}

// WithMetrics exports buffer statistics as Prometheus metrics labelled with
// prefix. A nil registry or empty prefix disables export.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithLogger sets the logger used for buffer diagnostics.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(opts *bufferOptions[T]) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{
		logger: slog.Default().With("component", "buffer"),
	}
	for _, opt := range options {
		opt(opts)
	}
	return opts
}
