package homie

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/pkg/buffer"
)

// PropertyGroup ranks related properties ahead of others within a batch.
// Lower priorities are emitted first.
type PropertyGroup struct {
	Name string `json:"name" yaml:"name"`
	// Properties are property IDs or "node/property" suffixes.
	Properties []string `json:"properties" yaml:"properties"`
	Priority   int      `json:"priority" yaml:"priority"`
}

// Validate checks the group definition.
func (g PropertyGroup) Validate() error {
	if g.Name == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "PropertyGroup", "Validate", "group name required")
	}
	if len(g.Properties) == 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "PropertyGroup", "Validate", "group %q lists no properties", g.Name)
	}
	for _, p := range g.Properties {
		if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
			return errors.Invalidf(errors.ErrInvalidConfig, "PropertyGroup", "Validate",
				"group %q: invalid property %q", g.Name, p)
		}
	}
	return nil
}

// Matches reports whether u belongs to the group.
func (g PropertyGroup) Matches(u Update) bool {
	path := "/" + u.Path()
	for _, p := range g.Properties {
		if u.PropertyID == p || strings.HasSuffix(path, "/"+p) {
			return true
		}
	}
	return false
}

// PropertyBuffer coalesces property updates over a fixed window. Updates
// for the same device, node and property replace each other; each
// non-empty window is emitted as one batch ordered by group priority and
// then by first arrival.
//
// Malformed updates and protocol metadata ($-prefixed levels) are dropped
// on Ingest and never reach a batch.
type PropertyBuffer struct {
	coalescing *buffer.Coalescing[string, Update]
	logger     *slog.Logger
	core       *metric.Metrics

	mu     sync.RWMutex
	groups []PropertyGroup
}

// BufferOption configures a PropertyBuffer.
type BufferOption func(*bufferConfig)

type bufferConfig struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	name     string
	groups   []PropertyGroup
}

// WithBufferLogger sets the logger.
func WithBufferLogger(logger *slog.Logger) BufferOption {
	return func(c *bufferConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBufferMetrics exports buffer metrics under name.
func WithBufferMetrics(registry *metric.MetricsRegistry, name string) BufferOption {
	return func(c *bufferConfig) {
		c.registry = registry
		if name != "" {
			c.name = name
		}
	}
}

// WithPropertyGroups registers groups at construction.
func WithPropertyGroups(groups ...PropertyGroup) BufferOption {
	return func(c *bufferConfig) {
		c.groups = append(c.groups, groups...)
	}
}

// NewPropertyBuffer creates a buffer with the given window. A zero window
// emits every update as its own batch.
func NewPropertyBuffer(window time.Duration, opts ...BufferOption) (*PropertyBuffer, error) {
	cfg := &bufferConfig{name: "homie"}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default().With("component", "property-buffer")
	}

	pb := &PropertyBuffer{logger: cfg.logger}
	if cfg.registry != nil {
		pb.core = cfg.registry.CoreMetrics()
	}
	if err := pb.SetPropertyGroups(cfg.groups...); err != nil {
		return nil, err
	}

	c, err := buffer.NewCoalescing(window,
		func(u Update) string { return u.Key() },
		buffer.WithRanker(pb.rank),
		buffer.WithLogger[Update](cfg.logger),
		buffer.WithMetrics[Update](cfg.registry, cfg.name),
	)
	if err != nil {
		return nil, errors.Wrap(err, "PropertyBuffer", "NewPropertyBuffer", "create coalescing buffer")
	}
	pb.coalescing = c
	return pb, nil
}

// AddPropertyGroup registers one more group.
func (b *PropertyBuffer) AddPropertyGroup(group PropertyGroup) error {
	if err := group.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups {
		if g.Name == group.Name {
			return errors.Invalidf(errors.ErrInvalidConfig, "PropertyBuffer", "AddPropertyGroup",
				"group %q already registered", group.Name)
		}
	}
	b.groups = append(b.groups, group)
	sortGroups(b.groups)
	return nil
}

// SetPropertyGroups replaces every registered group.
func (b *PropertyBuffer) SetPropertyGroups(groups ...PropertyGroup) error {
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return err
		}
		if seen[g.Name] {
			return errors.Invalidf(errors.ErrInvalidConfig, "PropertyBuffer", "SetPropertyGroups",
				"group %q listed twice", g.Name)
		}
		seen[g.Name] = true
	}

	sorted := append([]PropertyGroup(nil), groups...)
	sortGroups(sorted)

	b.mu.Lock()
	b.groups = sorted
	b.mu.Unlock()
	return nil
}

// PropertyGroups returns the registered groups in priority order.
func (b *PropertyBuffer) PropertyGroups() []PropertyGroup {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]PropertyGroup(nil), b.groups...)
}

func sortGroups(groups []PropertyGroup) {
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Priority < groups[j].Priority })
}

// rank returns the lowest priority of any group u belongs to. Ungrouped
// updates rank last.
func (b *PropertyBuffer) rank(u Update) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, g := range b.groups {
		if g.Matches(u) {
			return g.Priority
		}
	}
	return math.MaxInt
}

// Ingest adds u to the current window. It reports false when u was dropped.
func (b *PropertyBuffer) Ingest(u Update) bool {
	if err := Validate(u); err != nil {
		b.drop(u, "malformed", err)
		return false
	}
	if u.IsMeta() {
		b.drop(u, "meta", nil)
		return false
	}
	b.coalescing.Ingest(u)
	return true
}

func (b *PropertyBuffer) drop(u Update, reason string, err error) {
	b.coalescing.Drop()
	if b.core != nil {
		b.core.RecordUpdateDropped("buffer", reason)
	}
	if err != nil {
		b.logger.Warn("Dropping update", "topic", u.Topic, "key", u.Key(), "reason", reason, "error", err)
		return
	}
	b.logger.Debug("Dropping update", "topic", u.Topic, "key", u.Key(), "reason", reason)
}

// OnFlush registers fn for every non-empty batch and returns a function
// that removes it.
func (b *PropertyBuffer) OnFlush(fn func([]Update)) func() {
	return b.coalescing.OnFlush(fn)
}

// Flush emits the pending batch now.
func (b *PropertyBuffer) Flush() int {
	return b.coalescing.Flush()
}

// Start runs the window timer until Stop or ctx is done.
func (b *PropertyBuffer) Start(ctx context.Context) error {
	return b.coalescing.Start(ctx)
}

// Stop halts the window timer. Pending updates are kept.
func (b *PropertyBuffer) Stop() {
	b.coalescing.Stop()
}

// Pending returns the number of distinct properties waiting for the next
// flush.
func (b *PropertyBuffer) Pending() int {
	return b.coalescing.Pending()
}

// Window returns the coalescing window.
func (b *PropertyBuffer) Window() time.Duration {
	return b.coalescing.Window()
}

// Stats returns buffer statistics.
func (b *PropertyBuffer) Stats() *buffer.Statistics {
	return b.coalescing.Stats()
}
