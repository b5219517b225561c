package scene

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/input/homie"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/processor/rule"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Controller owns one property buffer and one rule session. Coalesced
// batches are asserted as PropertyUpdate facts and matched once per batch;
// ticks are asserted and matched on their own. Both run under one lock so
// match cycles never overlap.
type Controller struct {
	id       string
	cfg      Config
	source   homie.Source
	renderer Renderer
	logger   *slog.Logger
	metrics  *controllerMetrics
	sink     rule.DiagnosticSink
	observer CycleObserver
	registry *metric.MetricsRegistry
	rng      *rand.Rand

	buffer  *homie.PropertyBuffer
	rules   *rule.RuleSet
	session *rule.Session

	cycleMu sync.Mutex
	tickSeq uint64

	stateMu   sync.RWMutex
	players   map[string]*fact.PlayerNode
	terminals map[string]string
	state     fact.GameState
	corals    map[string]*fact.Coral
	coralIDs  []string

	ctxMu  sync.RWMutex
	runCtx context.Context

	runMu       sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	subs        []homie.Subscription
	unsubscribe func()
	started     atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithRenderer sets where visual changes go. The default logs them.
func WithRenderer(r Renderer) Option {
	return func(c *Controller) {
		if r != nil {
			c.renderer = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exports controller, buffer and session metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Controller) {
		c.registry = registry
	}
}

// WithDiagnostics receives rule engine diagnostics in addition to the logs.
func WithDiagnostics(sink rule.DiagnosticSink) Option {
	return func(c *Controller) {
		c.sink = sink
	}
}

// CycleObserver sees the outcome of every match cycle. It runs while the
// cycle lock is held and must not call back into the controller.
type CycleObserver func(res rule.MatchResult, err error)

// WithCycleObserver reports each finished match cycle to fn.
func WithCycleObserver(fn CycleObserver) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// WithRand sets the random source used to place corals.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) {
		if rng != nil {
			c.rng = rng
		}
	}
}

// New builds a controller for cfg reading from and publishing to source.
// Rules are compiled and corals seeded here; nothing runs until Start.
func New(source homie.Source, cfg Config, opts ...Option) (*Controller, error) {
	if source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Controller", "New", "update source required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		id:        uuid.NewString(),
		cfg:       cfg,
		source:    source,
		players:   make(map[string]*fact.PlayerNode),
		terminals: make(map[string]string),
		state:     fact.GameState{CurrentMode: fact.ModeSkin},
		corals:    make(map[string]*fact.Coral),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "scene", "profile", string(cfg.Profile), "session_id", c.id)
	if c.renderer == nil {
		c.renderer = &LogRenderer{Logger: c.logger}
	}

	metrics, err := newControllerMetrics(c.registry, cfg.Profile)
	if err != nil {
		return nil, errors.Wrap(err, "Controller", "New", "register metrics")
	}
	c.metrics = metrics

	defs, err := ruleDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	c.rules, err = rule.Compile(string(cfg.Profile), defs, rule.Bindings{
		FactTypes: fact.Types(),
		Actions:   c.actions(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Controller", "New", "compile rules")
	}

	c.session, err = c.rules.NewSession(
		rule.WithRetention(cfg.Retention),
		rule.WithDiagnostics(c.diagnostic),
		rule.WithLogger(c.logger),
		rule.WithMetrics(c.registry, "scene"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Controller", "New", "create session")
	}

	c.buffer, err = homie.NewPropertyBuffer(cfg.BufferWindow,
		homie.WithPropertyGroups(cfg.PropertyGroups...),
		homie.WithBufferLogger(c.logger),
		homie.WithBufferMetrics(c.registry, "scene"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Controller", "New", "create property buffer")
	}

	for _, coral := range cfg.Corals {
		if _, err := c.placeCoral(coral); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Controller) actions() map[string]rule.Action {
	return map[string]rule.Action{
		ActionHandlePropertyUpdate:     c.handlePropertyUpdate,
		ActionHandleStateMachineUpdate: c.handleStateMachineUpdate,
		ActionHandleButtonPress:        c.handleButtonPress,
		ActionLogUpdate:                c.logUpdate,
		ActionGrowCoral:                c.growCoral,
	}
}

func (c *Controller) diagnostic(d rule.Diagnostic) {
	if c.sink != nil {
		c.sink(d)
	}
}

// ID returns the controller session ID.
func (c *Controller) ID() string {
	return c.id
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Start subscribes to every configured filter and starts the buffer window
// and the tick timer.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.started.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Controller", "Start", "start scene")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.ctxMu.Lock()
	c.runCtx = runCtx
	c.ctxMu.Unlock()
	c.cancel = cancel

	c.unsubscribe = c.buffer.OnFlush(c.processBatch)
	if err := c.buffer.Start(runCtx); err != nil {
		_ = c.teardown()
		return errors.Wrap(err, "Controller", "Start", "start property buffer")
	}

	for _, filter := range c.cfg.Subscriptions {
		sub, err := c.source.Subscribe(runCtx, filter, c.ingest)
		if err != nil {
			_ = c.teardown()
			return errors.Wrap(err, "Controller", "Start", "subscribe to "+filter)
		}
		c.subs = append(c.subs, sub)
	}

	c.done = make(chan struct{})
	if c.cfg.TickInterval > 0 {
		go c.runTicks(runCtx, c.done)
	} else {
		close(c.done)
	}

	c.started.Store(true)
	c.logger.Info("Scene started",
		"subscriptions", c.cfg.Subscriptions,
		"buffer_window", c.cfg.BufferWindow,
		"tick_interval", c.cfg.TickInterval,
		"rules", len(c.rules.Rules()))
	return nil
}

// Stop unsubscribes and stops both timers. Updates still in the buffer are
// not matched.
func (c *Controller) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.started.Load() {
		return nil
	}
	err := c.teardown()
	c.started.Store(false)
	c.logger.Info("Scene stopped", "pending", c.buffer.Pending())
	return err
}

// teardown releases whatever Start acquired. Caller holds runMu.
func (c *Controller) teardown() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
		c.done = nil
	}

	var firstErr error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.subs = nil

	c.buffer.Stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	return firstErr
}

func (c *Controller) ingest(u homie.Update) {
	c.buffer.Ingest(u)
}

// actionContext is the context handed to rule actions run from the buffer.
func (c *Controller) actionContext() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

// processBatch asserts one fact per coalesced update and matches once.
func (c *Controller) processBatch(batch []homie.Update) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	asserted := 0
	for _, u := range batch {
		if u.IsMeta() {
			continue
		}
		if _, err := c.session.Assert(u.PropertyUpdate); err != nil {
			c.logger.Warn("Assert failed", "key", u.Key(), "error", err)
			continue
		}
		asserted++
	}
	if asserted == 0 {
		return
	}
	_, _ = c.match(c.actionContext())
}

// Tick asserts a Tick fact for now and matches it. The tick timer calls it
// on every interval; tests and callers without a timer may call it directly.
func (c *Controller) Tick(ctx context.Context, now time.Time) (rule.MatchResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.tickSeq++
	if _, err := c.session.Assert(fact.Tick{Time: now, Seq: c.tickSeq}); err != nil {
		return rule.MatchResult{}, err
	}
	if c.metrics != nil {
		c.metrics.ticks.Inc()
	}
	return c.match(ctx)
}

func (c *Controller) match(ctx context.Context) (rule.MatchResult, error) {
	res, err := c.session.Match(ctx)
	if c.observer != nil {
		c.observer(res, err)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.cycleErrors.Inc()
		}
		c.logger.Warn("Match cycle finished with errors",
			"facts", res.Facts, "fired", res.Fired, "action_errors", res.ActionErrors, "error", err)
		return res, err
	}
	c.logger.Debug("Match cycle",
		"facts", res.Facts, "evaluated", res.Evaluated, "fired", res.Fired, "duration", res.Duration)
	return res, nil
}

func (c *Controller) runTicks(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, _ = c.Tick(ctx, now)
		}
	}
}

// Flush matches whatever the buffer holds now instead of waiting for the
// window to close.
func (c *Controller) Flush() int {
	return c.buffer.Flush()
}

// ToggleMode publishes the other game mode to the state machine. The mode
// itself changes when the state machine update comes back through the
// source.
func (c *Controller) ToggleMode(ctx context.Context) error {
	next := fact.ModeAnimation
	if c.Mode() == fact.ModeAnimation {
		next = fact.ModeSkin
	}
	return c.publish(ctx, DefaultStateMachine, DefaultStateProperty, next)
}

// Mode returns the current game mode.
func (c *Controller) Mode() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.CurrentMode
}

// Players returns copies of every known player, sorted by node ID.
func (c *Controller) Players() []*fact.PlayerNode {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	out := make([]*fact.PlayerNode, 0, len(c.players))
	for _, p := range c.players {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Player returns a copy of one player.
func (c *Controller) Player(nodeID string) (*fact.PlayerNode, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	p, ok := c.players[nodeID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// TerminalPlayer returns the player mapped to a terminal.
func (c *Controller) TerminalPlayer(terminalID string) (string, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	nodeID, ok := c.terminals[terminalID]
	return nodeID, ok
}

// Layout returns the current team layout.
func (c *Controller) Layout() TeamLayout {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return ComputeTeamLayout(c.players, c.cfg.Teams)
}

// Corals returns the corals in the order they were added.
func (c *Controller) Corals() []fact.Coral {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	out := make([]fact.Coral, 0, len(c.coralIDs))
	for _, id := range c.coralIDs {
		out = append(out, *c.corals[id])
	}
	return out
}

// AddCoral places a new coral at a random position inside the reef bounds
// and renders it.
func (c *Controller) AddCoral(ctx context.Context, id string, scale float64) (fact.Coral, error) {
	coral, err := c.placeCoral(CoralConfig{ID: id, Scale: scale})
	if err != nil {
		return fact.Coral{}, err
	}
	return coral, c.renderer.UpdateCoral(ctx, coral)
}

func (c *Controller) placeCoral(cfg CoralConfig) (fact.Coral, error) {
	if cfg.ID == "" || cfg.Scale <= 0 {
		return fact.Coral{}, errors.Invalidf(errors.ErrInvalidData, "Controller", "AddCoral",
			"coral needs an id and a positive scale")
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if _, exists := c.corals[cfg.ID]; exists {
		return fact.Coral{}, errors.Invalidf(errors.ErrInvalidData, "Controller", "AddCoral",
			"coral %q already exists", cfg.ID)
	}

	coral := &fact.Coral{ID: cfg.ID, Scale: cfg.Scale}
	if cfg.Position != nil {
		coral.Position = *cfg.Position
	} else {
		coral.Position = c.randomPosition()
	}
	c.corals[cfg.ID] = coral
	c.coralIDs = append(c.coralIDs, cfg.ID)
	if c.metrics != nil {
		c.metrics.corals.Set(float64(len(c.corals)))
	}
	return *coral, nil
}

// randomPosition picks a point inside the reef bounds. Caller holds stateMu.
func (c *Controller) randomPosition() fact.Vec3 {
	b := c.cfg.Reef.Bounds
	coord := func(lo, hi float64) float64 { return lo + c.rng.Float64()*(hi-lo) }
	return fact.Vec3{
		X: coord(b.Min.X, b.Max.X),
		Y: coord(b.Min.Y, b.Max.Y),
		Z: coord(b.Min.Z, b.Max.Z),
	}
}

// Stats returns the rule session statistics.
func (c *Controller) Stats() *rule.SessionStats {
	return c.session.Stats()
}

// Session exposes the rule session for inspection.
func (c *Controller) Session() *rule.Session {
	return c.session
}

// publish sends value to <gateway>/<node>/<property> under the configured
// root.
func (c *Controller) publish(ctx context.Context, nodeID, propertyID, value string) error {
	topic := fact.PropertyUpdate{DeviceID: c.cfg.GatewayDevice, NodeID: nodeID, PropertyID: propertyID}.Topic(c.cfg.Root)
	return c.publishTopic(ctx, topic, propertyID, value)
}

func (c *Controller) publishTopic(ctx context.Context, topic, label, value string) error {
	err := c.source.Publish(ctx, topic, value, homie.PublishOptions{Retain: c.cfg.RetainCommands})
	if err != nil {
		if c.metrics != nil {
			c.metrics.commandErrors.WithLabelValues(label).Inc()
		}
		return errors.Wrap(err, "Controller", "publish", "publish "+topic)
	}
	if c.metrics != nil {
		c.metrics.commandsPublished.WithLabelValues(label).Inc()
	}
	c.logger.Info("Published command", "topic", topic, "value", value)
	return nil
}
