package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/processor/scene"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Event types sent to viewers.
const (
	EventTeams     = "teams"
	EventAnimation = "animation"
	EventSkin      = "skin"
	EventMode      = "mode"
	EventCoral     = "coral"
	EventError     = "error"
)

// CommandToggleMode asks the scene to switch between skin and animation mode.
const CommandToggleMode = "toggle_mode"

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 * 1024

	// Each viewer may send 5 commands per second with bursts of 10.
	defaultCommandRate  = rate.Limit(5)
	defaultCommandBurst = 10
)

// Event is the envelope of every frame, in both directions. Viewers send
// commands as events with only Type and optionally Payload set.
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

// Command is an inbound request from one viewer.
type Command struct {
	Type     string
	ClientID string
	Payload  json.RawMessage
}

// CommandHandler runs a viewer command. Its error is reported back to that
// viewer only.
type CommandHandler func(ctx context.Context, cmd Command) error

// Hub serves viewers over websocket and renders the scene to them. The last
// layout, mode, per-player skin and animation, and every coral are replayed
// to each new viewer so late joiners see the current scene.
type Hub struct {
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	metrics      *hubMetrics
	pingInterval time.Duration
	writeTimeout time.Duration
	readLimit    int64
	commandRate  rate.Limit
	commandBurst int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientsMu sync.RWMutex
	clients   map[string]*client
	closed    bool

	handlersMu sync.RWMutex
	handlers   map[string]CommandHandler

	stateMu    sync.Mutex
	state      map[string][]byte
	stateOrder []string
}

var _ scene.Renderer = (*Hub)(nil)
var _ http.Handler = (*Hub)(nil)

type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	limiter     *rate.Limiter

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics exports hub metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) {
		h.registry = registry
	}
}

// WithPingInterval sets how often Run pings viewers. Viewers that miss two
// pongs are dropped.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithCommandRate limits the commands each viewer may send. Commands over
// the limit are answered with a "rate limited" error and never reach their
// handler. rate.Inf disables the limit.
func WithCommandRate(limit rate.Limit, burst int) Option {
	return func(h *Hub) {
		if limit > 0 && burst > 0 {
			h.commandRate = limit
			h.commandBurst = burst
		}
	}
}

// WithCheckOrigin replaces the origin check. By default every origin is
// accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// NewHub creates a hub with no viewers.
func NewHub(opts ...Option) (*Hub, error) {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		commandRate:  defaultCommandRate,
		commandBurst: defaultCommandBurst,
		clients:      make(map[string]*client),
		handlers:     make(map[string]CommandHandler),
		state:        make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "websocket-hub")

	metrics, err := newHubMetrics(h.registry)
	if err != nil {
		return nil, errors.Wrap(err, "Hub", "NewHub", "register metrics")
	}
	h.metrics = metrics
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// HandleCommand registers fn for inbound events of type typ, replacing any
// earlier handler.
func (h *Hub) HandleCommand(typ string, fn CommandHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	if fn == nil {
		delete(h.handlers, typ)
		return
	}
	h.handlers[typ] = fn
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.clientsMu.RLock()
	closed := h.closed
	h.clientsMu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		h.recordError("connection_upgrade")
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(h.commandRate, h.commandBurst),
	}

	// Hold the client's write lock across registration so a broadcast racing
	// with the replay waits until the replay is written.
	c.writeMu.Lock()
	h.stateMu.Lock()
	replay := make([][]byte, 0, len(h.stateOrder))
	for _, key := range h.stateOrder {
		replay = append(replay, h.state[key])
	}
	h.clientsMu.Lock()
	if h.closed {
		h.clientsMu.Unlock()
		h.stateMu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.wg.Add(1)
	h.clientsMu.Unlock()
	h.stateMu.Unlock()

	if h.metrics != nil {
		h.metrics.connections.Inc()
		h.metrics.clientsConnected.Set(float64(count))
	}
	h.logger.Info("Viewer connected", "client_id", c.id, "remote", r.RemoteAddr, "replayed", len(replay))

	var replayErr error
	for _, frame := range replay {
		if replayErr = h.writeLocked(c, frame); replayErr != nil {
			break
		}
	}
	c.writeMu.Unlock()

	if replayErr != nil {
		h.recordError("replay")
		h.removeClient(c, "write_error")
		h.wg.Done()
		return
	}

	go h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	reason := "normal"
	defer func() { h.removeClient(c, reason) }()

	pongWait := 2 * h.pingInterval
	c.conn.SetReadLimit(h.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read_error"
				h.logger.Debug("Viewer read failed", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var evt Event
		parseErr := json.Unmarshal(data, &evt)
		if !c.limiter.Allow() {
			h.throttle(c, evt.Type)
			continue
		}
		if parseErr != nil || evt.Type == "" {
			h.recordError("invalid_command")
			h.reply(c, ErrorPayload{Error: "invalid command"})
			continue
		}
		h.dispatch(c, evt)
	}
}

func (h *Hub) dispatch(c *client, evt Event) {
	h.handlersMu.RLock()
	fn, ok := h.handlers[evt.Type]
	h.handlersMu.RUnlock()

	if h.metrics != nil {
		h.metrics.commands.WithLabelValues(evt.Type).Inc()
	}
	if !ok {
		h.logger.Debug("Unknown viewer command", "client_id", c.id, "type", evt.Type)
		h.reply(c, ErrorPayload{Command: evt.Type, Error: "unknown command"})
		return
	}

	if err := fn(h.ctx, Command{Type: evt.Type, ClientID: c.id, Payload: evt.Payload}); err != nil {
		h.logger.Warn("Viewer command failed", "client_id", c.id, "type", evt.Type, "error", err)
		h.recordError("command")
		h.reply(c, ErrorPayload{Command: evt.Type, Error: err.Error()})
	}
}

// throttle rejects one frame from a viewer over its command rate.
func (h *Hub) throttle(c *client, typ string) {
	if h.metrics != nil {
		h.metrics.commandsRateLimited.WithLabelValues(typ).Inc()
	}
	h.logger.Debug("Viewer command rate limited", "client_id", c.id, "type", typ)
	h.reply(c, ErrorPayload{Command: typ, Error: "rate limited"})
}

func (h *Hub) reply(c *client, payload ErrorPayload) {
	frame, err := newFrame(EventError, payload)
	if err != nil {
		return
	}
	if err := h.write(c, frame); err != nil {
		h.removeClient(c, "write_error")
	}
}

func newFrame(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Hub", "broadcast", "marshal "+typ+" payload")
	}
	return json.Marshal(Event{
		Type:      typ,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	})
}

// broadcast sends one event to every viewer. A non-empty key records the
// frame for replay, replacing the previous frame under that key.
func (h *Hub) broadcast(typ, key string, payload any) error {
	frame, err := newFrame(typ, payload)
	if err != nil {
		return err
	}

	h.stateMu.Lock()
	h.clientsMu.RLock()
	if h.closed {
		h.clientsMu.RUnlock()
		h.stateMu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Hub", "broadcast", "hub closed")
	}
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clientsMu.RUnlock()
	if key != "" {
		if _, ok := h.state[key]; ok {
			h.stateOrder = slices.DeleteFunc(h.stateOrder, func(k string) bool { return k == key })
		}
		h.state[key] = frame
		h.stateOrder = append(h.stateOrder, key)
	}
	h.stateMu.Unlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := h.write(c, frame); err != nil {
				h.logger.Debug("Dropping viewer after write failure", "client_id", c.id, "error", err)
				h.recordError("client_send")
				h.removeClient(c, "write_error")
			}
		}(c)
	}
	wg.Wait()

	if h.metrics != nil {
		h.metrics.eventsBroadcast.WithLabelValues(typ).Inc()
	}
	return nil
}

func (h *Hub) write(c *client, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return h.writeLocked(c, frame)
}

// writeLocked writes one text frame. Caller holds c.writeMu; gorilla
// connections allow a single concurrent writer.
func (h *Hub) writeLocked(c *client, frame []byte) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *Hub) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		h.clientsMu.Lock()
		delete(h.clients, c.id)
		count := len(h.clients)
		h.clientsMu.Unlock()

		if h.metrics != nil {
			h.metrics.disconnections.WithLabelValues(reason).Inc()
			h.metrics.clientsConnected.Set(float64(count))
		}
		h.logger.Info("Viewer disconnected", "client_id", c.id, "reason", reason,
			"connected_for", time.Since(c.connectedAt))
		_ = c.conn.Close()
	})
}

func (h *Hub) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.errors.WithLabelValues(kind).Inc()
	}
}

// Run pings viewers until ctx is done or the hub is closed.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.ctx.Done():
			return nil
		case <-ticker.C:
			h.ping()
		}
	}
}

func (h *Hub) ping() {
	h.clientsMu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clientsMu.RUnlock()

	deadline := time.Now().Add(h.writeTimeout)
	for _, c := range targets {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.recordError("ping")
			h.removeClient(c, "ping_failed")
		}
	}
}

// Close disconnects every viewer and rejects new ones. Render calls after
// Close fail with ErrShuttingDown.
func (h *Hub) Close() error {
	h.clientsMu.Lock()
	if h.closed {
		h.clientsMu.Unlock()
		return nil
	}
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clientsMu.Unlock()

	h.cancel()
	deadline := time.Now().Add(h.writeTimeout)
	for _, c := range targets {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		h.removeClient(c, "shutdown")
	}
	h.wg.Wait()
	return nil
}

// RenderTeams implements scene.Renderer.
func (h *Hub) RenderTeams(_ context.Context, layout scene.TeamLayout) error {
	return h.broadcast(EventTeams, EventTeams, layout)
}

// UpdateAnimation implements scene.Renderer.
func (h *Hub) UpdateAnimation(_ context.Context, p scene.PlayerView) error {
	return h.broadcast(EventAnimation, EventAnimation+"/"+p.NodeID, p)
}

// UpdateSkin implements scene.Renderer.
func (h *Hub) UpdateSkin(_ context.Context, p scene.PlayerView) error {
	return h.broadcast(EventSkin, EventSkin+"/"+p.NodeID, p)
}

// ModePayload is the payload of a mode event.
type ModePayload struct {
	Mode string `json:"mode"`
}

// UpdateMode implements scene.Renderer.
func (h *Hub) UpdateMode(_ context.Context, mode string) error {
	return h.broadcast(EventMode, EventMode, ModePayload{Mode: mode})
}

// UpdateCoral implements scene.Renderer.
func (h *Hub) UpdateCoral(_ context.Context, c fact.Coral) error {
	return h.broadcast(EventCoral, EventCoral+"/"+c.ID, c)
}

// ToggleModeHandler adapts a scene toggle to a command handler.
func ToggleModeHandler(toggle func(ctx context.Context) error) CommandHandler {
	return func(ctx context.Context, _ Command) error {
		return toggle(ctx)
	}
}
