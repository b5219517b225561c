package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by operations that need a live connection. It
// classifies as transient.
var ErrNotConnected = fmt.Errorf("not connected to NATS: %w", errors.ErrNoConnection)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// Client manages a NATS connection guarded by a circuit breaker.
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration
	reconnects       atomic.Int32

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	core            *metric.Metrics
	jsMetrics       *jetstreamMetrics
	metricsCancel   context.CancelFunc
	metricsInterval time.Duration

	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           newSlogLogger(nil),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		metricsInterval:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	c.logger.Debugf("Created NATS client for %s", url)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.core != nil {
		c.core.RecordNATSStatus(status == StatusConnected)
		c.core.RecordCircuitBreakerState(status == StatusCircuitOpen)
	}
}

// IsHealthy reports whether the client is connected.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failure count since the last success.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// Connection returns the underlying connection, nil before Connect.
func (c *Client) Connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// recordFailure counts a failure and opens the circuit at the threshold.
func (c *Client) recordFailure() {
	total := c.failures.Add(1)
	c.lastFailure.Store(time.Now())
	round := c.circuitFailures.Add(1)

	c.logger.Debugf("Recorded failure %d (circuit failures: %d)", total, round)

	if round < c.circuitThreshold {
		return
	}

	current := c.Status()
	backoff := c.backoff.Load().(time.Duration)
	c.backoff.Store(min(backoff*2, c.maxBackoff))
	c.circuitFailures.Store(0)

	if current == StatusCircuitOpen {
		c.logger.Printf("Circuit breaker still open, increased backoff to %v", c.Backoff())
		return
	}
	if c.status.CompareAndSwap(current, StatusCircuitOpen) {
		c.setStatus(StatusCircuitOpen)
		c.logger.Printf("Circuit breaker opened after %d failures, backing off for %v", round, backoff)
		time.AfterFunc(backoff, c.halfOpen)
	}
}

// resetCircuit clears failure state after a successful operation.
func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect attempt through once the backoff expires.
func (c *Client) halfOpen() {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker backoff expired, allowing a new attempt")
		c.setStatus(StatusDisconnected)
	}
}

// guard rejects operations while the circuit is open or the client is down.
func (c *Client) guard() error {
	switch c.Status() {
	case StatusCircuitOpen:
		return errors.ErrCircuitOpen
	case StatusConnected:
		return nil
	default:
		return ErrNotConnected
	}
}

// WaitForConnection blocks until the client is connected or ctx is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsEnabled {
		if c.tlsCertFile != "" && c.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
		}
		if c.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(c.tlsCAFile))
		}
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// GetStatus returns a status snapshot.
func (c *Client) GetStatus() *Status {
	status := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
		Reconnects:      c.reconnects.Load(),
	}
	if conn := c.Connection(); conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}
	return status
}

// Connect dials the server and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return errors.ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	opts := c.connectionOptions()
	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			done <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		done <- nil
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return errors.ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to NATS at %s", c.url)

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	if c.jsMetrics != nil && c.metricsInterval > 0 {
		c.metricsCancel = c.jsMetrics.startPoller(context.Background(), c.metricsInterval)
	}

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		onHealthChange(true)
	}
	return nil
}

// Close stops consumers and subscriptions, drains and closes the connection.
// It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	c.stopHealthMonitoring()
	if c.metricsCancel != nil {
		c.metricsCancel()
	}

	c.consumersMu.Lock()
	for name, cc := range c.consumers {
		cc.Stop()
		c.logger.Debugf("Stopped consumer: %s", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		conn := c.conn
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}

		conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)

	for _, err := range errs {
		c.logger.Errorf("Close: %v", err)
	}
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn := c.Connection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe subscribes handler to a core NATS subject. Each message gets a
// context derived from ctx with a 30 second processing budget. The
// subscription is also released by Close.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg)
	})
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}

	c.subs = append(c.subs, sub)
	return sub, nil
}

// Publish publishes data on a core NATS subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	conn := c.Connection()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateOrUpdateStream creates the stream or updates its configuration.
func (c *Client) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("create_stream")
		return nil, errors.WrapTransient(err, "Client", "CreateOrUpdateStream", fmt.Sprintf("create stream %s", cfg.Name))
	}

	c.resetCircuit()
	c.jsMetrics.trackStream(cfg.Name, stream)
	return stream, nil
}

// PublishToStream publishes to a stream subject and waits for the ack.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("publish")
		return errors.WrapTransient(err, "Client", "PublishToStream", fmt.Sprintf("publish to %s", subject))
	}

	c.resetCircuit()
	return nil
}

// ConsumeOrdered starts an ordered consumer on stream and delivers every
// message to handler. Ordered consumers are ephemeral and need no acks.
// The returned context stops consumption; Close also stops it.
func (c *Client) ConsumeOrdered(
	ctx context.Context,
	streamName string,
	cfg jetstream.OrderedConsumerConfig,
	handler func(jetstream.Msg),
) (jetstream.ConsumeContext, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeOrdered", "check client state")
	}
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := js.OrderedConsumer(ctx, streamName, cfg)
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError("create_consumer")
		return nil, errors.WrapTransient(err, "Client", "ConsumeOrdered", fmt.Sprintf("create consumer on %s", streamName))
	}
	if info, err := consumer.Info(ctx); err == nil {
		c.jsMetrics.trackConsumer(streamName, info.Name, consumer)
	}

	cc, err := consumer.Consume(handler)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "ConsumeOrdered", "start consuming")
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	if c.closed.Load() {
		cc.Stop()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeOrdered", "register consumer")
	}
	if c.consumers == nil {
		c.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := fmt.Sprintf("%s:%v", streamName, cfg.FilterSubjects)
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
	}
	c.consumers[key] = cc

	c.resetCircuit()
	return cc, nil
}

// OnHealthChange sets a callback for health status changes
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthChange = fn
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)

	c.mu.RLock()
	onDisconnect, onHealthChange := c.onDisconnect, c.onHealthChange
	c.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.reconnects.Add(1)
	if c.core != nil {
		c.core.RecordNATSReconnect()
	}
	c.setStatus(StatusConnected)
	c.resetCircuit()

	c.mu.RLock()
	onReconnect, onHealthChange := c.onReconnect, c.onHealthChange
	c.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Errorf("NATS error: %v", err)
}

// startHealthMonitoring polls the connection and reports transitions.
func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	done := make(chan struct{})
	c.healthDone = done
	interval := c.healthInterval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastHealthy := c.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn := c.Connection()
				if conn == nil {
					continue
				}

				healthy := conn.IsConnected()
				if _, err := conn.RTT(); err != nil {
					healthy = false
				}

				if healthy && c.Status() != StatusConnected {
					c.setStatus(StatusConnected)
				} else if !healthy && c.Status() == StatusConnected {
					c.setStatus(StatusReconnecting)
				}

				c.mu.RLock()
				onHealthChange := c.onHealthChange
				c.mu.RUnlock()
				if healthy != lastHealthy && onHealthChange != nil {
					onHealthChange(healthy)
				}
				lastHealthy = healthy
			}
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
