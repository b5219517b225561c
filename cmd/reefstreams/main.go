// Package main runs reefstreams, the Save the Reef scene controller.
//
// It subscribes to Homie property updates on NATS (or an in-process broker),
// runs them through the scene's rule session, publishes device commands back,
// and streams visual changes to browser viewers over a WebSocket. Metrics,
// health and the viewer endpoint share one HTTP listener.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CMCRobotics/save-the-reef/config"
	"github.com/CMCRobotics/save-the-reef/health"
	"github.com/CMCRobotics/save-the-reef/input/homie"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/natsclient"
	"github.com/CMCRobotics/save-the-reef/output/file"
	"github.com/CMCRobotics/save-the-reef/output/websocket"
	"github.com/CMCRobotics/save-the-reef/pkg/retry"
	"github.com/CMCRobotics/save-the-reef/processor/rule"
	"github.com/CMCRobotics/save-the-reef/processor/scene"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "reefstreams"
)

// Values of the reef_service_status gauge.
const (
	serviceStopped = iota
	serviceStarting
	serviceRunning
	serviceStopping
	serviceFailed
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if stderrors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		fs.SetOutput(stdout)
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "profile", cfg.Scene.Profile, "layers", cliCfg.ConfigPaths)
		logger.Debug("Effective configuration", "config", cfg.String())
		return nil
	}

	logger.Info("Starting reefstreams",
		"version", Version,
		"build_time", BuildTime,
		"profile", cfg.Scene.Profile,
		"broker", cliCfg.Broker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, cliCfg.Broker, logger)
	if err != nil {
		return err
	}
	return app.run(ctx, cliCfg.ShutdownTimeout)
}

// loadConfig layers the given files over the profile defaults and the
// environment, then validates.
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// brokerSource is a homie.Source the application owns and closes.
type brokerSource interface {
	homie.Source
	Close() error
}

// application owns every long-lived component of the process.
type application struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	// sceneDegraded is set by an action error and cleared by the next
	// clean match cycle.
	sceneDegraded atomic.Bool

	nats    *natsclient.Client
	source  brokerSource
	hub     *websocket.Hub
	journal *file.Journal
	scene   *scene.Controller
	server  *metric.Server
}

func newApplication(ctx context.Context, cfg *config.Config, broker string, logger *slog.Logger) (*application, error) {
	app := &application{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(appName),
	}

	if err := app.setupSource(ctx, broker); err != nil {
		return nil, err
	}

	hub, err := websocket.NewHub(
		websocket.WithLogger(logger),
		websocket.WithMetrics(app.registry),
		websocket.WithCommandRate(rate.Limit(cfg.HTTP.CommandRate), cfg.HTTP.CommandBurst),
	)
	if err != nil {
		app.closeSource(ctx)
		return nil, fmt.Errorf("create viewer hub: %w", err)
	}
	app.hub = hub

	var renderer scene.Renderer = hub
	if cfg.Journal.Enabled {
		journal, err := file.NewJournal(cfg.Journal,
			file.WithLogger(logger.With("component", "journal")),
			file.WithMetrics(app.registry),
		)
		if err != nil {
			_ = hub.Close()
			app.closeSource(ctx)
			return nil, fmt.Errorf("open scene journal: %w", err)
		}
		app.journal = journal
		renderer = scene.Renderers(hub, journal)
	}

	ctrl, err := scene.New(app.source, cfg.Scene,
		scene.WithRenderer(renderer),
		scene.WithLogger(logger),
		scene.WithMetrics(app.registry),
		scene.WithDiagnostics(app.diagnostic),
		scene.WithCycleObserver(app.cycleFinished),
	)
	if err != nil {
		_ = hub.Close()
		app.closeJournal()
		app.closeSource(ctx)
		return nil, fmt.Errorf("create scene controller: %w", err)
	}
	app.scene = ctrl
	hub.HandleCommand(websocket.CommandToggleMode, websocket.ToggleModeHandler(ctrl.ToggleMode))

	app.server = metric.NewServer(cfg.HTTP.Addr, cfg.HTTP.MetricsPath, app.registry)
	app.server.SetHealthPath(cfg.HTTP.HealthPath)
	app.server.SetHealthCheck(app.healthy)
	app.server.Handle(path.Join(cfg.HTTP.HealthPath, "components"), app.monitor)
	app.server.Handle(cfg.HTTP.WebSocketPath, hub)

	return app, nil
}

// setupSource connects the property broker.
func (a *application) setupSource(ctx context.Context, broker string) error {
	logger := a.logger.With("component", "homie", "broker", broker)

	if broker == config.BrokerMemory {
		a.source = homie.NewMemorySource(
			homie.WithName("memory"),
			homie.WithLogger(logger),
			homie.WithMetrics(a.registry),
		)
		a.monitor.UpdateHealthy("broker", "in-process")
		return nil
	}

	client, err := a.connectToNATS(ctx)
	if err != nil {
		return err
	}
	a.nats = client

	source, err := homie.NewNATSSource(client, a.cfg.NATS.Homie,
		homie.WithLogger(logger),
		homie.WithMetrics(a.registry),
	)
	if err != nil {
		a.closeSource(ctx)
		return fmt.Errorf("create homie source: %w", err)
	}
	a.source = source

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = retry.Do(streamCtx, retry.Quick(), func() error {
		return source.EnsureStream(streamCtx)
	})
	if err != nil {
		a.closeSource(ctx)
		return fmt.Errorf("ensure retained stream %s: %w", a.cfg.NATS.Homie.Stream, err)
	}
	return nil
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func (a *application) connectToNATS(ctx context.Context) (*natsclient.Client, error) {
	nc := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
		natsclient.WithSlog(a.logger),
		natsclient.WithMetrics(a.registry),
		natsclient.WithHealthChangeCallback(a.natsHealthChanged),
	}
	switch {
	case nc.Token != "":
		opts = append(opts, natsclient.WithToken(nc.Token))
	case nc.Username != "":
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(nc.TLS.CertFile, nc.TLS.KeyFile, nc.TLS.CAFile))
	}

	client, err := natsclient.NewClient(nc.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "servers", len(nc.URLs))
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	a.monitor.UpdateHealthy("broker", "connected")
	return client, nil
}

func (a *application) natsHealthChanged(healthy bool) {
	if healthy {
		a.monitor.UpdateHealthy("broker", "connected")
		return
	}
	// The client keeps reconnecting; the scene holds its state meanwhile.
	a.monitor.UpdateDegraded("broker", "disconnected, reconnecting")
}

func (a *application) diagnostic(d rule.Diagnostic) {
	if d.Kind == rule.DiagnosticActionError {
		a.sceneDegraded.Store(true)
		a.monitor.UpdateDegraded("scene", fmt.Sprintf("rule %s failed on fact #%d", d.Rule, d.FactID))
	}
}

func (a *application) cycleFinished(_ rule.MatchResult, err error) {
	if err == nil && a.sceneDegraded.CompareAndSwap(true, false) {
		a.monitor.UpdateHealthy("scene", string(a.cfg.Scene.Profile))
	}
}

func (a *application) healthy() bool {
	a.monitor.UpdateHealthy("websocket", fmt.Sprintf("%d viewers", a.hub.Clients()))
	return a.monitor.Healthy()
}

func (a *application) setStatus(service string, status int) {
	a.registry.CoreMetrics().RecordServiceStatus(service, status)
}

// run starts the scene, the HTTP listener and the viewer keepalive, then
// blocks until ctx is done or one of them fails.
func (a *application) run(ctx context.Context, shutdownTimeout time.Duration) error {
	a.setStatus("scene", serviceStarting)
	if err := a.scene.Start(ctx); err != nil {
		a.setStatus("scene", serviceFailed)
		a.shutdown(shutdownTimeout)
		return fmt.Errorf("start scene: %w", err)
	}
	a.setStatus("scene", serviceRunning)
	a.monitor.UpdateHealthy("scene", string(a.cfg.Scene.Profile))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	g.Go(func() error {
		return a.hub.Run(gctx)
	})

	a.logger.Info("reefstreams started",
		"http", a.cfg.HTTP.Addr,
		"metrics", a.cfg.HTTP.MetricsPath,
		"health", a.cfg.HTTP.HealthPath,
		"websocket", a.cfg.HTTP.WebSocketPath)

	<-gctx.Done()
	if ctx.Err() != nil {
		a.logger.Info("Received shutdown signal")
	}

	a.shutdown(shutdownTimeout)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.logger.Info("reefstreams shutdown complete")
	return nil
}

// shutdown stops components in reverse dependency order: the scene first so
// no more commands or renders are produced, then viewers, the listener and
// the broker.
func (a *application) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.setStatus("scene", serviceStopping)
	if err := a.scene.Stop(); err != nil {
		a.logger.Warn("Scene stop failed", "error", err)
	}
	a.setStatus("scene", serviceStopped)
	a.monitor.UpdateUnhealthy("scene", "stopped")

	if err := a.hub.Close(); err != nil {
		a.logger.Warn("Viewer hub close failed", "error", err)
	}
	a.closeJournal()
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Warn("HTTP server stop failed", "error", err)
	}
	a.closeSource(ctx)
}

func (a *application) closeJournal() {
	if a.journal == nil {
		return
	}
	if err := a.journal.Close(); err != nil {
		a.logger.Warn("Scene journal close failed", "error", err)
	}
}

func (a *application) closeSource(ctx context.Context) {
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.Warn("Homie source close failed", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
	}
}
