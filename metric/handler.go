package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CMCRobotics/save-the-reef/errors"
)

// Server exposes the metrics registry, a health probe, and any extra handlers
// (the websocket hub) on one HTTP listener.
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	mux      *http.ServeMux
	health   func() bool

	healthPath string

	routesOnce sync.Once

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server with the provided registry
func NewServer(addr, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		mux:      http.NewServeMux(),

		healthPath: "/health",
	}
}

// Handle mounts an additional handler before the server starts.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetHealthPath moves the health probe. Call it before Start.
func (s *Server) SetHealthPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path != "" {
		s.healthPath = path
	}
}

// SetHealthCheck installs the health probe. Without one the server reports
// healthy while it is running.
func (s *Server) SetHealthCheck(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = fn
}

// Handler returns the composed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "metrics registry not provided")
	}

	s.routesOnce.Do(func() {
		s.mux.Handle(s.path, promhttp.HandlerFor(
			s.registry.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
		s.mux.HandleFunc(s.healthPath, s.handleHealth)
	})

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", "serve http")
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

// Address returns the bound listener address, or the configured one before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	health := s.health
	s.mu.Unlock()

	if health != nil && !health() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("UNHEALTHY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
