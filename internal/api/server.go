package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/skyguard-core/internal/infrastructure/config"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/logging"
	"github.com/nerrad567/skyguard-core/internal/journal"
	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/process"
)

// gracefulShutdownTimeout bounds Close.
const gracefulShutdownTimeout = 10 * time.Second

// StatusSource exposes the monitor's state.
type StatusSource interface {
	Snapshot() monitor.Snapshot
}

// Evaluator runs on-demand evaluations.
type Evaluator interface {
	Trigger(ctx context.Context) (monitor.Transition, error)
	Stats() monitor.SchedulerStats
}

// TransitionStore reads the transition journal.
type TransitionStore interface {
	List(ctx context.Context, filter journal.Filter) (*journal.ListResult, error)
	Get(ctx context.Context, id string) (*journal.Entry, error)
}

// HostStats reports the supervised KStars process.
type HostStats interface {
	Stats() process.Stats
}

// HealthChecker is implemented by the database, MQTT and InfluxDB clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the server's collaborators. Journal, Host and Checks are
// optional.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Monitor   StatusSource
	Scheduler Evaluator
	Journal   TransitionStore
	Host      HostStats
	Checks    map[string]HealthChecker
	Version   string
}

// Server is the HTTP status API.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	monitor   StatusSource
	scheduler Evaluator
	journal   TransitionStore
	host      HostStats
	checks    map[string]HealthChecker
	version   string
	startedAt time.Time
	hub       *Hub

	server   *http.Server
	listener net.Listener
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Monitor == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("monitor and scheduler are required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		monitor:   deps.Monitor,
		scheduler: deps.Scheduler,
		journal:   deps.Journal,
		host:      deps.Host,
		checks:    deps.Checks,
		version:   deps.Version,
		startedAt: time.Now(),
		hub:       NewHub(deps.Config.WebSocket, deps.Logger),
	}, nil
}

// Hub returns the websocket hub. Register it with the monitor as a recorder
// to stream events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background. Binding errors
// (port in use) are returned; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.Read,
		ReadHeaderTimeout: s.cfg.Timeouts.Read,
		WriteTimeout:      s.cfg.Timeouts.Write,
		IdleTimeout:       s.cfg.Timeouts.Idle,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	// Shutdown does not track hijacked websocket connections.
	s.hub.closeAll()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}
