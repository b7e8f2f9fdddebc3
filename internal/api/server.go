package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/diagnostics"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/logging"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Sessions is the session registry surface the API drives.
// *session.Registry satisfies it.
type Sessions interface {
	Get(id string) (*session.Session, bool)
	Sessions() []*session.Session
	Counts() session.Counts
	SetValues(ctx context.Context, deviceID string, dps device.State) error
	Events() *session.EventBridge
}

// Diagnostics builds the masked dumps. *diagnostics.Collector satisfies it.
type Diagnostics interface {
	Export() diagnostics.Report
	Device(id string) (diagnostics.DeviceReport, error)
}

// HealthSource reports the core health record; optional.
type HealthSource interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Sessions    Sessions
	History     device.StateHistoryRepository // optional
	Diagnostics Diagnostics                   // optional
	MQTT        HealthSource                  // optional
	Version     string
}

// Server is the HTTP API server of the core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	sessions    Sessions
	history     device.StateHistoryRepository
	diagnostics Diagnostics
	mqtt        HealthSource
	version     string
	started     time.Time

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		sessions:    deps.Sessions,
		history:     deps.History,
		diagnostics: deps.Diagnostics,
		mqtt:        deps.MQTT,
		version:     deps.Version,
		started:     time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	s.hub.initial = s.currentStatus

	// The hub only marshals and hands off to buffered client queues, so it
	// is safe on the session goroutines.
	relay := &hubRelay{hub: s.hub}
	s.sessions.Events().AddStatusSink(relay)
	s.sessions.Events().AddNotifier(relay)

	return s, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
