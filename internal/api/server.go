package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/controls"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/config"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Device is the controller client as seen by the API.
// It is satisfied by *nbe.Client.
type Device interface {
	Serial() string
	Address() string
	Stats() nbe.Stats
	HealthCheck(ctx context.Context) error
}

// Poller reports poll health and schedules refreshes.
// It is satisfied by *poller.Poller.
type Poller interface {
	Status() poller.Status
	Stale() bool
	RequestRefresh()
}

// Database exposes pool statistics and the applied schema version.
// It is satisfied by *database.DB.
type Database interface {
	Stats() sql.DBStats
	SchemaVersion(ctx context.Context) (string, error)
}

// Broker reports the state of the MQTT connection.
// It is satisfied by *mqtt.Client.
type Broker interface {
	IsConnected() bool
	Stats() mqtt.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Device   Device
	Cache    *registers.Cache
	Poller   Poller
	Controls *controls.Service

	// Optional.
	Audit   audit.Repository
	DB      Database
	MQTT    Broker
	Metrics http.Handler
	Version string
}

// Server is the HTTP API server of the bridge.
//
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	device    Device
	cache     *registers.Cache
	poller    Poller
	controls  *controls.Service
	auditRepo audit.Repository
	db        Database
	mqtt      Broker
	metrics   http.Handler
	version   string
	startTime time.Time

	server   *http.Server
	listener net.Listener
	auditCh  chan *audit.Command
	cancel   context.CancelFunc // cancels background goroutines on Close()
	drained  chan struct{}
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, device, cache, poller, controls)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Device == nil:
		return nil, fmt.Errorf("device is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("register cache is required")
	case deps.Poller == nil:
		return nil, fmt.Errorf("poller is required")
	case deps.Controls == nil:
		return nil, fmt.Errorf("controls service is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		device:    deps.Device,
		cache:     deps.Cache,
		poller:    deps.Poller,
		controls:  deps.Controls,
		auditRepo: deps.Audit,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		metrics:   deps.Metrics,
		version:   deps.Version,
		startTime: time.Now(),
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Command, auditChanSize)
	}
	return s, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port in use is reported
// here. The server is stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.auditCh != nil {
		s.drained = make(chan struct{})
		go s.drainAuditLog(srvCtx)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// flushes queued audit records.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	if s.drained != nil {
		<-s.drained
	}

	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
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
