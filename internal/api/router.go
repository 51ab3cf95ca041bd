package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/poller"
)

// healthCheckTimeout bounds the device health probe of GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(echoRequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(bodySizeLimit)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)

		// Register paths contain slashes, so they are matched as a wildcard.
		r.Route("/registers", func(r chi.Router) {
			r.Get("/", s.handleGetSnapshot)
			r.Get("/*", s.handleGetRegister)
			r.Put("/*", s.handleSetRegister)
		})

		r.Route("/controls", func(r chi.Router) {
			r.Get("/", s.handleListControls)
			r.Get("/{id}", s.handleGetControl)
			r.Post("/{id}", s.handleExecuteControl)
		})

		r.Post("/refresh", s.handleRefresh)
		r.Get("/commands", s.handleListCommands)
	})

	return r
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Version   string        `json:"version"`
	Serial    string        `json:"serial"`
	Session   string        `json:"session"`
	Registers int           `json:"registers"`
	Poll      poller.Status `json:"poll"`
	MQTT      *bool         `json:"mqtt_connected,omitempty"`
}

// handleHealth reports whether the bridge has fresh data from a reachable
// controller. It answers 503 when it has not, so it can back a container
// health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Serial:    s.device.Serial(),
		Session:   s.device.Stats().State.String(),
		Registers: s.cache.Snapshot().Len(),
		Poll:      s.poller.Status(),
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTT = &connected
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	err := s.device.HealthCheck(ctx)

	switch {
	case errors.Is(err, nbe.ErrAuthRejected):
		resp.Status, resp.Reason = "unhealthy", "controller rejected the password"
	case err != nil:
		resp.Status, resp.Reason = "degraded", "controller unreachable"
	case s.poller.Stale():
		resp.Status, resp.Reason = "degraded", "register data stale"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleRefresh schedules an out-of-cycle poll. Refreshes requested while
// one is pending are merged.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.poller.RequestRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
