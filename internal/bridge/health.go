package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

const (
	defaultHealthInterval = 30 * time.Second
	healthCheckTimeout    = 2 * time.Second
)

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// QoS for health messages. Default: 1.
	QoS byte

	Publisher HealthPublisher
	Device    Device
	Poller    PollStatus
	Cache     *registers.Cache

	// Serial returns the controller serial used in the health topic.
	Serial func() string
}

// HealthReporter manages periodic health status reporting.
// It publishes a retained message to nbe/{serial}/health at regular
// intervals.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	topics    mqtt.Topics

	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter.
//
// Parameters:
//   - cfg: Configuration for the health reporter
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting. Call Stop to shut down.
//
// Parameters:
//   - ctx: Context for cancellation (will stop reporting when cancelled)
func (h *HealthReporter) Start(ctx context.Context) {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return
	}
	h.started = true

	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops health reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publish(HealthStopping, "bridge stopping")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Device != nil {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		err := h.cfg.Device.HealthCheck(ctx)
		cancel()
		switch {
		case errors.Is(err, nbe.ErrAuthRejected):
			return HealthUnhealthy, "controller rejected the password"
		case errors.Is(err, nbe.ErrClosed):
			return HealthUnhealthy, "controller client closed"
		case err != nil:
			return HealthDegraded, "controller unreachable"
		}
	}

	if h.cfg.Poller != nil && h.cfg.Poller.Stale() {
		return HealthDegraded, "register data stale"
	}

	return HealthHealthy, ""
}

// Build returns the health message for status.
func (h *HealthReporter) Build(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Serial:        h.serial(),
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Reason:        reason,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	if h.cfg.Device != nil {
		msg.Session = newSessionInfo(h.cfg.Device.Address(), h.cfg.Device.Stats())
	}
	if h.cfg.Poller != nil {
		msg.Poll = h.cfg.Poller.Status()
	}
	if h.cfg.Cache != nil {
		msg.Registers = h.cfg.Cache.Snapshot().Len()
	}
	return msg
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.Build(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.topics.DeviceHealth(h.serial()), payload, h.cfg.QoS, true)
}

func (h *HealthReporter) serial() string {
	if h.cfg.Serial != nil {
		return h.cfg.Serial()
	}
	return ""
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
