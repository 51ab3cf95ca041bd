// NBE Bridge - pellet boiler controller gateway
//
// This is the main entry point of the bridge. It keeps a local copy of the
// controller's registers fresh by polling over the NBE protocol and exposes
// that copy (and register writes) over MQTT and a small HTTP API.
//
// Optional sinks: InfluxDB (numeric telemetry) and Redis (latest snapshot
// for other processes on the host).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/nbe-bridge/migrations"

	"github.com/nerrad567/nbe-bridge/internal/api"
	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/bridge"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/controls"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/config"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/database"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/statecache"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// shutdownTimeout bounds the final health probe and flushes on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	// Cancel on Ctrl+C and SIGTERM for a graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting NBE bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditRepo := audit.NewSQLiteRepository(db.DB)
	m := metrics.New()

	// Controller client
	client, err := nbe.New(nbe.Config{
		Host:           cfg.Device.Host,
		Port:           cfg.Device.Port,
		Password:       cfg.Device.Password,
		Serial:         cfg.Device.Serial,
		AppID:          cfg.Device.AppID,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		RequestTimeout: cfg.Device.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating controller client: %w", err)
	}
	client.SetLogger(log)
	client.SetObserver(m)
	defer func() {
		log.Info("closing controller session")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing controller session", "error", closeErr)
		}
	}()

	if connErr := connectDevice(ctx, client, cfg.Device.ConnectTimeout); connErr != nil {
		if errors.Is(connErr, nbe.ErrAuthRejected) {
			return fmt.Errorf("connecting to controller: %w", connErr)
		}
		// The poller reconnects on its own; an unreachable boiler is not fatal.
		log.Warn("controller not reachable yet", "address", client.Address(), "error", connErr)
	} else {
		log.Info("controller connected", "address", client.Address(), "serial", client.Serial())
	}

	// Register cache and poller
	cache := registers.New()
	poll, err := poller.New(poller.Config{
		Interval: cfg.Poll.Interval,
		Groups:   cfg.Poll.Groups,
	}, client, cache)
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}
	poll.SetLogger(log)
	poll.OnResult(m.PollListener(cache))

	svc := controls.NewService(cache, client, poll)
	svc.SetLogger(log)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to Redis (optional)
	var mirror *statecache.Cache
	if cfg.Redis.Enabled {
		rdb, redisErr := statecache.Connect(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to Redis: %w", redisErr)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := rdb.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		mirror = statecache.New(rdb, 3*cfg.Poll.Interval)
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
	} else {
		log.Info("Redis disabled")
	}

	// Storage sinks run with or without MQTT.
	rec, err := startRecorder(cfg, recorderDeps{
		client:    client,
		cache:     cache,
		poller:    poll,
		audit:     auditRepo,
		telemetry: influxClient,
		mirror:    mirror,
		log:       log,
	})
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping recorder")
		rec.Stop()
	}()

	// Start the MQTT bridge
	if mqttClient != nil {
		br, bridgeErr := startBridge(ctx, cfg, bridgeDeps{
			mqtt:     mqttClient,
			client:   client,
			cache:    cache,
			poller:   poll,
			controls: svc,
			audit:    auditRepo,
			log:      log,
		})
		if bridgeErr != nil {
			return bridgeErr
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			br.Stop()
		}()
	}

	// Start the HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			Logger:   log,
			Device:   client,
			Cache:    cache,
			Poller:   poll,
			Controls: svc,
			Audit:    auditRepo,
			DB:       db,
			Metrics:  m.Handler(),
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		srv, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "addr", srv.Addr())
	} else {
		log.Info("API disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poll.Run(gctx)
	})

	log.Info("NBE bridge started successfully",
		"controller", client.Address(),
		"poll_interval", cfg.Poll.Interval.String(),
	)

	<-gctx.Done()
	log.Info("shutdown signal received, stopping...")

	if waitErr := g.Wait(); waitErr != nil {
		return fmt.Errorf("poller: %w", waitErr)
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	healthCheck(checkCtx, log, db, client, mqttClient, influxClient)

	log.Info("NBE bridge stopped")
	return nil
}

// connectDevice opens the controller session within timeout.
func connectDevice(ctx context.Context, client *nbe.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Connect(ctx)
}

// bridgeDeps groups what startBridge wires together.
type bridgeDeps struct {
	mqtt     *mqtt.Client
	client   *nbe.Client
	cache    *registers.Cache
	poller   *poller.Poller
	controls *controls.Service
	audit    audit.Repository
	log      *logging.Logger
}

// recorderDeps groups what startRecorder wires together.
type recorderDeps struct {
	client    *nbe.Client
	cache     *registers.Cache
	poller    *poller.Poller
	audit     audit.Repository
	telemetry *influxdb.Client
	mirror    *statecache.Cache
	log       *logging.Logger
}

// startRecorder creates and starts the recorder that feeds InfluxDB, the
// Redis mirror and the device record from the register cache.
func startRecorder(cfg *config.Config, d recorderDeps) (*bridge.Recorder, error) {
	opts := bridge.RecorderOptions{
		Identity: d.client,
		Cache:    d.cache,
		Serial:   cfg.Device.Serial,
		Devices:  d.audit,
		Logger:   d.log,
	}
	// Leave optional sinks as untyped nil when disabled.
	if d.telemetry != nil {
		opts.Telemetry = d.telemetry
	}
	if d.mirror != nil {
		opts.Mirror = d.mirror
	}

	rec, err := bridge.NewRecorder(opts)
	if err != nil {
		return nil, fmt.Errorf("creating recorder: %w", err)
	}
	d.poller.OnResult(rec.PollListener())
	rec.Start()
	d.log.Info("recorder started",
		"influxdb", d.telemetry != nil,
		"redis", d.mirror != nil,
	)
	return rec, nil
}

// startBridge creates and starts the MQTT bridge.
func startBridge(ctx context.Context, cfg *config.Config, d bridgeDeps) (*bridge.Bridge, error) {
	opts := bridge.Options{
		MQTT:           d.mqtt,
		Device:         d.client,
		Cache:          d.cache,
		Poller:         d.poller,
		Controls:       d.controls,
		Serial:         cfg.Device.Serial,
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		Audit:          d.audit,
		Logger:         d.log,
	}

	br, err := bridge.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	if err := br.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	d.log.Info("MQTT bridge started")
	return br, nil
}

// healthChecker is implemented by every connection the bridge holds.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck logs the health of each connection on the way out.
func healthCheck(ctx context.Context, log *logging.Logger, db *database.DB, client *nbe.Client, mqttClient *mqtt.Client, influxClient *influxdb.Client) {
	checks := map[string]healthChecker{
		"database":   db,
		"controller": client,
	}
	if mqttClient != nil {
		checks["mqtt"] = mqttClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			log.Warn("health check failed", "component", name, "error", err)
			continue
		}
		log.Debug("health check ok", "component", name)
	}
}
