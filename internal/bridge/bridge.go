package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/controls"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

const (
	// commandTimeout bounds one command, including a reconnect.
	commandTimeout = 30 * time.Second

	// sinkTimeout bounds each Redis and SQLite write.
	sinkTimeout = 5 * time.Second

	// sourceMQTT is the audited source of commands received over MQTT.
	sourceMQTT = "mqtt"
)

// MQTTClient is the subset of *mqtt.Client used by the bridge.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Device is the controller client as seen by the bridge.
// It is satisfied by *nbe.Client.
type Device interface {
	Serial() string
	Address() string
	Stats() nbe.Stats
	HealthCheck(ctx context.Context) error
}

// PollStatus reports poller health. It is satisfied by *poller.Poller.
type PollStatus interface {
	Status() poller.Status
	Stale() bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds the dependencies of a bridge. MQTT, Device, Cache, Poller
// and Controls are required; the rest are optional.
type Options struct {
	MQTT     MQTTClient
	Device   Device
	Cache    *registers.Cache
	Poller   PollStatus
	Controls *controls.Service

	// Serial is used in topics until the controller reports its own.
	Serial string

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// QoS for published messages. Default: 1.
	QoS byte

	Audit  audit.Repository
	Logger Logger
}

// Bridge publishes the register cache over MQTT and executes write commands
// received over MQTT. It handles:
//   - Retained per-register state and a snapshot document on every change
//   - Command parsing, execution through controls, acknowledgement and audit
//   - Health reporting and graceful shutdown
//
// Cache change callbacks only record the latest snapshot; publishing happens
// on the bridge's own goroutine so a slow broker never stalls polling.
// Changes that arrive while a publication is running are merged.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts    Options
	qos     byte
	topics  mqtt.Topics
	health  *HealthReporter
	unwatch func()

	// Pending change, merged until the publisher picks it up.
	pendingMu   sync.Mutex
	pendingSnap *registers.Snapshot
	pendingSet  map[string]struct{}
	wake        chan struct{}

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	switch {
	case opts.MQTT == nil:
		return nil, errors.New("MQTT client is required")
	case opts.Device == nil:
		return nil, errors.New("device is required")
	case opts.Cache == nil:
		return nil, errors.New("register cache is required")
	case opts.Poller == nil:
		return nil, errors.New("poller is required")
	case opts.Controls == nil:
		return nil, errors.New("controls service is required")
	}

	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:       opts,
		qos:        qos,
		pendingSet: make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		QoS:       qos,
		Publisher: opts.MQTT,
		Device:    opts.Device,
		Poller:    opts.Poller,
		Cache:     opts.Cache,
		Serial:    b.serial,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// Start subscribes to commands, publishes the current snapshot and begins
// health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		if perr := b.health.PublishStarting(); perr != nil {
			b.logWarn("failed to publish starting status", "error", perr)
		}

		topic := b.topics.AllDeviceCommands()
		if err = b.opts.MQTT.Subscribe(topic, b.qos, b.handleCommandMessage); err != nil {
			err = fmt.Errorf("subscribe to commands: %w", err)
			return
		}
		b.logInfo("subscribed to commands", "topic", topic)

		b.unwatch = b.opts.Cache.Subscribe(func(_, next *registers.Snapshot, changed []string) {
			b.enqueue(next, changed)
		})
		if snap := b.opts.Cache.Snapshot(); snap.Len() > 0 {
			b.enqueue(snap, snap.Paths())
		}

		b.wg.Add(1)
		go b.publishLoop()

		b.health.Start(ctx)
		b.logInfo("bridge started", "serial", b.serial())
	})
	return err
}

// Stop unsubscribes from the cache, flushes the pending change and publishes
// a final "stopping" health status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.unwatch != nil {
			b.unwatch()
		}
		b.ctxCancel()
		close(b.done)
		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// serial returns the controller serial for topics.
func (b *Bridge) serial() string {
	return resolveSerial(b.opts.Device, b.opts.Serial)
}

// enqueue merges a change into the pending publication.
func (b *Bridge) enqueue(snap *registers.Snapshot, changed []string) {
	b.pendingMu.Lock()
	b.pendingSnap = snap
	for _, p := range changed {
		b.pendingSet[p] = struct{}{}
	}
	b.pendingMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// takePending returns and clears the pending change.
func (b *Bridge) takePending() (*registers.Snapshot, []string) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	snap := b.pendingSnap
	if snap == nil {
		return nil, nil
	}
	changed := make([]string, 0, len(b.pendingSet))
	for p := range b.pendingSet {
		changed = append(changed, p)
	}
	sort.Strings(changed)

	b.pendingSnap = nil
	b.pendingSet = make(map[string]struct{})
	return snap, changed
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			if snap, changed := b.takePending(); snap != nil {
				b.publishChange(snap, changed)
			}
			return
		case <-b.wake:
			if snap, changed := b.takePending(); snap != nil {
				b.publishChange(snap, changed)
			}
		}
	}
}

// publishChange publishes the changed registers and the snapshot.
func (b *Bridge) publishChange(snap *registers.Snapshot, changed []string) {
	serial := b.serial()

	for _, path := range changed {
		// A removed register clears its retained message.
		value, _ := snap.Get(path)
		if err := b.opts.MQTT.Publish(b.topics.DeviceState(serial, path), []byte(value), b.qos, true); err != nil {
			b.logWarn("failed to publish register", "path", path, "error", err)
		}
	}

	payload, err := json.Marshal(NewSnapshotMessage(serial, snap))
	if err != nil {
		b.logError("failed to encode snapshot", "error", err)
	} else if err := b.opts.MQTT.Publish(b.topics.DeviceSnapshot(serial), payload, b.qos, true); err != nil {
		b.logWarn("failed to publish snapshot", "error", err)
	}

	b.logDebug("published change", "serial", serial, "version", snap.Version(), "changed", len(changed))
}

// handleCommandMessage is the MQTT handler for nbe/+/command.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	if target := commandSerial(topic); target != "" && target != b.serial() {
		return fmt.Errorf("%w: %s", ErrWrongSerial, topic)
	}
	ack := b.HandleCommand(b.ctx, payload)
	if ack.Status != audit.OutcomeAccepted && ack.Error != "" {
		return errors.New(ack.Error)
	}
	return nil
}

// HandleCommand executes one command payload, publishes its acknowledgement
// and records it in the audit log.
//
// Parameters:
//   - ctx: Context for cancellation; bounded by commandTimeout
//   - payload: JSON CommandMessage
//
// Returns:
//   - AckMessage: The published acknowledgement
func (b *Bridge) HandleCommand(ctx context.Context, payload []byte) AckMessage {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	msg, err := ParseCommand(payload)
	ack := AckMessage{
		CommandID: msg.ID,
		Serial:    b.serial(),
		Path:      msg.Path,
		Control:   msg.Control,
	}

	var res nbe.SetResult
	if err == nil {
		res, ack.Path, ack.Value, err = b.execute(ctx, msg)
	}

	if err != nil {
		ack.Status = audit.OutcomeRejected
		ack.Error = err.Error()
	} else {
		ack.Status = audit.OutcomeOf(res)
		if res.Err() != nil {
			ack.Error = res.Err().Error()
		}
	}
	ack.Timestamp = time.Now().UTC()

	b.publishAck(ack)
	b.record(ctx, msg, ack)

	b.logInfo("command handled",
		"id", ack.CommandID,
		"path", ack.Path,
		"control", ack.Control,
		"status", string(ack.Status))
	return ack
}

// execute runs a parsed command. Validation errors are returned as err;
// device outcomes are carried by the SetResult.
func (b *Bridge) execute(ctx context.Context, msg CommandMessage) (res nbe.SetResult, path, value string, err error) {
	if msg.Control != "" {
		c, ok := b.opts.Controls.Lookup(msg.Control)
		if !ok {
			return res, "", "", fmt.Errorf("%w: %q", controls.ErrUnknownControl, msg.Control)
		}
		cmd, err := msg.controlCommand()
		if err != nil {
			return res, c.WritePath, "", err
		}
		res, err = b.opts.Controls.Execute(ctx, msg.Control, cmd)
		if err != nil {
			return res, c.WritePath, "", err
		}
		return res, res.Path, res.Value, nil
	}

	value, err = msg.rawValue()
	if err != nil {
		return res, msg.Path, "", err
	}
	res = b.opts.Controls.Write(ctx, msg.Path, value)
	if errors.Is(res.Err(), nbe.ErrInvalidPath) || errors.Is(res.Err(), nbe.ErrInvalidValue) {
		return res, msg.Path, value, res.Err()
	}
	return res, msg.Path, value, nil
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to encode ack", "error", err)
		return
	}
	if err := b.opts.MQTT.Publish(b.topics.DeviceAck(ack.Serial), payload, b.qos, false); err != nil {
		b.logWarn("failed to publish ack", "id", ack.CommandID, "error", err)
	}
}

func (b *Bridge) record(ctx context.Context, msg CommandMessage, ack AckMessage) {
	if b.opts.Audit == nil || ack.Path == "" {
		return
	}
	source := msg.Source
	if source == "" {
		source = sourceMQTT
	}
	// The command context may have expired; the audit write gets its own.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	err := b.opts.Audit.Record(rctx, &audit.Command{
		Serial:  ack.Serial,
		Path:    ack.Path,
		Value:   ack.Value,
		Source:  source,
		Outcome: ack.Status,
		Error:   ack.Error,
	})
	if err != nil {
		b.logWarn("failed to audit command", "id", ack.CommandID, "error", err)
	}
}

// commandSerial extracts {serial} from nbe/{serial}/command.
func commandSerial(topic string) string {
	const prefix = mqtt.TopicPrefix + "/"
	const suffix = "/command"
	if len(topic) <= len(prefix)+len(suffix) || topic[:len(prefix)] != prefix || topic[len(topic)-len(suffix):] != suffix {
		return ""
	}
	return topic[len(prefix) : len(topic)-len(suffix)]
}

// =============================================================================
// Logging helpers
// =============================================================================

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Error(msg, keysAndValues...)
	}
}
