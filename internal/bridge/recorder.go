package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

// TelemetryWriter receives every changed snapshot as a time-series point.
// It is satisfied by *influxdb.Client.
type TelemetryWriter interface {
	WriteRegisters(serial string, values map[string]string, at time.Time) int
}

// SnapshotMirror stores the latest snapshot for other services.
// It is satisfied by *statecache.Cache.
type SnapshotMirror interface {
	Put(ctx context.Context, serial string, snap *registers.Snapshot) error
	Touch(ctx context.Context, serial string) (bool, error)
}

// DeviceRecorder keeps the controller's identity record.
// It is satisfied by audit.Repository.
type DeviceRecorder interface {
	TouchDevice(ctx context.Context, serial, host string, at time.Time) error
}

// Identity names the controller. It is satisfied by *nbe.Client.
type Identity interface {
	Serial() string
	Address() string
}

// RecorderOptions holds the dependencies of a Recorder. Identity and Cache
// are required; every sink is optional.
type RecorderOptions struct {
	Identity Identity
	Cache    *registers.Cache

	// Serial is used until the controller reports its own.
	Serial string

	Telemetry TelemetryWriter
	Mirror    SnapshotMirror
	Devices   DeviceRecorder
	Logger    Logger
}

// Recorder feeds register changes into the storage sinks: InfluxDB
// telemetry, the Redis mirror and the device record. It runs whether or not
// MQTT is enabled.
//
// Like the bridge, cache callbacks only note the latest snapshot and the
// writes happen on the recorder's goroutine. Successful polls that changed
// nothing extend the mirror's expiry instead of rewriting it.
type Recorder struct {
	opts    RecorderOptions
	unwatch func()

	pendingMu sync.Mutex
	pending   *registers.Snapshot
	keepAlive bool
	wake      chan struct{}

	touched string

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRecorder creates a recorder. Call Start to begin operation.
func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	switch {
	case opts.Identity == nil:
		return nil, errors.New("device identity is required")
	case opts.Cache == nil:
		return nil, errors.New("register cache is required")
	}
	return &Recorder{
		opts: opts,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}, nil
}

// Start watches the cache and records the current snapshot, if any.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.unwatch = r.opts.Cache.Subscribe(func(_, next *registers.Snapshot, _ []string) {
			r.enqueue(next, false)
		})
		if snap := r.opts.Cache.Snapshot(); snap.Len() > 0 {
			r.enqueue(snap, false)
		}

		r.wg.Add(1)
		go r.loop()
	})
}

// Stop unsubscribes from the cache and flushes the pending change.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		if r.unwatch != nil {
			r.unwatch()
		}
		close(r.done)
		r.wg.Wait()
	})
}

// PollListener returns a poller.OnResult listener that keeps the mirrored
// snapshot alive across polls that change nothing.
func (r *Recorder) PollListener() func(poller.Result) {
	return func(res poller.Result) {
		if !res.OK || res.Changed || r.opts.Mirror == nil {
			return
		}
		r.enqueue(nil, true)
	}
}

func (r *Recorder) enqueue(snap *registers.Snapshot, keepAlive bool) {
	r.pendingMu.Lock()
	if snap != nil {
		r.pending = snap
	}
	r.keepAlive = r.keepAlive || keepAlive
	r.pendingMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) take() (*registers.Snapshot, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	snap, keepAlive := r.pending, r.keepAlive
	r.pending, r.keepAlive = nil, false
	return snap, keepAlive
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			r.flush()
			return
		case <-r.wake:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	snap, keepAlive := r.take()
	switch {
	case snap != nil:
		r.record(snap)
	case keepAlive:
		r.extend()
	}
}

// record writes a changed snapshot to every sink.
func (r *Recorder) record(snap *registers.Snapshot) {
	serial := r.serial()

	if r.opts.Telemetry != nil {
		r.opts.Telemetry.WriteRegisters(serial, snap.Values(), snap.UpdatedAt())
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if r.opts.Mirror != nil {
		if err := r.opts.Mirror.Put(ctx, serial, snap); err != nil {
			r.logWarn("failed to mirror snapshot", "error", err)
		}
	}
	r.touchDevice(ctx, snap.UpdatedAt())
}

// extend refreshes the mirror's expiry, storing the snapshot again if the
// key is gone.
func (r *Recorder) extend() {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	serial := r.serial()
	ok, err := r.opts.Mirror.Touch(ctx, serial)
	if err != nil {
		r.logWarn("failed to extend mirrored snapshot", "error", err)
		return
	}
	if ok {
		return
	}
	if snap := r.opts.Cache.Snapshot(); snap.Len() > 0 {
		if err := r.opts.Mirror.Put(ctx, serial, snap); err != nil {
			r.logWarn("failed to mirror snapshot", "error", err)
		}
	}
}

// touchDevice records the controller once per serial, and again whenever
// the serial changes. Only the recorder goroutine calls it.
func (r *Recorder) touchDevice(ctx context.Context, at time.Time) {
	serial := r.opts.Identity.Serial()
	if r.opts.Devices == nil || serial == "" || serial == nbe.UnknownSerial || r.touched == serial {
		return
	}
	if err := r.opts.Devices.TouchDevice(ctx, serial, r.opts.Identity.Address(), at); err != nil {
		r.logWarn("failed to record controller", "serial", serial, "error", err)
		return
	}
	r.touched = serial
}

func (r *Recorder) serial() string {
	return resolveSerial(r.opts.Identity, r.opts.Serial)
}

// resolveSerial prefers the serial the controller reported over the
// configured one.
func resolveSerial(id Identity, configured string) string {
	if s := id.Serial(); s != "" && s != nbe.UnknownSerial {
		return s
	}
	if configured != "" {
		return configured
	}
	return nbe.UnknownSerial
}

func (r *Recorder) logWarn(msg string, keysAndValues ...any) {
	if r.opts.Logger != nil {
		r.opts.Logger.Warn(msg, keysAndValues...)
	}
}
