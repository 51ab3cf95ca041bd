package nbe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Defaults applied by New.
const (
	// DefaultPort is the controller's TCP port.
	DefaultPort = 8483

	// defaultConnectTimeout bounds dial plus handshake.
	defaultConnectTimeout = 5 * time.Second

	// defaultRequestTimeout bounds one request/response exchange.
	defaultRequestTimeout = 5 * time.Second

	// UnknownSerial is reported by Serial when neither the controller nor
	// the configuration supplied one.
	UnknownSerial = "Unknown"
)

// Request outcomes reported to the Observer.
const (
	OutcomeOK       = "ok"
	OutcomeTimeout  = "timeout"
	OutcomeIO       = "io"
	OutcomeProtocol = "protocol"
	OutcomeRejected = "rejected"
	OutcomeAuth     = "auth"
	OutcomeConnect  = "connect"
	OutcomeInvalid  = "invalid"
	OutcomeClosed   = "closed"
)

// Config holds controller connection settings.
type Config struct {
	// Host is the controller IP address or hostname.
	Host string

	// Port is the controller TCP port.
	// Default: 8483.
	Port int

	// Password is the controller password (up to 10 printable characters).
	Password string

	// Serial is the controller serial number used until the controller
	// reports its own. Optional.
	Serial string

	// AppID identifies this client in request frames.
	// Default: "nbe-bridge".
	AppID string

	// ConnectTimeout bounds dial plus handshake.
	// Default: 5 seconds.
	ConnectTimeout time.Duration

	// RequestTimeout bounds one request/response exchange.
	// Default: 5 seconds.
	RequestTimeout time.Duration
}

// Validate checks the configuration without touching the network.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidConfig)
	}
	if len(c.Password) > passwordLen {
		return fmt.Errorf("%w: password longer than %d characters", ErrInvalidConfig, passwordLen)
	}
	for _, r := range c.Password {
		if r <= 0x20 || r > 0x7E {
			return fmt.Errorf("%w: password contains a non-printable character", ErrInvalidConfig)
		}
	}
	if c.Serial != "" && !isSerial(c.Serial) {
		return fmt.Errorf("%w: serial %q must be up to %d digits", ErrInvalidConfig, c.Serial, serialLen)
	}
	if len(c.AppID) > appIDLen {
		return fmt.Errorf("%w: app id longer than %d characters", ErrInvalidConfig, appIDLen)
	}
	return nil
}

// Stats holds operational statistics.
type Stats struct {
	Requests     uint64
	Timeouts     uint64
	Errors       uint64
	SoftWrites   uint64 // Writes that were sent but not confirmed
	Connects     uint64 // Successful handshakes
	LastActivity time.Time
	State        State
	Serial       string
	AuthRejected bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Observer receives request and session events, typically to feed metrics.
// Methods are called synchronously and must not block.
type Observer interface {
	ObserveRequest(op, outcome string, elapsed time.Duration)
	ObserveState(state State)
}

// SetResult is the outcome of a register write.
//
// A write is either acknowledged or it carries a soft error. A soft error
// is not proof that the controller ignored the write: the controller's
// write acknowledgements are terse and the write may have been applied.
// Callers refresh the register cache either way.
type SetResult struct {
	Path  string
	Value string

	sent bool
	err  error
}

// Acked reports whether the controller confirmed the write.
func (r SetResult) Acked() bool {
	return r.err == nil
}

// Err returns the soft error, or nil when the write was acknowledged.
func (r SetResult) Err() error {
	return r.err
}

// Sent reports whether the write frame reached the controller's socket.
func (r SetResult) Sent() bool {
	return r.sent
}

// String summarises the result for logs.
func (r SetResult) String() string {
	switch {
	case r.err == nil:
		return fmt.Sprintf("%s=%s acknowledged", r.Path, r.Value)
	case r.sent:
		return fmt.Sprintf("%s=%s unconfirmed: %v", r.Path, r.Value, r.err)
	default:
		return fmt.Sprintf("%s=%s not sent: %v", r.Path, r.Value, r.err)
	}
}

// Client is the request layer for one NBE controller.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Get and Set are mutually exclusive: the controller serves one request
//     at a time on one connection, so at most one exchange is on the wire.
//     Waiting for the request lock honours context cancellation.
//
// Failure handling:
//   - The connection is opened lazily on the first request and after every
//     failure. A timed out or broken exchange closes the socket.
//   - Nothing is retried: a failed read is reported as absent and the next
//     poll tries again.
//   - A password rejection latches the client until it is rebuilt.
type Client struct {
	cfg   Config
	codec *Codec
	sess  *session

	// sem is the request lock. A buffered channel rather than a mutex so
	// that waiting can be abandoned on context cancellation.
	sem  chan struct{}
	done *closeOnce

	deviceSerial atomic.Pointer[string]
	authRejected atomic.Bool

	// Logger (optional)
	logger   Logger
	observer Observer
	hooksMu  sync.RWMutex

	// Statistics (atomic for performance)
	requests     atomic.Uint64
	timeouts     atomic.Uint64
	errorsTotal  atomic.Uint64
	softWrites   atomic.Uint64
	connects     atomic.Uint64
	lastActivity atomic.Int64 // Unix timestamp
}

// New creates a client. It does not connect; the first request (or Connect)
// does.
//
// Parameters:
//   - cfg: Controller settings; zero timeouts and port take defaults
//
// Returns:
//   - *Client: Client ready for use
//   - error: ErrInvalidConfig if cfg is unusable
func New(cfg Config) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   cfg,
		codec: NewCodec(cfg.AppID, cfg.Password, cfg.Serial),
		sess:  newSession(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.ConnectTimeout),
		sem:   make(chan struct{}, 1),
		done:  newCloseOnce(),
	}
	c.sess.onState = c.stateChanged
	return c, nil
}

// Address returns the controller's host:port.
func (c *Client) Address() string {
	return c.sess.addr
}

// Connect opens the session and performs the handshake. It is meant for
// setup time: unlike Get and Set it reports why the controller could not be
// reached so the host can surface a configuration error.
//
// Returns:
//   - error: nil, ErrAuthRejected, ErrConnectFailed (wrapping the cause) or ErrClosed
func (c *Client) Connect(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if c.authRejected.Load() {
		return ErrAuthRejected
	}
	err := c.sess.ensureConnected(ctx, c.handshake)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrConnectFailed):
		return err
	default:
		return fmt.Errorf("%w: handshake: %w", ErrConnectFailed, err)
	}
}

// Get reads a register group or a single register.
//
// A group path ends in "/" ("operating_data/") and yields every register
// the controller reports for it. The result is absent (false) when the
// controller could not be read for any reason; the reason is logged and
// counted, and Read returns it to callers that need it.
//
// Parameters:
//   - ctx: Context for cancellation and deadline
//   - path: Register group or path
//
// Returns:
//   - map[string]string: Register path → raw value
//   - bool: false when the read failed
func (c *Client) Get(ctx context.Context, path string) (map[string]string, bool) {
	values, err := c.Read(ctx, path)
	if err != nil {
		return nil, false
	}
	return values, true
}

// Read is Get with the failure reason.
func (c *Client) Read(ctx context.Context, path string) (map[string]string, error) {
	if _, _, _, err := resolveRead(path); err != nil {
		c.observe("get", OutcomeInvalid, 0)
		return nil, err
	}

	dec, _, err := c.roundTrip(ctx, "get", path, func() (Frame, error) {
		return c.codec.EncodeGet(path)
	})
	if err != nil {
		return nil, err
	}
	return dec.Values, nil
}

// Set writes one settings register.
//
// Set never fails outright: every problem becomes a soft error on the
// returned SetResult. Callers should request a cache refresh whatever the
// result, since an unconfirmed write may still have been applied.
//
// Parameters:
//   - ctx: Context for cancellation and deadline
//   - path: Settings register path ("settings/boiler/temp")
//   - value: Raw value as the controller expects it
//
// Returns:
//   - SetResult: Acknowledged, or a soft error with the reason
func (c *Client) Set(ctx context.Context, path, value string) SetResult {
	result := SetResult{Path: path, Value: value}

	if _, _, err := resolveWrite(path, value); err != nil {
		c.observe("set", OutcomeInvalid, 0)
		result.err = err
		return result
	}

	_, sent, err := c.roundTrip(ctx, "set", path, func() (Frame, error) {
		return c.codec.EncodeSet(path, value)
	})
	result.sent = sent
	result.err = err

	switch {
	case err == nil:
		c.logInfo("write acknowledged", "path", path, "value", value)
	case sent:
		c.softWrites.Add(1)
		c.logWarn("write not confirmed by controller", "path", path, "value", value, "error", err)
	default:
		c.logWarn("write not sent", "path", path, "value", value, "error", err)
	}
	return result
}

// Serial returns the controller's serial number: the one it reported in
// the handshake, else the configured one, else "Unknown".
func (c *Client) Serial() string {
	if s := c.deviceSerial.Load(); s != nil {
		return *s
	}
	if c.cfg.Serial != "" {
		return c.cfg.Serial
	}
	return UnknownSerial
}

// Err returns ErrAuthRejected once the controller has rejected the
// password, and nil otherwise.
func (c *Client) Err() error {
	if c.authRejected.Load() {
		return ErrAuthRejected
	}
	return nil
}

// State returns the current session state.
func (c *Client) State() State {
	return c.sess.state()
}

// Close waits for any in-flight request, then closes the connection.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.sem <- struct{}{}
	c.sess.close()
	<-c.sem

	c.logInfo("client closed", "address", c.Address())
	return nil
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.hooksMu.Lock()
	c.logger = logger
	c.hooksMu.Unlock()
}

// SetObserver sets the request and state observer for this client.
func (c *Client) SetObserver(observer Observer) {
	c.hooksMu.Lock()
	c.observer = observer
	c.hooksMu.Unlock()
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	var last time.Time
	if ts := c.lastActivity.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return Stats{
		Requests:     c.requests.Load(),
		Timeouts:     c.timeouts.Load(),
		Errors:       c.errorsTotal.Load(),
		SoftWrites:   c.softWrites.Load(),
		Connects:     c.connects.Load(),
		LastActivity: last,
		State:        c.State(),
		Serial:       c.Serial(),
		AuthRejected: c.authRejected.Load(),
	}
}

// HealthCheck reports whether the client can talk to the controller
// without sending anything.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.authRejected.Load() {
		return ErrAuthRejected
	}
	if c.State() == StateFaulted {
		return ErrNotConnected
	}
	return nil
}

// roundTrip runs one exchange under the request lock.
func (c *Client) roundTrip(ctx context.Context, op, path string, encode func() (Frame, error)) (Decoded, bool, error) {
	start := time.Now()
	dec, sent, err := c.exchange(ctx, encode)
	elapsed := time.Since(start)

	outcome := outcomeOf(err)
	c.observe(op, outcome, elapsed)

	if err != nil {
		c.errorsTotal.Add(1)
		if outcome == OutcomeTimeout {
			c.timeouts.Add(1)
		}
		if op == "get" {
			c.logWarn("read failed", "path", path, "outcome", outcome, "error", err)
		}
		return Decoded{}, sent, err
	}

	c.logDebug("request complete", "op", op, "path", path, "elapsed", elapsed)
	return dec, sent, nil
}

func (c *Client) exchange(ctx context.Context, encode func() (Frame, error)) (Decoded, bool, error) {
	if err := c.acquire(ctx); err != nil {
		return Decoded{}, false, err
	}
	defer c.release()

	if c.authRejected.Load() {
		return Decoded{}, false, ErrAuthRejected
	}
	if err := c.sess.ensureConnected(ctx, c.handshake); err != nil {
		return Decoded{}, false, err
	}

	frame, err := encode()
	if err != nil {
		return Decoded{}, false, err
	}

	c.requests.Add(1)
	resp, sent, err := c.sess.sendReceive(ctx, frame.Bytes, c.cfg.RequestTimeout)
	if err != nil {
		return Decoded{}, sent, err
	}
	c.lastActivity.Store(time.Now().Unix())

	dec := c.codec.Decode(frame, resp)
	c.learnSerial(dec.Serial)
	if dec.Kind == DecodedError {
		c.rejectFrame(dec.Err)
		return Decoded{}, true, dec.Err
	}
	return dec, true, nil
}

// handshake identifies the controller on a fresh connection. It runs with
// the request lock held, inside ensureConnected.
func (c *Client) handshake(ctx context.Context) error {
	frame := c.codec.EncodeHandshake()
	resp, _, err := c.sess.sendReceive(ctx, frame.Bytes, c.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("%w: handshake: %w", ErrConnectFailed, err)
	}

	dec := c.codec.Decode(frame, resp)
	if dec.Kind == DecodedError {
		if errors.Is(dec.Err, ErrAuthRejected) {
			c.latchAuth()
			return ErrAuthRejected
		}
		return fmt.Errorf("%w: handshake: %w", ErrConnectFailed, dec.Err)
	}

	serial := dec.Serial
	if v := dec.Values[GroupInfo+"/"+handshakePayload]; serial == "" && v != "" {
		serial = v
	}
	c.learnSerial(serial)

	c.connects.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	c.logInfo("connected to controller", "address", c.Address(), "serial", c.Serial())
	return nil
}

// rejectFrame decides what a decoded error means for the session. A
// controller-reported rejection leaves the stream in step; anything else
// does not.
func (c *Client) rejectFrame(err error) {
	switch {
	case errors.Is(err, ErrAuthRejected):
		c.latchAuth()
		c.sess.fault()
	case errors.Is(err, ErrRequestRejected):
	default:
		c.sess.fault()
	}
}

func (c *Client) latchAuth() {
	if c.authRejected.CompareAndSwap(false, true) {
		c.logError("controller rejected the password; requests suspended", "address", c.Address())
	}
}

func (c *Client) learnSerial(serial string) {
	if !isSerial(serial) {
		return
	}
	if prev := c.deviceSerial.Load(); prev != nil && *prev == serial {
		return
	}
	c.deviceSerial.Store(&serial)
	c.codec.SetSerial(serial)
	c.logInfo("controller serial", "serial", serial)
}

func (c *Client) acquire(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	select {
	case c.sem <- struct{}{}:
	case <-c.done.Done():
		return ErrClosed
	case <-ctx.Done():
		return classify(ctx, ctx.Err())
	}
	if c.isClosed() {
		<-c.sem
		return ErrClosed
	}
	return nil
}

func (c *Client) release() {
	<-c.sem
}

// isClosed returns true if the client has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Client) stateChanged(state State) {
	c.logDebug("session state", "state", state.String(), "address", c.Address())

	c.hooksMu.RLock()
	observer := c.observer
	c.hooksMu.RUnlock()
	if observer != nil {
		observer.ObserveState(state)
	}
}

func (c *Client) observe(op, outcome string, elapsed time.Duration) {
	c.hooksMu.RLock()
	observer := c.observer
	c.hooksMu.RUnlock()
	if observer != nil {
		observer.ObserveRequest(op, outcome, elapsed)
	}
}

// outcomeOf classifies a request error for metrics and logs.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrAuthRejected):
		return OutcomeAuth
	case errors.Is(err, ErrClosed):
		return OutcomeClosed
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrInvalidValue):
		return OutcomeInvalid
	case errors.Is(err, ErrRequestRejected):
		return OutcomeRejected
	case errors.Is(err, ErrProtocol):
		return OutcomeProtocol
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrConnectFailed):
		return OutcomeConnect
	default:
		return OutcomeIO
	}
}

// isSerial reports whether s looks like a controller serial: up to six
// digits, not all zero.
func isSerial(s string) bool {
	if s == "" || len(s) > serialLen {
		return false
	}
	nonZero := false
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		if r != '0' {
			nonZero = true
		}
	}
	return nonZero
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}

func (c *Client) getLogger() Logger {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.logger
}
