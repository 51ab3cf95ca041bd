// Package nbetest provides a simulated NBE controller for tests.
//
// The simulator speaks the real wire format over TCP on 127.0.0.1, so tests
// exercise the client's framing, deadlines and reconnect logic end to end.
package nbetest

import (
	"bufio"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
)

// DefaultSerial is the serial the simulator reports unless overridden.
const DefaultSerial = "123456"

// DefaultPassword is the password the simulator accepts unless overridden.
const DefaultPassword = "1234567890"

// DefaultRegisters returns a plausible register set for a running boiler.
func DefaultRegisters() map[string]string {
	return map[string]string{
		"operating_data/boiler_temp":       "65.2",
		"operating_data/boiler_ref":        "65.0",
		"operating_data/state":             "3",
		"operating_data/smoke_temp":        "142.0",
		"operating_data/return_temp":       "48.1",
		"operating_data/shaft_temp":        "31.5",
		"operating_data/external_temp":     "6.3",
		"operating_data/dhw_temp":          "999.9",
		"operating_data/power_pct":         "42",
		"operating_data/power_kw":          "8.4",
		"operating_data/photo_level":       "88",
		"operating_data/oxygen":            "9.8",
		"operating_data/content":           "312",
		"operating_data/off_on_alarm":      "0",
		"operating_data/boiler_pump_state": "1",
		"consumption_data/counter":         "18342",
		"settings/boiler/temp":             "65",
		"settings/hopper/content":          "3120",
		"settings/misc/start":              "0",
		"settings/misc/stop":               "0",
		"settings/misc/reset_alarm":        "0",
		"info/version":                     "V13.2",
	}
}

// Option configures a Device.
type Option func(*Device)

// WithPassword sets the password the device accepts.
func WithPassword(password string) Option {
	return func(d *Device) { d.password = password }
}

// WithSerial sets the serial the device reports.
func WithSerial(serial string) Option {
	return func(d *Device) { d.serial = serial }
}

// WithRegisters replaces the device's register set.
func WithRegisters(registers map[string]string) Option {
	return func(d *Device) {
		d.registers = make(map[string]string, len(registers))
		for k, v := range registers {
			d.registers[k] = v
		}
	}
}

// WithProcessingDelay sets how long the device takes to answer. Requests
// that arrive within that window are counted as overlaps.
func WithProcessingDelay(delay time.Duration) Option {
	return func(d *Device) { d.delay = delay }
}

// Device is a simulated controller listening on a loopback port.
type Device struct {
	listener net.Listener

	password string
	serial   string
	delay    time.Duration

	mu             sync.Mutex
	registers      map[string]string
	requests       []nbe.Request
	conns          map[net.Conn]struct{}
	accepted       int
	overlaps       int
	silent         bool
	brokenWriteAck bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a simulated device. It is closed when the test ends.
func New(tb testing.TB, opts ...Option) *Device {
	tb.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("nbetest: listen: %v", err)
	}

	d := &Device{
		listener:  listener,
		password:  DefaultPassword,
		serial:    DefaultSerial,
		delay:     10 * time.Millisecond,
		registers: DefaultRegisters(),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.acceptLoop()

	tb.Cleanup(d.Close)
	return d
}

// Addr returns the device's host:port.
func (d *Device) Addr() string {
	return d.listener.Addr().String()
}

// Host returns the device's IP address.
func (d *Device) Host() string {
	return d.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the device's TCP port.
func (d *Device) Port() int {
	return d.listener.Addr().(*net.TCPAddr).Port
}

// Password returns the password the device accepts.
func (d *Device) Password() string {
	return d.password
}

// Serial returns the serial the device reports.
func (d *Device) Serial() string {
	return d.serial
}

// Config returns a client configuration pointing at the device.
func (d *Device) Config() nbe.Config {
	return nbe.Config{
		Host:     d.Host(),
		Port:     d.Port(),
		Password: d.password,
	}
}

// SetRegister sets one register value.
func (d *Device) SetRegister(path, value string) {
	d.mu.Lock()
	d.registers[path] = value
	d.mu.Unlock()
}

// DeleteRegister removes a register so that it is no longer reported.
func (d *Device) DeleteRegister(path string) {
	d.mu.Lock()
	delete(d.registers, path)
	d.mu.Unlock()
}

// Register returns one register value.
func (d *Device) Register(path string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.registers[path]
	return v, ok
}

// SetSilent makes the device read requests without ever answering.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	d.silent = silent
	d.mu.Unlock()
}

// SetBrokenWriteAck makes the device answer writes with a frame that cannot
// be decoded. The write is still applied.
func (d *Device) SetBrokenWriteAck(broken bool) {
	d.mu.Lock()
	d.brokenWriteAck = broken
	d.mu.Unlock()
}

// Requests returns every request received so far, handshakes included.
func (d *Device) Requests() []nbe.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]nbe.Request(nil), d.requests...)
}

// Writes returns the payloads of every write request received so far.
func (d *Device) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var writes []string
	for _, r := range d.requests {
		if r.Function == nbe.FuncSetSetup {
			writes = append(writes, r.Payload)
		}
	}
	return writes
}

// Connections returns how many connections the device has accepted.
func (d *Device) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

// Overlaps returns how many requests arrived while another was still being
// answered on the same connection.
func (d *Device) Overlaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlaps
}

// DropConnections closes every open connection, as a controller reboot
// would.
func (d *Device) DropConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.conns {
		conn.Close()
	}
}

// Close stops the device. Safe to call multiple times.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.listener.Close()
		d.DropConnections()
		d.wg.Wait()
	})
}

func (d *Device) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}

		d.mu.Lock()
		d.conns[conn] = struct{}{}
		d.accepted++
		d.mu.Unlock()

		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *Device) serve(conn net.Conn) {
	defer d.wg.Done()
	defer func() {
		conn.Close()
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
	}()

	r := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Time{}) //nolint:errcheck // test server
		req, err := nbe.ReadRequest(r)
		if err != nil {
			return
		}

		d.mu.Lock()
		d.requests = append(d.requests, req)
		silent := d.silent
		d.mu.Unlock()

		if d.overlapped(conn, r) {
			d.mu.Lock()
			d.overlaps++
			d.mu.Unlock()
		}

		if silent {
			continue
		}

		frame := d.respond(req)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

// overlapped waits out the processing delay and reports whether more bytes
// arrived in that window.
func (d *Device) overlapped(conn net.Conn, r *bufio.Reader) bool {
	if r.Buffered() > 0 {
		return true
	}
	if d.delay <= 0 {
		return false
	}
	conn.SetReadDeadline(time.Now().Add(d.delay)) //nolint:errcheck // test server
	_, err := r.Peek(1)
	return err == nil
}

func (d *Device) respond(req nbe.Request) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := nbe.Response{
		AppID:    "NBE",
		Serial:   d.serial,
		Function: req.Function,
		Seq:      req.Seq,
		Status:   nbe.StatusOK,
	}

	if strings.TrimLeft(req.Password, "0") != strings.TrimLeft(d.password, "0") {
		resp.Status = nbe.StatusAuthRejected
		return mustMarshal(resp)
	}

	var err error
	switch req.Function {
	case nbe.FuncGetInfo:
		if req.Payload == "serial" {
			resp.Payload = "serial=" + d.serial
			break
		}
		resp.Payload, err = d.readGroup(nbe.GroupInfo+"/", req.Payload)
	case nbe.FuncGetOperating:
		resp.Payload, err = d.readGroup(nbe.GroupOperating+"/", req.Payload)
	case nbe.FuncGetAdvanced:
		resp.Payload, err = d.readGroup(nbe.GroupAdvanced+"/", req.Payload)
	case nbe.FuncGetConsumption:
		resp.Payload, err = d.readGroup(nbe.GroupConsumption+"/", req.Payload)
	case nbe.FuncGetSetup:
		category, key, _ := strings.Cut(req.Payload, ".")
		resp.Payload, err = d.readGroup(nbe.GroupSettings+"/"+category+"/", key)
	case nbe.FuncSetSetup:
		err = d.write(req.Payload)
		if err == nil && d.brokenWriteAck {
			// Right length, wrong start byte.
			return []byte(strings.Repeat("?", 40))
		}
	default:
		err = errors.New("unknown function " + strconv.Itoa(int(req.Function)))
	}

	if err != nil {
		resp.Status = nbe.StatusRejected
		resp.Payload = err.Error()
	}
	return mustMarshal(resp)
}

// readGroup answers "*" with every register under prefix and a key with
// that one register. Caller holds d.mu.
func (d *Device) readGroup(prefix, key string) (string, error) {
	if key != "*" && key != "" {
		v, ok := d.registers[prefix+key]
		if !ok {
			return "", errors.New("unknown register " + prefix + key)
		}
		return key + "=" + v, nil
	}

	var keys []string
	values := make(map[string]string)
	for path, v := range d.registers {
		if k, ok := strings.CutPrefix(path, prefix); ok && !strings.Contains(k, "/") {
			keys = append(keys, k)
			values[k] = v
		}
	}
	if len(keys) == 0 {
		return "", errors.New("unknown group " + prefix)
	}
	sort.Strings(keys)
	return nbe.FormatValues(keys, values), nil
}

// write applies "category.key=value" plus the side effects a real
// controller shows in its operating data. Caller holds d.mu.
func (d *Device) write(payload string) error {
	target, value, ok := strings.Cut(payload, "=")
	category, key, ok2 := strings.Cut(target, ".")
	if !ok || !ok2 {
		return errors.New("malformed write " + payload)
	}
	path := nbe.GroupSettings + "/" + category + "/" + key
	if _, known := d.registers[path]; !known {
		return errors.New("unknown register " + path)
	}
	d.registers[path] = value

	switch path {
	case "settings/boiler/temp":
		d.registers["operating_data/boiler_ref"] = value
	case "settings/misc/start":
		d.registers["operating_data/state"] = "3"
	case "settings/misc/stop":
		d.registers["operating_data/state"] = "14"
	case "settings/misc/reset_alarm":
		d.registers["operating_data/off_on_alarm"] = "0"
	case "settings/hopper/content":
		if n, err := strconv.Atoi(value); err == nil {
			d.registers["operating_data/content"] = strconv.Itoa(n / 10)
		}
	}
	return nil
}

func mustMarshal(resp nbe.Response) []byte {
	b, err := resp.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}
