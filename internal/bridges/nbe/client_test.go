package nbe_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe/nbetest"
)

func newClient(t *testing.T, cfg nbe.Config) *nbe.Client {
	t.Helper()
	client, err := nbe.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     nbe.Config
		wantErr bool
	}{
		{name: "valid", cfg: nbe.Config{Host: "10.0.0.5", Port: 8483, Password: "1234567890"}},
		{name: "valid with serial", cfg: nbe.Config{Host: "10.0.0.5", Password: "abc", Serial: "12345"}},
		{name: "missing host", cfg: nbe.Config{Password: "1"}, wantErr: true},
		{name: "missing password", cfg: nbe.Config{Host: "h"}, wantErr: true},
		{name: "password too long", cfg: nbe.Config{Host: "h", Password: "12345678901"}, wantErr: true},
		{name: "password with space", cfg: nbe.Config{Host: "h", Password: "12 34"}, wantErr: true},
		{name: "serial not digits", cfg: nbe.Config{Host: "h", Password: "1", Serial: "12a"}, wantErr: true},
		{name: "serial too long", cfg: nbe.Config{Host: "h", Password: "1", Serial: "1234567"}, wantErr: true},
		{name: "port out of range", cfg: nbe.Config{Host: "h", Password: "1", Port: 70000}, wantErr: true},
		{name: "app id too long", cfg: nbe.Config{Host: "h", Password: "1", AppID: "a-very-long-app-id"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, nbe.ErrInvalidConfig) {
					t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestClientGetGroup(t *testing.T) {
	device := nbetest.New(t, nbetest.WithRegisters(map[string]string{
		"operating_data/boiler_temp": "65.2",
		"operating_data/boiler_ref":  "65.0",
		"operating_data/state":       "3",
	}))
	client := newClient(t, device.Config())

	values, ok := client.Get(context.Background(), "operating_data/")
	if !ok {
		t.Fatal("Get() absent, want values")
	}
	if values["operating_data/boiler_temp"] != "65.2" {
		t.Errorf("boiler_temp = %q, want %q", values["operating_data/boiler_temp"], "65.2")
	}
	if _, ok := values["operating_data/missing_key"]; ok {
		t.Error("missing_key present, want absent")
	}
	if len(values) != 3 {
		t.Errorf("len(values) = %d, want 3", len(values))
	}
	if client.State() != nbe.StateReady {
		t.Errorf("State() = %v, want ready", client.State())
	}
}

func TestClientGetSingleRegister(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())

	values, ok := client.Get(context.Background(), "consumption_data/counter")
	if !ok {
		t.Fatal("Get() absent, want value")
	}
	if values["consumption_data/counter"] != "18342" {
		t.Errorf("counter = %q, want %q", values["consumption_data/counter"], "18342")
	}

	values, ok = client.Get(context.Background(), "settings/boiler/")
	if !ok {
		t.Fatal("Get(settings/boiler/) absent")
	}
	if values["settings/boiler/temp"] != "65" {
		t.Errorf("settings/boiler/temp = %q, want %q", values["settings/boiler/temp"], "65")
	}
}

func TestClientSerial(t *testing.T) {
	device := nbetest.New(t, nbetest.WithSerial("777001"))

	cfg := device.Config()
	unknown := newClient(t, cfg)
	if got := unknown.Serial(); got != nbe.UnknownSerial {
		t.Errorf("Serial() before handshake = %q, want %q", got, nbe.UnknownSerial)
	}

	cfg.Serial = "111"
	client := newClient(t, cfg)
	if got := client.Serial(); got != "111" {
		t.Errorf("Serial() before handshake = %q, want configured %q", got, "111")
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := client.Serial(); got != "777001" {
		t.Errorf("Serial() after handshake = %q, want %q", got, "777001")
	}

	// Requests after the handshake carry the learned serial.
	client.Get(context.Background(), "operating_data/")
	reqs := device.Requests()
	if last := reqs[len(reqs)-1]; last.Serial != "777001" {
		t.Errorf("request serial = %q, want %q", last.Serial, "777001")
	}
}

func TestClientMutualExclusion(t *testing.T) {
	device := nbetest.New(t, nbetest.WithProcessingDelay(5*time.Millisecond))
	client := newClient(t, device.Config())

	const workers = 16
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, ok := client.Get(context.Background(), "operating_data/"); !ok {
					t.Errorf("Get() #%d absent", i)
				}
				return
			}
			res := client.Set(context.Background(), "settings/boiler/temp", strconv.Itoa(60+i))
			if !res.Acked() {
				t.Errorf("Set() #%d = %v", i, res)
			}
		}(i)
	}
	wg.Wait()

	if n := device.Overlaps(); n != 0 {
		t.Errorf("device saw %d overlapping requests, want 0", n)
	}
	// One handshake plus one frame per worker, on a single connection.
	if n := len(device.Requests()); n != workers+1 {
		t.Errorf("device received %d requests, want %d", n, workers+1)
	}
	if n := device.Connections(); n != 1 {
		t.Errorf("device accepted %d connections, want 1", n)
	}
}

func TestClientTimeoutIsAbsent(t *testing.T) {
	device := nbetest.New(t)
	cfg := device.Config()
	cfg.RequestTimeout = 200 * time.Millisecond
	client := newClient(t, cfg)

	if _, ok := client.Get(context.Background(), "operating_data/"); !ok {
		t.Fatal("first Get() absent")
	}

	device.SetSilent(true)
	start := time.Now()
	values, ok := client.Get(context.Background(), "operating_data/")
	elapsed := time.Since(start)

	if ok || values != nil {
		t.Errorf("Get() = %v, %v; want absent", values, ok)
	}
	if elapsed > cfg.RequestTimeout+500*time.Millisecond {
		t.Errorf("Get() took %v, want about %v", elapsed, cfg.RequestTimeout)
	}
	if client.State() != nbe.StateFaulted {
		t.Errorf("State() = %v, want faulted", client.State())
	}
	if got := client.Stats().Timeouts; got != 1 {
		t.Errorf("Stats().Timeouts = %d, want 1", got)
	}

	// The stalled socket is abandoned; the next request reconnects.
	device.SetSilent(false)
	if _, ok := client.Get(context.Background(), "operating_data/"); !ok {
		t.Fatal("Get() after recovery absent")
	}
	if n := device.Connections(); n != 2 {
		t.Errorf("device accepted %d connections, want 2", n)
	}
}

func TestClientReadReportsTimeout(t *testing.T) {
	device := nbetest.New(t)
	cfg := device.Config()
	cfg.RequestTimeout = 100 * time.Millisecond
	client := newClient(t, cfg)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	device.SetSilent(true)

	_, err := client.Read(context.Background(), "operating_data/")
	if !errors.Is(err, nbe.ErrTimeout) {
		t.Errorf("Read() error = %v, want ErrTimeout", err)
	}
}

func TestClientWriteThenRead(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())

	res := client.Set(context.Background(), "settings/boiler/temp", "650")
	if !res.Acked() {
		t.Fatalf("Set() = %v, want acknowledged", res)
	}
	if !res.Sent() || res.Err() != nil {
		t.Errorf("Sent() = %v, Err() = %v", res.Sent(), res.Err())
	}

	values, ok := client.Get(context.Background(), "operating_data/")
	if !ok {
		t.Fatal("Get() absent")
	}
	if got := values["operating_data/boiler_ref"]; got != "650" {
		t.Errorf("boiler_ref = %q, want %q", got, "650")
	}

	writes := device.Writes()
	if len(writes) != 1 || writes[0] != "boiler.temp=650" {
		t.Errorf("device writes = %v, want [boiler.temp=650]", writes)
	}
}

func TestClientSoftWriteFailure(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())

	device.SetBrokenWriteAck(true)
	res := client.Set(context.Background(), "settings/misc/stop", "1")

	if res.Acked() {
		t.Fatal("Set() acknowledged, want soft error")
	}
	if !res.Sent() {
		t.Error("Sent() = false, want true")
	}
	if !errors.Is(res.Err(), nbe.ErrProtocol) {
		t.Errorf("Err() = %v, want ErrProtocol", res.Err())
	}
	if got := client.Stats().SoftWrites; got != 1 {
		t.Errorf("Stats().SoftWrites = %d, want 1", got)
	}

	// The device applied the write regardless.
	if v, _ := device.Register("operating_data/state"); v != "14" {
		t.Errorf("device state = %q, want %q", v, "14")
	}

	device.SetBrokenWriteAck(false)
	values, ok := client.Get(context.Background(), "operating_data/state")
	if !ok {
		t.Fatal("Get() after soft failure absent")
	}
	if values["operating_data/state"] != "14" {
		t.Errorf("state = %q, want %q", values["operating_data/state"], "14")
	}
}

func TestClientRejectedRequestKeepsConnection(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())

	_, err := client.Read(context.Background(), "operating_data/no_such_register")
	if !errors.Is(err, nbe.ErrRequestRejected) || !errors.Is(err, nbe.ErrProtocol) {
		t.Errorf("Read() error = %v, want ErrRequestRejected", err)
	}
	if client.State() != nbe.StateReady {
		t.Errorf("State() = %v, want ready", client.State())
	}

	res := client.Set(context.Background(), "settings/boiler/no_such_key", "1")
	if !errors.Is(res.Err(), nbe.ErrRequestRejected) {
		t.Errorf("Set() error = %v, want ErrRequestRejected", res.Err())
	}

	if _, ok := client.Get(context.Background(), "operating_data/"); !ok {
		t.Error("Get() absent after rejection")
	}
	if n := device.Connections(); n != 1 {
		t.Errorf("device accepted %d connections, want 1", n)
	}
}

func TestClientAuthRejected(t *testing.T) {
	device := nbetest.New(t)
	cfg := device.Config()
	cfg.Password = "wrong"
	client := newClient(t, cfg)

	if err := client.Connect(context.Background()); !errors.Is(err, nbe.ErrAuthRejected) {
		t.Fatalf("Connect() error = %v, want ErrAuthRejected", err)
	}
	if !errors.Is(client.Err(), nbe.ErrAuthRejected) {
		t.Errorf("Err() = %v, want ErrAuthRejected", client.Err())
	}

	if _, ok := client.Get(context.Background(), "operating_data/"); ok {
		t.Error("Get() returned values after auth rejection")
	}
	res := client.Set(context.Background(), "settings/boiler/temp", "60")
	if !errors.Is(res.Err(), nbe.ErrAuthRejected) || res.Sent() {
		t.Errorf("Set() = %v, want unsent ErrAuthRejected", res)
	}

	// No further attempts with the rejected credential.
	if n := len(device.Requests()); n != 1 {
		t.Errorf("device received %d requests, want 1", n)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, nbe.ErrAuthRejected) {
		t.Errorf("HealthCheck() = %v, want ErrAuthRejected", err)
	}
}

func TestClientConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	client := newClient(t, nbe.Config{
		Host:           "127.0.0.1",
		Port:           port,
		Password:       "1234",
		ConnectTimeout: 500 * time.Millisecond,
	})

	if err := client.Connect(context.Background()); !errors.Is(err, nbe.ErrConnectFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if _, ok := client.Get(context.Background(), "operating_data/"); ok {
		t.Error("Get() returned values from unreachable device")
	}
	if client.State() != nbe.StateFaulted {
		t.Errorf("State() = %v, want faulted", client.State())
	}
	if client.Err() != nil {
		t.Errorf("Err() = %v, want nil", client.Err())
	}
}

func TestClientReconnectAfterDrop(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())

	if _, ok := client.Get(context.Background(), "operating_data/"); !ok {
		t.Fatal("Get() absent")
	}
	device.DropConnections()

	// The first request after the drop fails on the dead socket.
	client.Get(context.Background(), "operating_data/")

	if _, ok := client.Get(context.Background(), "operating_data/"); !ok {
		t.Fatal("Get() after reconnect absent")
	}
	if n := device.Connections(); n != 2 {
		t.Errorf("device accepted %d connections, want 2", n)
	}
	if got := client.Stats().Connects; got != 2 {
		t.Errorf("Stats().Connects = %d, want 2", got)
	}
}

func TestClientInvalidPathSkipsDevice(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())

	if _, err := client.Read(context.Background(), "nowhere/"); !errors.Is(err, nbe.ErrInvalidPath) {
		t.Errorf("Read() error = %v, want ErrInvalidPath", err)
	}
	res := client.Set(context.Background(), "operating_data/boiler_temp", "1")
	if !errors.Is(res.Err(), nbe.ErrInvalidPath) || res.Sent() {
		t.Errorf("Set() = %v, want unsent ErrInvalidPath", res)
	}
	if n := device.Connections(); n != 0 {
		t.Errorf("device accepted %d connections, want 0", n)
	}
}

func TestClientLockHonoursContext(t *testing.T) {
	device := nbetest.New(t)
	cfg := device.Config()
	cfg.RequestTimeout = time.Second
	client := newClient(t, cfg)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	device.SetSilent(true)

	held := make(chan struct{})
	go func() {
		close(held)
		client.Get(context.Background(), "operating_data/")
	}()
	<-held
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, ok := client.Get(ctx, "operating_data/"); ok {
		t.Error("Get() returned values while lock was held")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Get() waited %v for the lock, want about 50ms", elapsed)
	}
}

func TestClientClose(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())

	if _, ok := client.Get(context.Background(), "operating_data/"); !ok {
		t.Fatal("Get() absent")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := client.Read(context.Background(), "operating_data/"); !errors.Is(err, nbe.ErrClosed) {
		t.Errorf("Read() after Close error = %v, want ErrClosed", err)
	}
	if res := client.Set(context.Background(), "settings/boiler/temp", "60"); !errors.Is(res.Err(), nbe.ErrClosed) {
		t.Errorf("Set() after Close = %v, want ErrClosed", res)
	}
	if client.State() != nbe.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", client.State())
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	states   []nbe.State
}

func (o *recordingObserver) ObserveRequest(op, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, op+":"+outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveState(state nbe.State) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

func TestClientObserver(t *testing.T) {
	device := nbetest.New(t)
	client := newClient(t, device.Config())
	obs := &recordingObserver{}
	client.SetObserver(obs)

	client.Get(context.Background(), "operating_data/")
	client.Set(context.Background(), "settings/boiler/temp", "60")
	client.Get(context.Background(), "bad")

	obs.mu.Lock()
	defer obs.mu.Unlock()

	want := []string{"get:ok", "set:ok", "get:invalid"}
	if len(obs.outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
	for i := range want {
		if obs.outcomes[i] != want[i] {
			t.Errorf("outcomes[%d] = %q, want %q", i, obs.outcomes[i], want[i])
		}
	}
	if len(obs.states) != 2 || obs.states[0] != nbe.StateConnecting || obs.states[1] != nbe.StateReady {
		t.Errorf("states = %v, want [connecting ready]", obs.states)
	}
}
