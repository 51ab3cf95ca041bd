package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe/nbetest"
	"github.com/nerrad567/nbe-bridge/internal/controls"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

// =============================================================================
// Test doubles
// =============================================================================

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeMQTT struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
	handlers  map[string]mqtt.MessageHandler
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *fakeMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *fakeMQTT) on(topic string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, msg := range m.messages {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *fakeMQTT) last(topic string) (publishedMessage, bool) {
	msgs := m.on(topic)
	if len(msgs) == 0 {
		return publishedMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (m *fakeMQTT) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

type fakeAudit struct {
	mu       sync.Mutex
	commands []audit.Command
	touches  []string
}

func (a *fakeAudit) Record(_ context.Context, cmd *audit.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, *cmd)
	return nil
}

func (a *fakeAudit) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return &audit.ListResult{}, nil
}

func (a *fakeAudit) TouchDevice(_ context.Context, serial, host string, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touches = append(a.touches, serial+"@"+host)
	return nil
}

func (a *fakeAudit) GetDevice(context.Context, string) (*audit.Device, error) {
	return nil, audit.ErrNotFound
}

func (a *fakeAudit) recorded() []audit.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Command(nil), a.commands...)
}

func (a *fakeAudit) touched() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.touches...)
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	device *nbetest.Device
	client *nbe.Client
	cache  *registers.Cache
	poller *poller.Poller
	mqtt   *fakeMQTT
	audit  *fakeAudit
	bridge *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		device: nbetest.New(t),
		cache:  registers.New(),
		mqtt:   newFakeMQTT(),
		audit:  &fakeAudit{},
	}

	var err error
	f.client, err = nbe.New(f.device.Config())
	require.NoError(t, err)
	t.Cleanup(func() { f.client.Close() })

	f.poller, err = poller.New(poller.Config{Interval: time.Hour}, f.client, f.cache)
	require.NoError(t, err)

	f.bridge, err = New(Options{
		MQTT:     f.mqtt,
		Device:   f.client,
		Cache:    f.cache,
		Poller:   f.poller,
		Controls: controls.NewService(f.cache, f.client, f.poller),
		Serial:   nbetest.DefaultSerial,
		Version:  "test",
		Audit:    f.audit,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bridge.Start(context.Background()))
	t.Cleanup(f.bridge.Stop)
}

func (f *fixture) poll(t *testing.T) {
	t.Helper()
	res := f.poller.PollOnce(context.Background())
	require.True(t, res.OK, "poll failed: %v", res.Failed)
}

func stateTopic(path string) string {
	return mqtt.Topics{}.DeviceState(nbetest.DefaultSerial, path)
}

// =============================================================================
// Tests
// =============================================================================

func TestNewRequiresDependencies(t *testing.T) {
	f := newFixture(t)
	full := f.bridge.opts

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"mqtt", func(o *Options) { o.MQTT = nil }},
		{"device", func(o *Options) { o.Device = nil }},
		{"cache", func(o *Options) { o.Cache = nil }},
		{"poller", func(o *Options) { o.Poller = nil }},
		{"controls", func(o *Options) { o.Controls = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}
}

func TestPublishesChangedRegisters(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.NotNil(t, f.mqtt.handler(mqtt.Topics{}.AllDeviceCommands()), "command subscription")

	f.poll(t)

	snapTopic := mqtt.Topics{}.DeviceSnapshot(nbetest.DefaultSerial)
	require.Eventually(t, func() bool {
		_, ok := f.mqtt.last(snapTopic)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, ok := f.mqtt.last(stateTopic("operating_data/boiler_temp"))
	require.True(t, ok)
	assert.Equal(t, "65.2", string(msg.payload))
	assert.True(t, msg.retained)

	snap, _ := f.mqtt.last(snapTopic)
	var doc SnapshotMessage
	require.NoError(t, json.Unmarshal(snap.payload, &doc))
	assert.Equal(t, nbetest.DefaultSerial, doc.Serial)
	assert.Equal(t, "18342", doc.Values["consumption_data/counter"])


	// Second cycle: only the changed register is republished.
	f.device.SetRegister("operating_data/boiler_temp", "66.0")
	f.poll(t)

	require.Eventually(t, func() bool {
		return len(f.mqtt.on(stateTopic("operating_data/boiler_temp"))) == 2
	}, 2*time.Second, 10*time.Millisecond)
	msg, _ = f.mqtt.last(stateTopic("operating_data/boiler_temp"))
	assert.Equal(t, "66.0", string(msg.payload))
	assert.Len(t, f.mqtt.on(stateTopic("operating_data/smoke_temp")), 1)
	assert.Len(t, f.mqtt.on(snapTopic), 2)

	// A register that disappears clears its retained message.
	f.device.DeleteRegister("operating_data/oxygen")
	f.poll(t)
	require.Eventually(t, func() bool {
		return len(f.mqtt.on(stateTopic("operating_data/oxygen"))) == 2
	}, 2*time.Second, 10*time.Millisecond)
	msg, _ = f.mqtt.last(stateTopic("operating_data/oxygen"))
	assert.Empty(t, msg.payload)
	assert.True(t, msg.retained)
}

func TestIdenticalPollPublishesNothing(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	snapTopic := mqtt.Topics{}.DeviceSnapshot(nbetest.DefaultSerial)

	f.poll(t)
	require.Eventually(t, func() bool { return len(f.mqtt.on(snapTopic)) == 1 }, 2*time.Second, 10*time.Millisecond)

	f.poll(t)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.mqtt.on(snapTopic), 1)
}

func TestHandleCommandRawWrite(t *testing.T) {
	f := newFixture(t)

	ack := f.bridge.HandleCommand(context.Background(),
		[]byte(`{"id":"c1","path":"settings/boiler/temp","value":"70"}`))

	assert.Equal(t, audit.OutcomeAccepted, ack.Status)
	assert.Equal(t, "c1", ack.CommandID)
	assert.Empty(t, ack.Error)
	v, _ := f.device.Register("settings/boiler/temp")
	assert.Equal(t, "70", v)

	pub, ok := f.mqtt.last(mqtt.Topics{}.DeviceAck(nbetest.DefaultSerial))
	require.True(t, ok)
	assert.False(t, pub.retained)
	var got AckMessage
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, audit.OutcomeAccepted, got.Status)
	assert.Equal(t, "settings/boiler/temp", got.Path)

	recorded := f.audit.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, "mqtt", recorded[0].Source)
	assert.Equal(t, "70", recorded[0].Value)
	assert.Equal(t, audit.OutcomeAccepted, recorded[0].Outcome)
}

func TestHandleCommandNumericValue(t *testing.T) {
	f := newFixture(t)

	ack := f.bridge.HandleCommand(context.Background(),
		[]byte(`{"id":"c2","path":"settings/hopper/content","value":2500,"source":"automation"}`))

	assert.Equal(t, audit.OutcomeAccepted, ack.Status)
	assert.Equal(t, "2500", ack.Value)
	assert.Equal(t, "automation", f.audit.recorded()[0].Source)
}

func TestHandleCommandControl(t *testing.T) {
	f := newFixture(t)

	ack := f.bridge.HandleCommand(context.Background(),
		[]byte(`{"id":"c3","control":"boiler_power","action":"turn_off"}`))

	assert.Equal(t, audit.OutcomeAccepted, ack.Status)
	assert.Equal(t, "settings/misc/stop", ack.Path)
	assert.Equal(t, "boiler_power", ack.Control)
	state, _ := f.device.Register("operating_data/state")
	assert.Equal(t, "14", state)

	ack = f.bridge.HandleCommand(context.Background(),
		[]byte(`{"id":"c4","control":"boiler_target_temp","value":72}`))
	assert.Equal(t, audit.OutcomeAccepted, ack.Status)
	assert.Equal(t, "settings/boiler/temp", ack.Path)
	assert.Equal(t, "72", ack.Value)
}

func TestHandleCommandRejected(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"id":`},
		{"no target", `{"id":"x","value":"1"}`},
		{"path and control", `{"id":"x","path":"settings/misc/stop","control":"boiler_power"}`},
		{"missing value", `{"id":"x","path":"settings/misc/stop"}`},
		{"read-only path", `{"id":"x","path":"operating_data/boiler_temp","value":"1"}`},
		{"bad characters", `{"id":"x","path":"settings/boiler/temp","value":"6;5"}`},
		{"unknown control", `{"id":"x","control":"turbo","action":"press"}`},
		{"out of range", `{"id":"x","control":"boiler_target_temp","value":200}`},
		{"read-only control", `{"id":"x","control":"power_kw","value":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			writesBefore := len(f.device.Writes())

			ack := f.bridge.HandleCommand(context.Background(), []byte(tt.payload))

			assert.Equal(t, audit.OutcomeRejected, ack.Status)
			assert.NotEmpty(t, ack.Error)
			assert.Len(t, f.device.Writes(), writesBefore, "nothing written")
			_, ok := f.mqtt.last(mqtt.Topics{}.DeviceAck(nbetest.DefaultSerial))
			assert.True(t, ok, "rejections are acknowledged")
		})
	}
}

func TestHandleCommandUnconfirmed(t *testing.T) {
	f := newFixture(t)
	f.device.SetBrokenWriteAck(true)

	ack := f.bridge.HandleCommand(context.Background(),
		[]byte(`{"id":"c5","path":"settings/boiler/temp","value":"60"}`))

	assert.Equal(t, audit.OutcomeUnconfirmed, ack.Status)
	assert.NotEmpty(t, ack.Error)
	assert.Equal(t, audit.OutcomeUnconfirmed, f.audit.recorded()[0].Outcome)
}

func TestCommandForAnotherController(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	handler := f.mqtt.handler(mqtt.Topics{}.AllDeviceCommands())
	require.NotNil(t, handler)

	err := handler("nbe/999999/command", []byte(`{"id":"x","path":"settings/misc/stop","value":"1"}`))
	assert.True(t, errors.Is(err, ErrWrongSerial))
	assert.Empty(t, f.device.Writes())

	err = handler("nbe/123456/command", []byte(`{"id":"y","path":"settings/misc/stop","value":"1"}`))
	assert.NoError(t, err)
	assert.Len(t, f.device.Writes(), 1)
}

func TestCommandSerial(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"nbe/123456/command", "123456"},
		{"nbe/command", ""},
		{"nbe/123456/ack", ""},
		{"other/123456/command", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, commandSerial(tt.topic), tt.topic)
	}
}

func TestStopPublishesStopping(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Start(context.Background()))
	f.bridge.Stop()
	f.bridge.Stop()

	msg, ok := f.mqtt.last(mqtt.Topics{}.DeviceHealth(nbetest.DefaultSerial))
	require.True(t, ok)
	var health HealthMessage
	require.NoError(t, json.Unmarshal(msg.payload, &health))
	assert.Equal(t, HealthStopping, health.Status)
}
