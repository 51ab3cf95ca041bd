package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

type fakeDevice struct {
	mu  sync.Mutex
	err error
}

func (d *fakeDevice) Serial() string  { return "123456" }
func (d *fakeDevice) Address() string { return "192.168.1.50:8483" }

func (d *fakeDevice) Stats() nbe.Stats {
	return nbe.Stats{Requests: 12, Timeouts: 1, State: nbe.StateReady, Serial: "123456"}
}

func (d *fakeDevice) HealthCheck(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *fakeDevice) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type fakePollStatus struct {
	stale bool
}

func (p fakePollStatus) Status() poller.Status {
	return poller.Status{Polls: 3, Interval: time.Minute.String()}
}

func (p fakePollStatus) Stale() bool { return p.stale }

func newTestReporter(pub HealthPublisher, device Device, poll PollStatus) *HealthReporter {
	cache := registers.New()
	cache.ReplaceGroup("operating_data/", map[string]string{"operating_data/boiler_temp": "65.2"})
	return NewHealthReporter(HealthReporterConfig{
		Version:   "1.2.3",
		Publisher: pub,
		Device:    device,
		Poller:    poll,
		Cache:     cache,
		Serial:    func() string { return "123456" },
	})
}

func lastHealth(t *testing.T, pub *fakeMQTT) HealthMessage {
	t.Helper()
	msg, ok := pub.last("nbe/123456/health")
	require.True(t, ok, "no health message")
	assert.True(t, msg.retained)
	assert.Equal(t, byte(1), msg.qos)

	var health HealthMessage
	require.NoError(t, json.Unmarshal(msg.payload, &health))
	return health
}

func TestHealthReporterDefaultInterval(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{})
	assert.Equal(t, 30*time.Second, hr.cfg.Interval)
	assert.Equal(t, byte(1), hr.cfg.QoS)
}

func TestHealthReporterPublishNow(t *testing.T) {
	pub := newFakeMQTT()
	hr := newTestReporter(pub, &fakeDevice{}, fakePollStatus{})

	require.NoError(t, hr.PublishNow())

	health := lastHealth(t, pub)
	assert.Equal(t, HealthHealthy, health.Status)
	assert.Equal(t, "123456", health.Serial)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, 1, health.Registers)
	assert.Equal(t, uint64(3), health.Poll.Polls)
	require.NotNil(t, health.Session)
	assert.Equal(t, "192.168.1.50:8483", health.Session.Address)
	assert.Equal(t, nbe.StateReady.String(), health.Session.State)
	assert.Equal(t, uint64(12), health.Session.Requests)
}

func TestHealthReporterStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		stale  bool
		want   HealthStatus
		reason string
	}{
		{"healthy", nil, false, HealthHealthy, ""},
		{"stale data", nil, true, HealthDegraded, "register data stale"},
		{"unreachable", nbe.ErrNotConnected, false, HealthDegraded, "controller unreachable"},
		{"password rejected", nbe.ErrAuthRejected, false, HealthUnhealthy, "controller rejected the password"},
		{"closed", nbe.ErrClosed, false, HealthUnhealthy, "controller client closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &fakeDevice{}
			device.setErr(tt.err)
			hr := newTestReporter(newFakeMQTT(), device, fakePollStatus{stale: tt.stale})

			status, reason := hr.determineStatus()
			assert.Equal(t, tt.want, status)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestHealthReporterStartStop(t *testing.T) {
	pub := newFakeMQTT()
	hr := newTestReporter(pub, &fakeDevice{}, fakePollStatus{})
	hr.cfg.Interval = 20 * time.Millisecond

	require.NoError(t, hr.PublishStarting())
	assert.Equal(t, HealthStarting, lastHealth(t, pub).Status)

	hr.Start(context.Background())
	hr.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(pub.on("nbe/123456/health")) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	hr.Stop()
	hr.Stop()
	assert.Equal(t, HealthStopping, lastHealth(t, pub).Status)
}

func TestHealthReporterNilPublisher(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{})
	assert.NoError(t, hr.PublishNow())
}
