package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe/nbetest"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

type fakeReader struct {
	mu     sync.Mutex
	groups map[string]map[string]string
	fail   map[string]bool
	calls  []string
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		groups: map[string]map[string]string{
			"operating_data/": {
				"operating_data/boiler_temp": "65.2",
				"operating_data/boiler_ref":  "65.0",
				"operating_data/state":       "3",
			},
			"consumption_data/counter": {
				"consumption_data/counter": "100",
			},
		},
		fail: map[string]bool{},
	}
}

func (f *fakeReader) Get(_ context.Context, path string) (map[string]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	if f.fail[path] {
		return nil, false
	}
	out := make(map[string]string)
	for k, v := range f.groups[path] {
		out[k] = v
	}
	return out, true
}

func (f *fakeReader) set(group, path, value string) {
	f.mu.Lock()
	f.groups[group][path] = value
	f.mu.Unlock()
}

func (f *fakeReader) setFail(group string, fail bool) {
	f.mu.Lock()
	f.fail[group] = fail
	f.mu.Unlock()
}

func TestNewDefaults(t *testing.T) {
	p, err := New(Config{}, newFakeReader(), registers.New())
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, p.Interval())
	assert.Equal(t, DefaultGroups, p.cfg.Groups)

	_, err = New(Config{}, nil, registers.New())
	assert.Error(t, err)
	_, err = New(Config{}, newFakeReader(), nil)
	assert.Error(t, err)
	_, err = New(Config{Groups: []string{""}}, newFakeReader(), registers.New())
	assert.Error(t, err)
}

func TestPollOnceMergesGroups(t *testing.T) {
	cache := registers.New()
	p, err := New(Config{}, newFakeReader(), cache)
	require.NoError(t, err)

	res := p.PollOnce(context.Background())

	assert.True(t, res.OK)
	assert.True(t, res.Changed)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Values, 4)

	v, ok := cache.Get("operating_data/boiler_temp")
	assert.True(t, ok)
	assert.Equal(t, "65.2", v)
	v, _ = cache.Get("consumption_data/counter")
	assert.Equal(t, "100", v)
	assert.Equal(t, uint64(1), cache.Snapshot().Version(), "both groups publish as one snapshot")
}

func TestPollPrimaryFailureKeepsSnapshot(t *testing.T) {
	cache := registers.New()
	reader := newFakeReader()
	p, err := New(Config{}, reader, cache)
	require.NoError(t, err)

	require.True(t, p.PollOnce(context.Background()).OK)
	before := cache.Snapshot()

	reader.setFail("operating_data/", true)
	res := p.PollOnce(context.Background())

	assert.False(t, res.OK)
	assert.Nil(t, res.Values)
	assert.Equal(t, []string{"operating_data/"}, res.Failed)
	assert.Same(t, before, cache.Snapshot())

	st := p.Status()
	assert.Equal(t, uint64(2), st.Polls)
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestPollSecondaryFailureKeepsOldGroup(t *testing.T) {
	cache := registers.New()
	reader := newFakeReader()
	p, err := New(Config{}, reader, cache)
	require.NoError(t, err)
	p.PollOnce(context.Background())

	reader.setFail("consumption_data/counter", true)
	reader.set("operating_data/", "operating_data/state", "14")
	res := p.PollOnce(context.Background())

	assert.True(t, res.OK)
	assert.Equal(t, []string{"consumption_data/counter"}, res.Failed)

	v, _ := cache.Get("operating_data/state")
	assert.Equal(t, "14", v)
	v, ok := cache.Get("consumption_data/counter")
	assert.True(t, ok, "unread group keeps its previous value")
	assert.Equal(t, "100", v)
}

func TestPollIdempotent(t *testing.T) {
	cache := registers.New()
	p, err := New(Config{}, newFakeReader(), cache)
	require.NoError(t, err)

	var events int
	cache.Subscribe(func(_, _ *registers.Snapshot, _ []string) { events++ })

	assert.True(t, p.PollOnce(context.Background()).Changed)
	first := cache.Snapshot()
	assert.False(t, p.PollOnce(context.Background()).Changed)

	assert.Same(t, first, cache.Snapshot())
	assert.Equal(t, 1, events)
}

func TestRequestRefreshCoalesces(t *testing.T) {
	p, err := New(Config{}, newFakeReader(), registers.New())
	require.NoError(t, err)

	p.RequestRefresh()
	p.RequestRefresh()
	p.RequestRefresh()

	assert.Len(t, p.refresh, 1)
}

func TestRunPollsOnStartAndRefresh(t *testing.T) {
	p, err := New(Config{Interval: time.Hour}, newFakeReader(), registers.New())
	require.NoError(t, err)

	results := make(chan Result, 10)
	p.OnResult(func(r Result) { results <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case r := <-results:
		assert.Equal(t, TriggerInitial, r.Trigger)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial poll")
	}

	p.RequestRefresh()
	select {
	case r := <-results:
		assert.Equal(t, TriggerRefresh, r.Trigger)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not trigger a poll")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestStatusStale(t *testing.T) {
	now := time.Now()
	assert.True(t, Status{}.Stale(now, time.Minute))
	assert.False(t, Status{LastSuccess: now.Add(-time.Minute)}.Stale(now, time.Minute))
	assert.True(t, Status{LastSuccess: now.Add(-3 * time.Minute)}.Stale(now, time.Minute))
}

// The tests below run against the simulated controller over TCP.

func newDeviceClient(t *testing.T, device *nbetest.Device, timeout time.Duration) *nbe.Client {
	t.Helper()
	cfg := device.Config()
	cfg.RequestTimeout = timeout
	client, err := nbe.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPollScenario(t *testing.T) {
	device := nbetest.New(t, nbetest.WithRegisters(map[string]string{
		"operating_data/boiler_temp": "65.2",
		"operating_data/boiler_ref":  "65.0",
		"operating_data/state":       "3",
		"consumption_data/counter":   "18342",
	}))
	cache := registers.New()
	p, err := New(Config{}, newDeviceClient(t, device, time.Second), cache)
	require.NoError(t, err)

	res := p.PollOnce(context.Background())
	require.True(t, res.OK)

	v, ok := cache.Get("operating_data/boiler_temp")
	assert.True(t, ok)
	assert.Equal(t, "65.2", v)
	_, ok = cache.Get("operating_data/missing_key")
	assert.False(t, ok)
	v, _ = cache.Get("consumption_data/counter")
	assert.Equal(t, "18342", v)
}

func TestPollTimeoutKeepsCache(t *testing.T) {
	device := nbetest.New(t)
	timeout := 200 * time.Millisecond
	cache := registers.New()
	p, err := New(Config{}, newDeviceClient(t, device, timeout), cache)
	require.NoError(t, err)

	require.True(t, p.PollOnce(context.Background()).OK)
	before := cache.Snapshot()

	device.SetSilent(true)
	start := time.Now()
	res := p.PollOnce(context.Background())
	elapsed := time.Since(start)

	assert.False(t, res.OK)
	assert.Less(t, elapsed, timeout+time.Second)
	assert.Same(t, before, cache.Snapshot())
	assert.False(t, p.Stale(), "one missed cycle is not stale")
	assert.Equal(t, 1, p.Status().ConsecutiveFailures)
}

func TestWriteThenRead(t *testing.T) {
	device := nbetest.New(t)
	client := newDeviceClient(t, device, time.Second)
	cache := registers.New()
	p, err := New(Config{}, client, cache)
	require.NoError(t, err)
	p.PollOnce(context.Background())

	res := client.Set(context.Background(), "settings/boiler/temp", "650")
	require.True(t, res.Acked(), res.String())

	p.PollOnce(context.Background())
	v, ok := cache.Get("operating_data/boiler_ref")
	assert.True(t, ok)
	assert.Equal(t, "650", v)
}
