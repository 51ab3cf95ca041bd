// Package metrics exposes the bridge's Prometheus metrics.
//
// Metrics are registered on a private registry rather than the global one,
// so several bridges (or tests) can live in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

const namespace = "nbe"

// Poll outcome labels.
const (
	PollOK      = "ok"
	PollPartial = "partial"
	PollFailed  = "failed"
)

var sessionStates = []nbe.State{
	nbe.StateDisconnected,
	nbe.StateConnecting,
	nbe.StateReady,
	nbe.StateFaulted,
}

// Metrics holds the bridge collectors.
//
// It implements nbe.Observer, so it can be attached to a client with
// SetObserver, and PollListener feeds it from the poller.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	polls           *prometheus.CounterVec
	cacheRegisters  prometheus.Gauge
	sessionState    *prometheus.GaugeVec
	lastPoll        prometheus.Gauge
}

// New creates and registers the bridge collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Controller requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Controller request latency, including any reconnect.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		cacheRegisters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_registers",
			Help:      "Registers in the current snapshot.",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the controller session's current state, 0 for the others.",
		}, []string{"state"}),
		lastPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_poll_timestamp_seconds",
			Help:      "Unix time of the last successful poll.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.polls,
		m.cacheRegisters,
		m.sessionState,
		m.lastPoll,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.ObserveState(nbe.StateDisconnected)
	return m
}

// ObserveRequest records one controller request.
func (m *Metrics) ObserveRequest(op, outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(op, outcome).Inc()
	m.requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveState records a session state transition.
func (m *Metrics) ObserveState(state nbe.State) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s.String()).Set(v)
	}
}

// PollListener returns a poller result callback that records poll outcomes
// and the size of the cache after each cycle.
func (m *Metrics) PollListener(cache *registers.Cache) func(poller.Result) {
	return func(res poller.Result) {
		switch {
		case !res.OK:
			m.polls.WithLabelValues(PollFailed).Inc()
			return
		case len(res.Failed) > 0:
			m.polls.WithLabelValues(PollPartial).Inc()
		default:
			m.polls.WithLabelValues(PollOK).Inc()
		}
		m.lastPoll.Set(float64(res.At.Unix()))
		m.cacheRegisters.Set(float64(cache.Snapshot().Len()))
	}
}

// Registry returns the registry holding the bridge collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
