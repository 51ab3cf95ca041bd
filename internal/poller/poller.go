// Package poller reads the controller on a fixed interval and publishes the
// results into the register cache.
//
// The poller is the cache's only writer. Consumers that change a setting
// call RequestRefresh so the next snapshot shows the effect without waiting
// a full interval.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/registers"
)

// DefaultInterval is the time between scheduled polls.
const DefaultInterval = 60 * time.Second

// DefaultGroups are the register groups read every cycle. The first group
// is primary: when it cannot be read the whole cycle is absent.
var DefaultGroups = []string{"operating_data/", "consumption_data/counter"}

// Poll triggers.
const (
	TriggerInitial  = "initial"
	TriggerInterval = "interval"
	TriggerRefresh  = "refresh"
	TriggerManual   = "manual"
)

// Reader reads a register group. It reports false when the controller
// could not be read this time.
type Reader interface {
	Get(ctx context.Context, path string) (map[string]string, bool)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config is the runtime configuration of a Poller.
type Config struct {
	// Interval between scheduled polls.
	// Default: 60 seconds.
	Interval time.Duration

	// Groups to read each cycle, primary first.
	// Default: DefaultGroups.
	Groups []string
}

// Result is the outcome of one poll cycle.
type Result struct {
	Trigger  string
	At       time.Time
	Duration time.Duration

	// OK is false when the primary group could not be read. Nothing is
	// published in that case and Values is nil.
	OK bool

	// Values holds every register read this cycle, all groups merged.
	Values registers.Values

	// Failed lists the groups that could not be read.
	Failed []string

	// Changed reports whether the cache published a new snapshot.
	Changed bool
}

// Poller reads the configured groups and replaces them in the cache.
//
// Thread Safety:
//   - RequestRefresh, Status and OnResult are safe for concurrent use.
//   - Poll cycles never overlap; PollOnce waits for a running cycle.
type Poller struct {
	cfg    Config
	reader Reader
	cache  *registers.Cache

	refresh chan struct{}
	pollMu  sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(Result)

	statusMu sync.RWMutex
	status   Status

	logger Logger
}

// New creates a poller.
//
// Parameters:
//   - cfg: Interval and groups; zero values take defaults
//   - reader: Controller client
//   - cache: Register cache the poller writes
//
// Returns:
//   - *Poller: Poller ready to Run
//   - error: If reader or cache is missing or a group is empty
func New(cfg Config, reader Reader, cache *registers.Cache) (*Poller, error) {
	if reader == nil {
		return nil, errors.New("poller: reader required")
	}
	if cache == nil {
		return nil, errors.New("poller: cache required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = append([]string(nil), DefaultGroups...)
	}
	for _, g := range cfg.Groups {
		if g == "" {
			return nil, errors.New("poller: empty group")
		}
	}

	return &Poller{
		cfg:     cfg,
		reader:  reader,
		cache:   cache,
		refresh: make(chan struct{}, 1),
	}, nil
}

// SetLogger sets the logger for this poller.
func (p *Poller) SetLogger(logger Logger) {
	p.logger = logger
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration {
	return p.cfg.Interval
}

// OnResult registers fn to receive every poll result. Listeners run on the
// polling goroutine and must not block.
func (p *Poller) OnResult(fn func(Result)) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, fn)
	p.listenersMu.Unlock()
}

// RequestRefresh asks for a poll as soon as possible. Requests made while
// one is already pending are merged. Never blocks.
func (p *Poller) RequestRefresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run polls immediately, then on every interval tick and on every refresh
// request, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx, TriggerInitial)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx, TriggerInterval)
		case <-p.refresh:
			p.poll(ctx, TriggerRefresh)
			ticker.Reset(p.cfg.Interval)
		}
	}
}

// PollOnce runs one cycle now.
func (p *Poller) PollOnce(ctx context.Context) Result {
	return p.poll(ctx, TriggerManual)
}

func (p *Poller) poll(ctx context.Context, trigger string) Result {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	res := Result{Trigger: trigger, At: time.Now()}
	var groups []registers.GroupValues

	for i, group := range p.cfg.Groups {
		values, ok := p.reader.Get(ctx, group)
		if !ok {
			res.Failed = append(res.Failed, group)
			if i == 0 {
				// Without the primary group the cycle is absent.
				break
			}
			continue
		}
		groups = append(groups, registers.GroupValues{Group: group, Values: values})
	}

	res.Duration = time.Since(res.At)
	res.OK = len(res.Failed) == 0 || res.Failed[0] != p.cfg.Groups[0]

	if res.OK {
		res.Values = make(registers.Values)
		for _, g := range groups {
			for k, v := range g.Values {
				res.Values[k] = v
			}
		}
		res.Changed = p.cache.ReplaceGroups(groups...)
	}

	p.record(res)
	p.logResult(res)
	p.emit(res)
	return res
}

func (p *Poller) emit(res Result) {
	p.listenersMu.RLock()
	listeners := append(([]func(Result))(nil), p.listeners...)
	p.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(res)
	}
}

func (p *Poller) logResult(res Result) {
	if p.logger == nil {
		return
	}
	switch {
	case !res.OK:
		p.logger.Warn("poll failed, keeping previous snapshot",
			"trigger", res.Trigger, "failed", res.Failed, "duration", res.Duration)
	case len(res.Failed) > 0:
		p.logger.Warn("poll partly failed",
			"trigger", res.Trigger, "failed", res.Failed, "registers", len(res.Values))
	default:
		p.logger.Debug("poll complete",
			"trigger", res.Trigger, "registers", len(res.Values), "changed", res.Changed, "duration", res.Duration)
	}
}
