package poller

import "time"

// Status summarises recent polling for health reporting.
type Status struct {
	Polls               uint64    `json:"polls"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailed          []string  `json:"last_failed,omitempty"`
	Interval            string    `json:"interval"`
}

// Stale reports whether no poll has succeeded for more than two intervals.
// A poller that has never succeeded is stale.
func (s Status) Stale(now time.Time, interval time.Duration) bool {
	if s.LastSuccess.IsZero() {
		return true
	}
	return now.Sub(s.LastSuccess) > 2*interval
}

// Status returns a copy of the current polling status.
func (p *Poller) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	st := p.status
	st.LastFailed = append([]string(nil), p.status.LastFailed...)
	st.Interval = p.cfg.Interval.String()
	return st
}

// Stale reports whether the cached snapshot has gone stale.
func (p *Poller) Stale() bool {
	return p.Status().Stale(time.Now(), p.cfg.Interval)
}

func (p *Poller) record(res Result) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	p.status.Polls++
	p.status.LastAttempt = res.At
	p.status.LastFailed = append([]string(nil), res.Failed...)
	if res.OK {
		p.status.LastSuccess = res.At
		p.status.ConsecutiveFailures = 0
		return
	}
	p.status.Failures++
	p.status.ConsecutiveFailures++
}
