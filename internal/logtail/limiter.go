package logtail

import "time"

// WarningText is delivered once per window when lines start being dropped.
const WarningText = "[!] Log rate limit reached, some log lines were dropped."

type Verdict int

const (
	Deliver Verdict = iota
	Warn            // over the limit; deliver WarningText instead of the line
	Drop
)

// Limiter is a fixed-window line counter for one consumer. The window opens
// on first use and restarts on the first call at least one window length
// after it opened. The line that opens a window counts toward it.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	started bool
	start   time.Time
	count   int
	warned  bool
}

// NewLimiter admits limit lines per window. now may be nil for the wall
// clock.
func NewLimiter(limit int, window time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{limit: limit, window: window, now: now}
}

// Admit classifies the next line.
func (l *Limiter) Admit() Verdict {
	t := l.now()
	if !l.started || t.Sub(l.start) >= l.window {
		l.started = true
		l.start = t
		l.count = 0
		l.warned = false
	}
	if l.count < l.limit {
		l.count++
		return Deliver
	}
	if !l.warned {
		l.warned = true
		return Warn
	}
	return Drop
}
