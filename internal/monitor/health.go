package monitor

import (
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// Health is a point-in-time view of polling health.
type Health struct {
	Status             HealthStatus `json:"status"`
	ConnectionFailures int          `json:"connection_failures"`
	DegradedCommands   int          `json:"degraded_commands"`
	LastError          string       `json:"last_error,omitempty"`
	LastSuccess        time.Time    `json:"last_success,omitempty"`
}

// pollHealth tracks consecutive failures of the persistent connection and
// of each polled command's response parsing. The rotator writes it every
// tick while the health endpoint reads it, so fields are guarded by mu.
type pollHealth struct {
	mu            sync.Mutex
	connFailures  int
	lastConnErr   string
	lastConnFail  time.Time
	parseFailures map[string]int // keyed by command
	lastParseErr  string
	lastParseFail time.Time
	lastSuccess   time.Time
}

func newPollHealth() *pollHealth {
	return &pollHealth{parseFailures: make(map[string]int)}
}

func (h *pollHealth) recordConnSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connFailures = 0
	h.lastConnErr = ""
	h.lastSuccess = time.Now()
}

func (h *pollHealth) recordConnFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connFailures++
	h.lastConnErr = err.Error()
	h.lastConnFail = time.Now()
}

func (h *pollHealth) recordParseSuccess(command string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parseFailures, command)
}

func (h *pollHealth) recordParseFailure(command, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parseFailures[command]++
	h.lastParseErr = command + ": " + reason
	h.lastParseFail = time.Now()
}

// reset forgets everything, used when the polled session goes away.
func (h *pollHealth) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connFailures = 0
	h.lastConnErr = ""
	h.parseFailures = make(map[string]int)
	h.lastParseErr = ""
}

func (h *pollHealth) snapshot(threshold int) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	degraded := 0
	for _, n := range h.parseFailures {
		if n >= threshold {
			degraded++
		}
	}
	status := StatusHealthy
	switch {
	case h.connFailures >= threshold:
		status = StatusFailed
	case degraded > 0:
		status = StatusDegraded
	}
	return Health{
		Status:             status,
		ConnectionFailures: h.connFailures,
		DegradedCommands:   degraded,
		LastError:          h.lastErrorLocked(),
		LastSuccess:        h.lastSuccess,
	}
}

// lastErrorLocked prefers whichever error happened more recently. Caller
// must hold h.mu.
func (h *pollHealth) lastErrorLocked() string {
	if h.lastConnErr != "" && (h.lastParseErr == "" || h.lastConnFail.After(h.lastParseFail)) {
		return h.lastConnErr
	}
	return h.lastParseErr
}
