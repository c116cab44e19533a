package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fallenmoon"

// Metrics exports supervisor state to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	tps           prometheus.Gauge
	mspt          prometheus.Gauge
	playersOnline prometheus.Gauge
	playersMax    prometheus.Gauge

	sessions     prometheus.Gauge
	launches     *prometheus.CounterVec
	crashes      prometheus.Counter
	rconFailures *prometheus.CounterVec
	logDropped   prometheus.Counter
	ticks        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "ticks_per_second",
			Help:      "Last known tick rate of the polled server",
		}),
		mspt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "mean_tick_milliseconds",
			Help:      "Last known mean tick time of the polled server",
		}),
		playersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "players_online",
			Help:      "Players online on the polled server",
		}),
		playersMax: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "players_max",
			Help:      "Player slots on the polled server",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "sessions",
			Help:      "Registered server sessions",
		}),
		launches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Server launch attempts by result",
		}, []string{"result"}),
		crashes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Server processes that exited without a stop request",
		}),
		rconFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rcon",
			Name:      "failures_total",
			Help:      "Persistent RCON failures by stage",
		}, []string{"stage"}),
		logDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "lines_dropped_total",
			Help:      "Log lines discarded by the per-client rate limit",
		}),
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Status updates published",
		}),
	}
}

// ObserveValues copies the parseable game metrics into the gauges.
func (m *Metrics) ObserveValues(v Values) {
	if m == nil {
		return
	}
	setParsed(m.tps, v.TPS)
	setParsed(m.mspt, v.MSPT)
	setParsed(m.playersOnline, v.PlayersOnline)
	setParsed(m.playersMax, v.PlayersMax)
}

func setParsed(g prometheus.Gauge, s string) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		g.Set(f)
	}
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) Launch(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.launches.WithLabelValues(result).Inc()
}

func (m *Metrics) Crash() {
	if m == nil {
		return
	}
	m.crashes.Inc()
}

func (m *Metrics) RconFailure(stage string) {
	if m == nil {
		return
	}
	m.rconFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) LogDropped() {
	if m == nil {
		return
	}
	m.logDropped.Inc()
}

func (m *Metrics) tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}
