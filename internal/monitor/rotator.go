package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fallenmoon/supervisor/internal/proc"
	"github.com/fallenmoon/supervisor/internal/session"
)

// Console commands issued by the rotation.
const (
	CmdTickQuery = "tick query"
	CmdTPS       = "tps"
	CmdMSPT      = "mspt"
	CmdList      = "list"
)

// PlatformForge is the platform tag of servers without the tps/mspt
// command patches.
const PlatformForge = "Forge"

// Phases in rotation order.
const (
	PhaseTick    = 0
	PhaseMSPT    = 1
	PhasePlayers = 2
	phaseCount   = 3
)

const healthThreshold = 3

var tickQuerySince = session.Version{Major: 1, Minor: 20, Patch: 1}

// UseTickQuery reports whether tick metrics come from the vanilla
// "tick query" command rather than tps/mspt: the server lacks the patched
// commands or the spark plugin, and is new enough to have tick query.
func UseTickQuery(d session.Descriptor) bool {
	if d.Platform != PlatformForge && d.AdvancedMetrics {
		return false
	}
	v, ok := d.Version()
	return ok && v.AtLeast(tickQuerySince)
}

// Connection is the persistent RCON connection the rotator polls through.
type Connection interface {
	Ensure(ctx context.Context) bool
	Execute(ctx context.Context, command string) (string, error)
	Invalidate()
}

// Publisher receives one status update per tick.
type Publisher interface {
	PublishStatus(StatusUpdate)
}

// SystemInfo is the system_info object of a status update.
type SystemInfo struct {
	HostInfo
	Values
	SparkInstalled bool        `json:"spark_installed"`
	ServerProcess  *proc.Stats `json:"server_process,omitempty"`
}

// StatusUpdate is published every tick while a control client is attached.
type StatusUpdate struct {
	SystemInfo   SystemInfo `json:"system_info"`
	PlatformType string     `json:"platform_type"`
}

type ProcessStatsFunc func(ctx context.Context, pid int) (proc.Stats, error)

type Option func(*Rotator)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(r *Rotator) { r.interval = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Rotator) { r.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Rotator) { r.metrics = m }
}

// WithProcessStats sets how the server process is sampled. Nil disables
// the server_process field.
func WithProcessStats(fn ProcessStatsFunc) Option {
	return func(r *Rotator) { r.procStats = fn }
}

// Rotator issues one metrics command per tick, cycling through three
// phases, and publishes a status update every tick.
type Rotator struct {
	registry  *session.Registry
	conn      Connection
	snapshot  *Snapshot
	host      HostSampler
	pub       Publisher
	interval  time.Duration
	logger    *zap.Logger
	metrics   *Metrics
	procStats ProcessStatsFunc
	health    *pollHealth

	mu    sync.Mutex // serialises ticks
	phase int
}

func NewRotator(registry *session.Registry, conn Connection, snapshot *Snapshot, host HostSampler, pub Publisher, opts ...Option) *Rotator {
	r := &Rotator{
		registry:  registry,
		conn:      conn,
		snapshot:  snapshot,
		host:      host,
		pub:       pub,
		interval:  time.Second,
		logger:    zap.NewNop(),
		procStats: proc.Sample,
		health:    newPollHealth(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is done. Ticks are skipped while no control client
// is attached; the phase does not advance then.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("metrics rotation started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("metrics rotation stopped")
			return
		case <-ticker.C:
			if !r.registry.ClientAttached() {
				continue
			}
			r.pub.PublishStatus(r.Tick(ctx))
		}
	}
}

// Phase returns the phase the next tick will run.
func (r *Rotator) Phase() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Health reports polling health for the health endpoint.
func (r *Rotator) Health() Health {
	return r.health.snapshot(healthThreshold)
}

// Tick runs one rotation step and returns the status update for it. The
// phase advances whatever the outcome.
func (r *Rotator) Tick(ctx context.Context) StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	update := StatusUpdate{PlatformType: "Unknown"}
	update.SystemInfo.HostInfo = r.host.Sample(ctx)

	if s, ok := r.registry.First(); ok {
		if s.Platform != "" {
			update.PlatformType = s.Platform
		}
		update.SystemInfo.SparkInstalled = s.AdvancedMetrics

		w := r.snapshot.Writer()
		if r.conn.Ensure(ctx) {
			if err := r.poll(ctx, w, s.Descriptor, r.phase); err != nil {
				r.logger.Warn("metrics command failed, reconnecting",
					zap.String("server", s.Name), zap.Int("phase", r.phase), zap.Error(err))
				r.health.recordConnFailure(err)
				r.metrics.RconFailure("command")
				r.conn.Invalidate()
				r.conn.Ensure(ctx)
			} else {
				r.health.recordConnSuccess()
			}
		} else if s.StartupCompleted {
			r.health.recordConnFailure(errNotConnected)
		}

		if s.PID > 0 && r.procStats != nil {
			if st, err := r.procStats(ctx, s.PID); err == nil {
				update.SystemInfo.ServerProcess = &st
			}
		}
	} else {
		r.health.reset()
	}

	update.SystemInfo.Values = r.snapshot.Values()
	r.metrics.ObserveValues(update.SystemInfo.Values)
	r.metrics.tick()

	r.phase = (r.phase + 1) % phaseCount
	return update
}

var errNotConnected = errors.New("persistent connection unavailable")

// poll runs the command for phase and records parsed values through w.
// Only transport failures are returned; an unrecognised response leaves
// the snapshot as it was.
func (r *Rotator) poll(ctx context.Context, w Writer, d session.Descriptor, phase int) error {
	tickQuery := UseTickQuery(d)
	switch phase {
	case PhaseTick:
		if tickQuery {
			resp, err := r.conn.Execute(ctx, CmdTickQuery)
			if err != nil {
				return err
			}
			mspt, tps, ok := ParseTickQuery(resp)
			r.parsed(CmdTickQuery, ok)
			if ok {
				w.SetMSPT(mspt)
				w.SetTPS(tps)
			}
			return nil
		}
		resp, err := r.conn.Execute(ctx, CmdTPS)
		if err != nil {
			return err
		}
		tps, ok := ParseTPS(resp)
		r.parsed(CmdTPS, ok)
		if ok {
			w.SetTPS(tps)
		}
	case PhaseMSPT:
		if tickQuery {
			return nil
		}
		resp, err := r.conn.Execute(ctx, CmdMSPT)
		if err != nil {
			return err
		}
		mspt, ok := ParseMSPT(resp)
		r.parsed(CmdMSPT, ok)
		if ok {
			w.SetMSPT(mspt)
		}
	case PhasePlayers:
		resp, err := r.conn.Execute(ctx, CmdList)
		if err != nil {
			return err
		}
		online, max, ok := ParsePlayers(resp)
		r.parsed(CmdList, ok)
		if ok {
			w.SetPlayers(online, max)
		}
	}
	return nil
}

func (r *Rotator) parsed(command string, ok bool) {
	if ok {
		r.health.recordParseSuccess(command)
		return
	}
	r.health.recordParseFailure(command, "unrecognised response")
	r.logger.Debug("unrecognised response", zap.String("command", command))
}
