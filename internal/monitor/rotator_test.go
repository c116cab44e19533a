package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallenmoon/supervisor/internal/mock"
	"github.com/fallenmoon/supervisor/internal/proc"
	"github.com/fallenmoon/supervisor/internal/rcon"
	"github.com/fallenmoon/supervisor/internal/session"
)

type fakeConn struct {
	mu          sync.Mutex
	ready       bool
	ensureCalls int
	invalidated int
	commands    []string
	responses   map[string]string
	fail        map[string]error
	onExecute   func(cmd string)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		ready: true,
		responses: map[string]string{
			CmdTickQuery: mock.TickQueryResponse,
			CmdTPS:       mock.TPSResponse,
			CmdMSPT:      mock.MSPTResponse,
			CmdList:      mock.ListResponse,
		},
		fail: map[string]error{},
	}
}

func (c *fakeConn) Ensure(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCalls++
	return c.ready
}

func (c *fakeConn) Execute(_ context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	if c.onExecute != nil {
		c.onExecute(cmd)
	}
	if err := c.fail[cmd]; err != nil {
		return "", err
	}
	return c.responses[cmd], nil
}

func (c *fakeConn) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
}

type fakeHost struct{}

func (fakeHost) Sample(context.Context) HostInfo {
	return HostInfo{CPUUsage: 12.5, MemoryTotal: 16 << 30, CPUFrequency: 3600}
}

type capture struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (c *capture) PublishStatus(u StatusUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func newTestRotator(t *testing.T, desc session.Descriptor, conn *fakeConn, opts ...Option) (*Rotator, *session.Registry, *Snapshot) {
	t.Helper()
	reg := session.NewRegistry()
	if desc.Name != "" {
		require.NoError(t, reg.Add(&session.Session{Descriptor: desc, Status: session.Running, StartupCompleted: true}))
	}
	snap := NewSnapshot()
	opts = append([]Option{WithProcessStats(nil)}, opts...)
	return NewRotator(reg, conn, snap, fakeHost{}, &capture{}, opts...), reg, snap
}

func TestUseTickQuery(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		spark    bool
		version  string
		want     bool
	}{
		{"forge without spark", PlatformForge, false, "1.20.1", true},
		{"forge with spark", PlatformForge, true, "1.20.4", true},
		{"paper without spark", "Paper", false, "1.21.0", true},
		{"paper with spark", "Paper", true, "1.21.0", false},
		{"too old", PlatformForge, false, "1.20.0", false},
		{"older minor", "Fabric", false, "1.19.4", false},
		{"newer major", "Fabric", false, "2.0.0", true},
		{"short version", PlatformForge, false, "1.20", false},
		{"garbage version", PlatformForge, false, "latest", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := session.Descriptor{Platform: tt.platform, AdvancedMetrics: tt.spark, GameVersion: tt.version}
			assert.Equal(t, tt.want, UseTickQuery(d))
		})
	}
}

func TestTickQueryRotation(t *testing.T) {
	conn := newFakeConn()
	desc := session.Descriptor{Name: "s1", Platform: PlatformForge, GameVersion: "1.20.1"}
	r, _, snap := newTestRotator(t, desc, conn)
	ctx := context.Background()

	r.Tick(ctx)
	r.Tick(ctx)
	u := r.Tick(ctx)

	assert.Equal(t, []string{CmdTickQuery, CmdList}, conn.commands)
	assert.Equal(t, Values{TPS: "20.0", MSPT: "12.3", PlayersOnline: "2", PlayersMax: "20"}, snap.Values())
	assert.Equal(t, snap.Values(), u.SystemInfo.Values)
	assert.Equal(t, PlatformForge, u.PlatformType)
	assert.Equal(t, PhaseTick, r.Phase())
}

func TestLegacyRotation(t *testing.T) {
	conn := newFakeConn()
	desc := session.Descriptor{Name: "s1", Platform: "Paper", GameVersion: "1.20.1", AdvancedMetrics: true}
	r, _, snap := newTestRotator(t, desc, conn)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Tick(ctx)
	}
	assert.Equal(t, []string{CmdTPS, CmdMSPT, CmdList}, conn.commands)
	assert.Equal(t, Values{TPS: "19.98", MSPT: "1.2", PlayersOnline: "2", PlayersMax: "20"}, snap.Values())

	u := r.Tick(ctx)
	assert.True(t, u.SystemInfo.SparkInstalled)
	assert.Equal(t, 12.5, u.SystemInfo.CPUUsage)
}

func TestParseFailureKeepsLastValue(t *testing.T) {
	conn := newFakeConn()
	desc := session.Descriptor{Name: "s1", Platform: "Paper", GameVersion: "1.20.1", AdvancedMetrics: true}
	r, _, snap := newTestRotator(t, desc, conn)
	ctx := context.Background()

	r.Tick(ctx)
	require.Equal(t, "19.98", snap.Values().TPS)

	conn.responses[CmdTPS] = "Unknown or incomplete command"
	r.Tick(ctx)
	r.Tick(ctx)
	r.Tick(ctx)
	assert.Equal(t, "19.98", snap.Values().TPS)
	assert.Zero(t, conn.invalidated, "parse failures must not drop the connection")
}

func TestResetDuringPollDiscardsResponse(t *testing.T) {
	conn := newFakeConn()
	desc := session.Descriptor{Name: "s1", Platform: "Paper", GameVersion: "1.20.1", AdvancedMetrics: true}
	r, _, snap := newTestRotator(t, desc, conn)
	ctx := context.Background()

	// the session is stopped while the tps command is in flight
	conn.onExecute = func(string) { snap.Reset() }
	u := r.Tick(ctx)

	assert.Equal(t, []string{CmdTPS}, conn.commands)
	assert.Equal(t, Unknown, snap.Values().TPS)
	assert.Equal(t, Unknown, u.SystemInfo.TPS)

	conn.onExecute = nil
	r.Tick(ctx)
	assert.Equal(t, "1.2", snap.Values().MSPT, "later polls write again")
}

func TestProtocolFailureReconnectsAndAdvances(t *testing.T) {
	conn := newFakeConn()
	conn.fail[CmdTPS] = &rcon.TransportError{Op: "read", Err: errors.New("reset")}
	desc := session.Descriptor{Name: "s1", Platform: "Paper", GameVersion: "1.20.1", AdvancedMetrics: true}
	r, _, snap := newTestRotator(t, desc, conn)

	r.Tick(context.Background())
	assert.Equal(t, 1, conn.invalidated)
	assert.Equal(t, 2, conn.ensureCalls, "expected one immediate re-ensure")
	assert.Equal(t, PhaseMSPT, r.Phase())
	assert.Equal(t, Unknown, snap.Values().TPS)
	assert.Equal(t, 1, r.Health().ConnectionFailures)
}

func TestNotConnectedStillPublishes(t *testing.T) {
	conn := newFakeConn()
	conn.ready = false
	r, _, _ := newTestRotator(t, session.Descriptor{Name: "s1", Platform: "Paper"}, conn)

	u := r.Tick(context.Background())
	assert.Empty(t, conn.commands)
	assert.Equal(t, Unknown, u.SystemInfo.TPS)
	assert.Equal(t, 3600.0, u.SystemInfo.CPUFrequency)
	assert.Equal(t, PhaseMSPT, r.Phase())
}

func TestNoSession(t *testing.T) {
	conn := newFakeConn()
	r, _, _ := newTestRotator(t, session.Descriptor{}, conn)

	u := r.Tick(context.Background())
	assert.Equal(t, "Unknown", u.PlatformType)
	assert.False(t, u.SystemInfo.SparkInstalled)
	assert.Zero(t, conn.ensureCalls)
	assert.Nil(t, u.SystemInfo.ServerProcess)
}

func TestProcessStatsIncluded(t *testing.T) {
	conn := newFakeConn()
	stats := func(_ context.Context, pid int) (proc.Stats, error) {
		return proc.Stats{PID: pid, CPUPercent: 50, RSS: 1 << 30}, nil
	}
	reg := session.NewRegistry()
	require.NoError(t, reg.Add(&session.Session{Descriptor: session.Descriptor{Name: "s1"}, PID: 4242}))
	r := NewRotator(reg, conn, NewSnapshot(), fakeHost{}, &capture{}, WithProcessStats(stats))

	u := r.Tick(context.Background())
	require.NotNil(t, u.SystemInfo.ServerProcess)
	assert.Equal(t, 4242, u.SystemInfo.ServerProcess.PID)
}

func TestMetricsObserveValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	conn := newFakeConn()
	desc := session.Descriptor{Name: "s1", Platform: PlatformForge, GameVersion: "1.21.1"}
	r, _, _ := newTestRotator(t, desc, conn, WithMetrics(m))
	ctx := context.Background()

	r.Tick(ctx)
	r.Tick(ctx)
	r.Tick(ctx)

	assert.Equal(t, 20.0, testutil.ToFloat64(m.tps))
	assert.Equal(t, 12.3, testutil.ToFloat64(m.mspt))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.playersOnline))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ticks))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveValues(Values{TPS: "20"})
	m.Launch(true)
	m.Crash()
	m.RconFailure("dial")
	m.LogDropped()
	m.SetSessions(1)
	m.tick()
}
