package supervisor

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallenmoon/supervisor/internal/mock"
	"github.com/fallenmoon/supervisor/internal/monitor"
	"github.com/fallenmoon/supervisor/internal/proc"
	"github.com/fallenmoon/supervisor/internal/session"
)

type mapResolver map[string]session.Descriptor

func (m mapResolver) Resolve(name string) (session.Descriptor, error) {
	d, ok := m[name]
	if !ok {
		return session.Descriptor{}, errors.New("unknown server " + name)
	}
	return d, nil
}

type teardowns struct {
	mu    sync.Mutex
	names []string
}

func (t *teardowns) Teardown(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
}

func (t *teardowns) has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.names {
		if n == name {
			return true
		}
	}
	return false
}

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) Notify(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []session.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(typ session.EventType) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type harness struct {
	sup      *Supervisor
	registry *session.Registry
	launcher *mock.Launcher
	persist  *teardowns
	events   *recorder
	snapshot *monitor.Snapshot
	desc     session.Descriptor
}

func newHarness(t *testing.T, launcher *mock.Launcher) *harness {
	t.Helper()
	desc := session.Descriptor{
		Name:         "alpha",
		DisplayName:  "Alpha",
		InstallPath:  t.TempDir(),
		RconPort:     freePort(t),
		RconPassword: "pw",
		Platform:     "Paper",
		GameVersion:  "1.20.4",
	}
	h := &harness{
		registry: session.NewRegistry(),
		launcher: launcher,
		persist:  &teardowns{},
		events:   &recorder{},
		snapshot: monitor.NewSnapshot(),
		desc:     desc,
	}
	h.sup = New(Config{
		RconHost:         "127.0.0.1",
		LivenessInterval: 20 * time.Millisecond,
		StopGrace:        2 * time.Second,
		KillTimeout:      200 * time.Millisecond,
		LogPoll:          10 * time.Millisecond,
	}, h.registry, launcher, mapResolver{"alpha": desc}, h.persist, h.snapshot)
	h.sup.SetNotifier(h.events)
	t.Cleanup(func() {
		if p := launcher.Last(); p != nil {
			p.Crash()
		}
		h.sup.Close()
	})
	return h
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := h.registry.Get("alpha")
		return ok && s.StartupCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartRegistersAndDetectsStartup(t *testing.T) {
	h := newHarness(t, &mock.Launcher{BootDelay: 30 * time.Millisecond})

	sess, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, session.Starting, sess.Status)
	assert.Equal(t, h.launcher.Last().Pid(), sess.PID)

	h.waitReady(t)
	s, _ := h.registry.Get("alpha")
	assert.Equal(t, session.Running, s.Status)
	assert.Equal(t, session.EventStarted, h.events.types()[0])
	require.Eventually(t, func() bool { return h.events.count(session.EventStartupCompleted) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)

	_, err = h.sup.Start(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartUnknownServer(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "ghost")
	assert.Error(t, err)
	assert.Zero(t, h.registry.Len())
}

func TestLaunchFailureLeavesNothingRegistered(t *testing.T) {
	registry := session.NewRegistry()
	sup := New(Config{}, registry, &proc.ExecLauncher{}, mapResolver{"alpha": {Name: "alpha"}}, &teardowns{}, monitor.NewSnapshot())

	_, err := sup.Start(context.Background(), "alpha")
	var le *proc.LaunchError
	require.ErrorAs(t, err, &le)
	assert.Zero(t, registry.Len())
}

func TestStopGraceful(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	h.waitReady(t)
	h.snapshot.SetTPS("20.0")
	p := h.launcher.Last()

	start := time.Now()
	require.NoError(t, h.sup.Stop(context.Background(), "alpha"))
	assert.Less(t, time.Since(start), time.Second, "clean exit should not wait out the grace period")

	assert.True(t, p.Exited())
	assert.NoError(t, p.ExitErr())
	assert.Zero(t, h.registry.Len())
	assert.True(t, h.persist.has("alpha"))
	assert.Equal(t, monitor.Unknown, h.snapshot.Values().TPS)
	assert.Equal(t, 1, h.events.count(session.EventStopped))
}

func TestStopForcesKillAfterGrace(t *testing.T) {
	h := newHarness(t, &mock.Launcher{IgnoreStop: true})
	h.sup.cfg.StopGrace = 100 * time.Millisecond
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	p := h.launcher.Last()

	start := time.Now()
	require.NoError(t, h.sup.Stop(context.Background(), "alpha"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, h.sup.cfg.StopGrace+h.sup.cfg.KillTimeout+time.Second)
	assert.ErrorIs(t, p.ExitErr(), mock.ErrKilled)
	assert.Equal(t, []string{"stop"}, p.RCON().Commands())
	assert.Zero(t, h.registry.Len())
}

func TestStopSurvivesUnkillableProcess(t *testing.T) {
	h := newHarness(t, &mock.Launcher{IgnoreStop: true, IgnoreKill: true})
	h.sup.cfg.StopGrace = 50 * time.Millisecond
	h.sup.cfg.KillTimeout = 50 * time.Millisecond
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)

	require.NoError(t, h.sup.Stop(context.Background(), "alpha"))
	assert.Zero(t, h.registry.Len(), "session is removed even when kill times out")
	assert.False(t, h.launcher.Last().Exited())
}

func TestStopWithoutCredentialsSkipsCommand(t *testing.T) {
	h := newHarness(t, &mock.Launcher{IgnoreStop: true})
	h.desc.RconPassword = ""
	h.sup.resolver = mapResolver{"alpha": h.desc}
	h.sup.cfg.StopGrace = 50 * time.Millisecond
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)

	require.NoError(t, h.sup.Stop(context.Background(), "alpha"))
	assert.Empty(t, h.launcher.Last().RCON().Commands())
	assert.ErrorIs(t, h.launcher.Last().ExitErr(), mock.ErrKilled)
}

func TestStopNotRunning(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	assert.ErrorIs(t, h.sup.Stop(context.Background(), "alpha"), ErrNotRunning)
}

func TestStopTwiceConcurrently(t *testing.T) {
	h := newHarness(t, &mock.Launcher{IgnoreStop: true})
	h.sup.cfg.StopGrace = 100 * time.Millisecond
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() { errs <- h.sup.Stop(context.Background(), "alpha") }()
	time.Sleep(20 * time.Millisecond)
	go func() { errs <- h.sup.Stop(context.Background(), "alpha") }()

	var transition *session.TransitionError
	results := []error{<-errs, <-errs}
	if results[0] == nil {
		results[0], results[1] = results[1], results[0]
	}
	assert.ErrorAs(t, results[0], &transition)
	assert.ErrorIs(t, results[0], ErrInvalidState)
	assert.NoError(t, results[1])
}

func TestExecuteNoServer(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Execute(context.Background(), "list")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestExecuteNoPassword(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	h.desc.RconPassword = ""
	h.sup.resolver = mapResolver{"alpha": h.desc}
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)

	_, err = h.sup.Execute(context.Background(), "list")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestExecuteUsesTransientConnection(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	srv := h.launcher.Last().RCON()

	out, err := h.sup.Execute(context.Background(), "list")
	require.NoError(t, err)
	assert.Equal(t, mock.ListResponse, out)

	_, err = h.sup.Execute(context.Background(), "list")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Accepted(), "each command opens its own connection")
}

func TestExecuteConnectFailure(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	h.launcher.Last().RCON().Close()

	_, err = h.sup.Execute(context.Background(), "list")
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "connect", ce.Stage)
}

func TestExecuteStopIsUserShutdown(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	h.waitReady(t)
	h.snapshot.SetPlayers("1", "20")

	out, err := h.sup.Execute(context.Background(), "stop")
	require.NoError(t, err)
	assert.Equal(t, mock.StopResponse, out)

	assert.Equal(t, 1, h.events.count(session.EventStopped))
	assert.True(t, h.persist.has("alpha"))
	assert.Equal(t, monitor.Unknown, h.snapshot.Values().PlayersOnline)

	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.events.count(session.EventStopped), "background tail must not notify again")
	assert.Zero(t, h.events.count(session.EventCrashed))
}

func TestLivenessDetectsCrash(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	h.waitReady(t)

	h.launcher.Last().Crash()
	h.sup.checkLiveness()

	assert.Zero(t, h.registry.Len())
	assert.True(t, h.persist.has("alpha"))
	assert.Equal(t, 1, h.events.count(session.EventCrashed))
	assert.Nil(t, h.sup.runtime("alpha"), "log cache and runtime are discarded")

	h.sup.checkLiveness()
	assert.Equal(t, 1, h.events.count(session.EventCrashed))
}

func TestLivenessLoopRuns(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sup.Run(ctx)

	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	h.launcher.Last().Crash()

	require.Eventually(t, func() bool { return h.events.count(session.EventCrashed) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLivenessSkipsStoppingSession(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)

	_, err = h.registry.Transition("alpha", session.Stopping, session.Starting)
	require.NoError(t, err)
	h.launcher.Last().Crash()
	h.sup.checkLiveness()

	assert.Equal(t, 1, h.registry.Len())
	assert.Zero(t, h.events.count(session.EventCrashed))
}

func TestConnectDetectsExistingMarker(t *testing.T) {
	h := newHarness(t, &mock.Launcher{BootDelay: time.Hour})
	h.sup.cfg.LogPoll = time.Hour
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)

	h.launcher.Last().AppendLog("[Server] Server Started!")

	h.snapshot.SetTPS("19.0")
	sess, err := h.sup.Connect("alpha")
	require.NoError(t, err)
	assert.True(t, sess.StartupCompleted)
	assert.Equal(t, session.Running, sess.Status)
	assert.Equal(t, monitor.Unknown, h.snapshot.Values().TPS)

	_, err = h.sup.Connect("ghost")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConnectAfterConsoleStopKeepsStartupReset(t *testing.T) {
	h := newHarness(t, &mock.Launcher{IgnoreStop: true})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	h.waitReady(t)

	_, err = h.sup.Execute(context.Background(), "stop")
	require.NoError(t, err)

	// the old log still holds the completion marker
	sess, err := h.sup.Connect("alpha")
	require.NoError(t, err)
	assert.Equal(t, session.Stopping, sess.Status)
	assert.False(t, sess.StartupCompleted)
	assert.Equal(t, 1, h.events.count(session.EventStartupCompleted))
}

func TestStartupCompletedOnceWhenConnectAndFollowBothSeeMarker(t *testing.T) {
	h := newHarness(t, &mock.Launcher{BootDelay: time.Hour})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	rt := h.sup.runtime("alpha")
	require.NotNil(t, rt)
	// boot lines are cached once the pre-scan is done and following begins
	require.Eventually(t, func() bool { return rt.cache.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	before := rt.cache.Len()

	h.launcher.Last().AppendLog(mock.DoneLine)
	sess, err := h.sup.Connect("alpha")
	require.NoError(t, err)
	assert.True(t, sess.StartupCompleted)

	// the follow loop reads the same marker
	require.Eventually(t, func() bool { return rt.cache.Len() > before }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.events.count(session.EventStartupCompleted))
	s, _ := h.registry.Get("alpha")
	assert.Equal(t, session.Running, s.Status)
}

func TestSubscribeLogsCachedThenLive(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	_, err := h.sup.Start(context.Background(), "alpha")
	require.NoError(t, err)
	h.waitReady(t)

	var mu sync.Mutex
	var lines []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sup.SubscribeLogs(ctx, "alpha", func(line string) error {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	h.launcher.Last().AppendLog("[Server thread/INFO]: Steve joined the game")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) > 0 && strings.HasSuffix(lines[len(lines)-1], "Steve joined the game")
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, lines[2], "Done (")
	mu.Unlock()
}

func TestSubscribeLogsNotRunning(t *testing.T) {
	h := newHarness(t, &mock.Launcher{})
	err := h.sup.SubscribeLogs(context.Background(), "alpha", func(string) error { return nil })
	assert.ErrorIs(t, err, ErrNotRunning)
}
