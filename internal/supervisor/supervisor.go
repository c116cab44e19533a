// Package supervisor owns the lifecycle of game server sessions: launching
// the process, following its log, stopping it gracefully with a forced
// fallback, and detecting crashes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fallenmoon/supervisor/internal/conn"
	"github.com/fallenmoon/supervisor/internal/logtail"
	"github.com/fallenmoon/supervisor/internal/monitor"
	"github.com/fallenmoon/supervisor/internal/proc"
	"github.com/fallenmoon/supervisor/internal/session"
)

// StopCommand is the console command that shuts a server down.
const StopCommand = "stop"

// Config holds supervisor timings and limits. Zero fields take defaults.
type Config struct {
	LogFile          string // relative to the install path
	LivenessInterval time.Duration
	StopGrace        time.Duration
	KillTimeout      time.Duration
	LogPoll          time.Duration
	LogRateLimit     int
	LogRateWindow    time.Duration
	RconHost         string
}

func (c *Config) setDefaults() {
	if c.LogFile == "" {
		c.LogFile = filepath.Join("logs", "latest.log")
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 30 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 5 * time.Second
	}
	if c.LogPoll <= 0 {
		c.LogPoll = logtail.DefaultPollInterval
	}
	if c.LogRateLimit <= 0 {
		c.LogRateLimit = 100
	}
	if c.LogRateWindow <= 0 {
		c.LogRateWindow = time.Second
	}
	if c.RconHost == "" {
		c.RconHost = "localhost"
	}
}

// Resolver turns a server name into its descriptor.
type Resolver interface {
	Resolve(name string) (session.Descriptor, error)
}

// Notifier receives lifecycle events.
type Notifier interface {
	Notify(session.Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(session.Event)

func (f NotifierFunc) Notify(ev session.Event) { f(ev) }

// Persistent is the part of the persistent connection manager the
// supervisor tears down.
type Persistent interface {
	Teardown(name string)
}

// runtime is what the supervisor alone owns for a live session.
type runtime struct {
	proc   proc.Process
	cache  *logtail.Cache
	cancel context.CancelFunc // stops the tailer
}

type Option func(*Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithDialer sets how transient command connections are opened.
func WithDialer(d conn.DialFunc) Option {
	return func(s *Supervisor) { s.dial = d }
}

type Supervisor struct {
	cfg        Config
	registry   *session.Registry
	launcher   proc.Launcher
	resolver   Resolver
	persistent Persistent
	snapshot   *monitor.Snapshot
	dial       conn.DialFunc
	metrics    *monitor.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime
	notifier Notifier
	wg       sync.WaitGroup
}

func New(cfg Config, registry *session.Registry, launcher proc.Launcher, resolver Resolver, persistent Persistent, snapshot *monitor.Snapshot, opts ...Option) *Supervisor {
	cfg.setDefaults()
	s := &Supervisor{
		cfg:        cfg,
		registry:   registry,
		launcher:   launcher,
		resolver:   resolver,
		persistent: persistent,
		snapshot:   snapshot,
		dial:       conn.RconDialer(),
		logger:     zap.NewNop(),
		runtimes:   make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier installs the event sink. Events before this are dropped.
func (s *Supervisor) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Supervisor) notify(ev session.Event) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.Notify(ev)
	}
}

// LogPath returns the live log location for d.
func (s *Supervisor) LogPath(d session.Descriptor) string {
	return filepath.Join(d.InstallPath, s.cfg.LogFile)
}

// Sessions returns the registered sessions in start order.
func (s *Supervisor) Sessions() []*session.Session {
	return s.registry.GetAll()
}

// Start launches the named server. A launch failure leaves nothing
// registered.
func (s *Supervisor) Start(ctx context.Context, name string) (*session.Session, error) {
	desc, err := s.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	p, err := s.launch(ctx, desc)
	if err != nil {
		return nil, err
	}

	s.metrics.SetSessions(s.registry.Len())
	s.logger.Info("server started", zap.String("server", name), zap.Int("pid", p.Pid()))
	started, _ := s.registry.Get(name)
	s.notify(session.Event{Type: session.EventStarted, Name: name, State: started})
	return started, nil
}

// launch spawns the process, registers the session and starts its tailer.
// s.mu is held throughout so two starts of one name cannot race.
func (s *Supervisor) launch(ctx context.Context, desc session.Descriptor) (proc.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := desc.Name
	if _, ok := s.registry.Get(name); ok {
		return nil, ErrAlreadyRunning
	}

	p, err := s.launcher.Launch(ctx, desc)
	if err != nil {
		s.metrics.Launch(false)
		s.logger.Error("launch failed", zap.String("server", name), zap.Error(err))
		return nil, err
	}
	s.metrics.Launch(true)

	sess := &session.Session{
		Descriptor: desc,
		Status:     session.Starting,
		PID:        p.Pid(),
		StartedAt:  time.Now(),
	}
	if err := s.registry.Add(sess); err != nil {
		p.Kill()
		return nil, err
	}

	tailCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{proc: p, cache: logtail.NewCache(), cancel: cancel}
	s.runtimes[name] = rt

	tailer := logtail.NewTailer(s.LogPath(desc), rt.cache, func() { s.startupCompleted(name) },
		logtail.WithPollInterval(s.cfg.LogPoll),
		logtail.WithLogger(s.logger.With(zap.String("server", name))))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := tailer.Run(tailCtx); err != nil {
			s.logger.Warn("log tailer stopped", zap.String("server", name), zap.Error(err))
		}
	}()
	return p, nil
}

func (s *Supervisor) startupCompleted(name string) {
	if !s.registry.MarkStartupCompleted(name) {
		return
	}
	st, _ := s.registry.Get(name)
	s.logger.Info("server ready", zap.String("server", name))
	s.notify(session.Event{Type: session.EventStartupCompleted, Name: name, State: st})
}

// Connect prepares name for a control client: the metrics snapshot starts
// over, and a log that already shows startup completion marks the session
// ready.
func (s *Supervisor) Connect(name string) (*session.Session, error) {
	sess, ok := s.registry.Get(name)
	if !ok {
		return nil, ErrNotRunning
	}
	s.snapshot.Reset()
	if !sess.StartupCompleted {
		found, err := logtail.ContainsMarker(s.LogPath(sess.Descriptor))
		if err != nil {
			s.logger.Debug("checking startup state", zap.String("server", name), zap.Error(err))
		}
		if found {
			s.startupCompleted(name)
		}
	}
	sess, ok = s.registry.Get(name)
	if !ok {
		return nil, ErrNotRunning
	}
	return sess, nil
}

// Stop shuts the named server down: a "stop" console command, then up to
// the grace period for a clean exit, then a forced kill. It returns once
// the session is gone from the registry.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	if _, err := s.registry.Transition(name, session.Stopping, session.Starting, session.Running); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrNotRunning
		}
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	rt := s.runtime(name)
	sess, _ := s.registry.Get(name)
	s.logger.Info("stopping server", zap.String("server", name))

	if sess != nil && sess.HasCredentials() && rt != nil && !rt.proc.Exited() {
		if _, err := s.sendCommand(ctx, sess.Descriptor, StopCommand); err != nil {
			s.logger.Warn("stop command failed, waiting for exit anyway", zap.String("server", name), zap.Error(err))
		}
	}

	s.finishStop(name, rt)
	s.notify(session.Event{Type: session.EventStopped, Name: name})
	return nil
}

// finishStop waits out the grace period, kills the process if it is still
// running, and removes the session.
func (s *Supervisor) finishStop(name string, rt *runtime) {
	if rt != nil {
		s.awaitExit(name, rt.proc)
	}
	s.remove(name)
	s.snapshot.Reset()
	s.logger.Info("server stopped", zap.String("server", name))
}

func (s *Supervisor) awaitExit(name string, p proc.Process) {
	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-p.Done():
		return
	case <-grace.C:
	}

	s.logger.Warn("server still running after grace period, killing",
		zap.String("server", name), zap.Duration("grace", s.cfg.StopGrace))
	if err := p.Kill(); err != nil {
		s.logger.Error("kill failed", zap.String("server", name), zap.Error(err))
	}
	killWait := time.NewTimer(s.cfg.KillTimeout)
	defer killWait.Stop()
	select {
	case <-p.Done():
	case <-killWait.C:
		s.logger.Error("server did not exit after kill",
			zap.String("server", name), zap.Duration("timeout", s.cfg.KillTimeout))
	}
}

// remove drops every trace of a session: registry entry, tailer, cache and
// persistent connection.
func (s *Supervisor) remove(name string) {
	s.mu.Lock()
	rt := s.runtimes[name]
	delete(s.runtimes, name)
	s.mu.Unlock()
	if rt != nil {
		rt.cancel()
	}
	s.registry.Remove(name)
	s.persistent.Teardown(name)
	s.metrics.SetSessions(s.registry.Len())
}

func (s *Supervisor) runtime(name string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[name]
}

// Execute runs a console command on the polled session over a connection
// of its own. Sending "stop" this way is a user-initiated shutdown: the
// session moves to stopping, EventStopped fires at once, and the
// grace/kill tail runs in the background.
func (s *Supervisor) Execute(ctx context.Context, command string) (string, error) {
	sess, ok := s.registry.First()
	if !ok {
		return "", ErrNotRunning
	}
	if !sess.HasCredentials() {
		return "", ErrNoCredentials
	}
	out, err := s.sendCommand(ctx, sess.Descriptor, command)

	if strings.EqualFold(strings.TrimSpace(command), StopCommand) {
		s.userStop(sess.Name)
	}
	return out, err
}

func (s *Supervisor) userStop(name string) {
	s.logger.Info("stop issued from console", zap.String("server", name))
	s.persistent.Teardown(name)
	s.registry.ResetStartup(name)
	s.snapshot.Reset()

	if _, err := s.registry.Transition(name, session.Stopping, session.Starting, session.Running); err != nil {
		// already stopping or gone; the other path finishes it
		return
	}
	s.notify(session.Event{Type: session.EventStopped, Name: name})

	rt := s.runtime(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.finishStop(name, rt)
	}()
}

// sendCommand opens a transient connection, runs one command and closes
// it.
func (s *Supervisor) sendCommand(ctx context.Context, d session.Descriptor, command string) (string, error) {
	c, err := s.dial(ctx, conn.Addr(s.cfg.RconHost, d.RconPort), d.RconPassword)
	if err != nil {
		return "", &CommandError{Server: d.Name, Stage: "connect", Err: err}
	}
	defer c.Close()
	out, err := c.Execute(ctx, command)
	if err != nil {
		return "", &CommandError{Server: d.Name, Stage: "execute", Err: err}
	}
	return out, nil
}

// SubscribeLogs streams the session's log to sink until ctx is done or
// sink fails: cached boot output first, then live lines, rate limited.
func (s *Supervisor) SubscribeLogs(ctx context.Context, name string, sink func(line string) error) error {
	sess, ok := s.registry.Get(name)
	if !ok {
		return ErrNotRunning
	}
	var cache *logtail.Cache
	if rt := s.runtime(name); rt != nil {
		cache = rt.cache
	}
	st := &logtail.Stream{
		Path:    s.LogPath(sess.Descriptor),
		Cache:   cache,
		Limiter: logtail.NewLimiter(s.cfg.LogRateLimit, s.cfg.LogRateWindow, nil),
		Poll:    s.cfg.LogPoll,
		Sink:    sink,
		OnDrop:  s.metrics.LogDropped,
		Logger:  s.logger.With(zap.String("server", name)),
	}
	return st.Run(ctx)
}

// Run polls process liveness until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

func (s *Supervisor) checkLiveness() {
	for _, sess := range s.registry.GetAll() {
		s.checkSession(sess)
	}
}

// checkSession reports a crash for a session whose process exited without
// a stop. A panic here is contained to this session.
func (s *Supervisor) checkSession(sess *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("liveness check panicked", zap.String("server", sess.Name), zap.Any("panic", r))
		}
	}()
	if !sess.Status.Live() {
		return
	}
	rt := s.runtime(sess.Name)
	if rt == nil || !rt.proc.Exited() {
		return
	}
	if _, err := s.registry.Transition(sess.Name, session.Crashed, session.Starting, session.Running); err != nil {
		return
	}

	msg := "process exited"
	if err := rt.proc.ExitErr(); err != nil {
		msg = err.Error()
	}
	s.logger.Warn("server stopped unexpectedly", zap.String("server", sess.Name), zap.String("exit", msg))
	s.metrics.Crash()
	s.remove(sess.Name)
	s.snapshot.Reset()
	s.notify(session.Event{Type: session.EventCrashed, Name: sess.Name, Message: msg})
}

// Close stops every tailer and waits for background stop sequences. It
// does not touch the server processes.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for _, rt := range s.runtimes {
		rt.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
