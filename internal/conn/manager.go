// Package conn keeps the single long-lived RCON connection used for
// metrics polling.
package conn

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fallenmoon/supervisor/internal/config"
	"github.com/fallenmoon/supervisor/internal/rcon"
	"github.com/fallenmoon/supervisor/internal/session"
)

// ProbeCommand is sent to check a held connection. The server has no
// no-op command; list is cheap and always answers.
const ProbeCommand = "list"

// Client is the part of an RCON connection the manager needs.
type Client interface {
	Execute(ctx context.Context, command string) (string, error)
	Close() error
}

// DialFunc opens and authenticates a connection.
type DialFunc func(ctx context.Context, addr, password string) (Client, error)

// RconDialer dials with the rcon package.
func RconDialer(opts ...rcon.Option) DialFunc {
	return func(ctx context.Context, addr, password string) (Client, error) {
		return rcon.DialAuth(ctx, addr, password, opts...)
	}
}

// Addr joins host with the session's RCON port, falling back to the stock
// port when unset.
func Addr(host string, port int) string {
	if port <= 0 {
		port = config.DefaultRconPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHost sets the host RCON connections are made to.
func WithHost(host string) Option {
	return func(m *Manager) { m.host = host }
}

// WithFailureHook is called with "dial" or "probe" whenever that step
// fails.
func WithFailureHook(fn func(stage string)) Option {
	return func(m *Manager) { m.onFailure = fn }
}

// Manager holds at most one connection, bound to the first registered
// session. With several sessions registered only the first is polled.
type Manager struct {
	registry  *session.Registry
	dial      DialFunc
	host      string
	logger    *zap.Logger
	onFailure func(stage string)
	notReady  rate.Sometimes

	mu     sync.Mutex
	client Client
	bound  string
}

func NewManager(registry *session.Registry, dial DialFunc, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		dial:     dial,
		host:     "localhost",
		logger:   zap.NewNop(),
		notReady: rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure reports whether a usable connection exists for the polled
// session, connecting or reconnecting as needed. It never dials before
// the session's startup has completed.
func (m *Manager) Ensure(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.registry.First()
	if !ok {
		m.closeLocked()
		return false
	}
	if m.client != nil && m.bound != s.Name {
		m.closeLocked()
	}
	if !s.StartupCompleted {
		m.closeLocked()
		m.notReady.Do(func() {
			m.logger.Debug("startup not complete, skipping connection", zap.String("server", s.Name))
		})
		return false
	}

	if m.client != nil {
		_, err := m.client.Execute(ctx, ProbeCommand)
		if err == nil {
			return true
		}
		m.logger.Info("persistent connection failed probe", zap.String("server", s.Name), zap.Error(err))
		m.failed("probe")
		m.closeLocked()
	}

	if !s.HasCredentials() {
		return false
	}
	addr := Addr(m.host, s.RconPort)
	c, err := m.dial(ctx, addr, s.RconPassword)
	if err != nil {
		m.logger.Debug("persistent connection failed", zap.String("server", s.Name), zap.String("addr", addr), zap.Error(err))
		m.failed("dial")
		return false
	}
	m.client = c
	m.bound = s.Name
	m.logger.Info("persistent connection established", zap.String("server", s.Name), zap.String("addr", addr))
	return true
}

// Execute runs command over the held connection.
func (m *Manager) Execute(ctx context.Context, command string) (string, error) {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c == nil {
		return "", &rcon.TransportError{Op: "execute", Err: rcon.ErrClosed}
	}
	return c.Execute(ctx, command)
}

// Bound returns the session name the connection is bound to, or "".
func (m *Manager) Bound() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound
}

// Invalidate drops the held connection whatever it is bound to.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// Teardown drops the connection if it is bound to name.
func (m *Manager) Teardown(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound == name {
		m.closeLocked()
	}
}

func (m *Manager) closeLocked() {
	if m.client == nil {
		return
	}
	m.client.Close()
	m.logger.Debug("persistent connection closed", zap.String("server", m.bound))
	m.client = nil
	m.bound = ""
}

func (m *Manager) failed(stage string) {
	if m.onFailure != nil {
		m.onFailure(stage)
	}
}
