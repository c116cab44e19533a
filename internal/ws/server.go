// Package ws is the control plane: one WebSocket client drives the
// supervisor and receives lifecycle events, console logs and status ticks.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fallenmoon/supervisor/internal/install"
	"github.com/fallenmoon/supervisor/internal/monitor"
	"github.com/fallenmoon/supervisor/internal/session"
	"github.com/fallenmoon/supervisor/internal/supervisor"
)

// Supervisor is the part of the session supervisor the control plane
// drives.
type Supervisor interface {
	Start(ctx context.Context, name string) (*session.Session, error)
	Stop(ctx context.Context, name string) error
	Execute(ctx context.Context, command string) (string, error)
	Connect(name string) (*session.Session, error)
	SubscribeLogs(ctx context.Context, name string, sink func(line string) error) error
}

type handlerFunc func(c *client, req Request)

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAllowedOrigins restricts WebSocket origins. Without it only same-host
// and loopback origins are accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed == "" {
				continue
			}
			s.allowedOrigins[trimmed] = true
			if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
				s.allowedHosts[parsed.Host] = true
			}
		}
	}
}

// WithHealth serves /healthz from fn.
func WithHealth(fn func() monitor.Health) Option {
	return func(s *Server) { s.health = fn }
}

// WithMetricsHandler mounts a metrics handler at path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

type Server struct {
	hub      *Hub
	sup      Supervisor
	registry *session.Registry
	logger   *zap.Logger
	handlers map[string]handlerFunc

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	health         func() monitor.Health
	metricsPath    string
	metricsHandler http.Handler
}

func NewServer(hub *Hub, sup Supervisor, registry *session.Registry, opts ...Option) *Server {
	s := &Server{
		hub:            hub,
		sup:            sup,
		registry:       registry,
		logger:         zap.NewNop(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]handlerFunc{
		ActionRefreshServers: s.handleRefresh,
		ActionConnectServer:  s.handleConnect,
		ActionExecute:        s.handleExecute,
		ActionStopServer:     s.handleStop,
		ActionStartServer:    s.handleStart,
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle(s.metricsPath, s.metricsHandler)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := s.hub.attach(id, conn)
	if c == nil {
		s.logger.Info("rejecting second control client", zap.String("remote", r.RemoteAddr))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, clientTakenReason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.logger.Info("control client connected", zap.String("client", id), zap.String("remote", r.RemoteAddr))

	go s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.hub.detach(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("control client read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *client, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.hub.send(c, malformedReply{Error: invalidJSONText})
		return
	}
	h, ok := s.handlers[req.Action]
	if !ok {
		s.logger.Debug("ignoring unknown action", zap.String("action", req.Action))
		return
	}
	s.logger.Debug("control request", zap.String("action", req.Action), zap.String("server", req.ServerName))
	h(c, req)
}

func (s *Server) handleRefresh(c *client, _ Request) {
	s.hub.send(c, s.hub.serverList())
}

func (s *Server) handleConnect(c *client, req Request) {
	sess, err := s.sup.Connect(req.ServerName)
	if err != nil {
		s.hub.send(c, ErrorMessage{Type: MsgError, Message: "Failed to connect to server: " + err.Error()})
		return
	}
	s.hub.send(c, ConnectSuccessMessage{Type: MsgConnectSuccess, Server: sess.Descriptor})

	ctx, cancel := context.WithCancel(c.ctx)
	c.replaceLogStream(cancel)
	go func() {
		err := s.sup.SubscribeLogs(ctx, sess.Name, func(line string) error {
			return s.hub.send(c, LogMessage{Type: MsgServerLog, Log: line})
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Debug("log stream ended", zap.String("server", sess.Name), zap.Error(err))
		}
	}()
}

func (s *Server) handleExecute(c *client, req Request) {
	out, err := s.sup.Execute(c.ctx, req.Command)
	if err != nil {
		s.logger.Info("console command failed", zap.String("command", req.Command), zap.Error(err))
	}
	s.hub.send(c, CommandResultMessage{Type: MsgCommandResult, Result: commandResult(out, err)})
}

// commandResult maps an execute outcome to the text shown to the client.
func commandResult(out string, err error) string {
	if err == nil {
		return out
	}
	var ce *supervisor.CommandError
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		return ResultNotRunning
	case errors.Is(err, supervisor.ErrNoCredentials):
		return ResultNoPassword
	case errors.As(err, &ce) && ce.Stage == "connect":
		return ResultConnectFailed
	case errors.As(err, &ce):
		return ResultExecFailed
	default:
		return fmt.Sprintf("Error executing command: %v", err)
	}
}

// handleStop runs in the background: a stop can take the whole grace
// period and must finish even if the client leaves. A refused stop is
// reported to whichever client is attached by then.
func (s *Server) handleStop(c *client, req Request) {
	ctx := context.WithoutCancel(c.ctx)
	go func() {
		if err := s.sup.Stop(ctx, req.ServerName); err != nil {
			s.logger.Info("stop request not carried out", zap.String("server", req.ServerName), zap.Error(err))
			s.hub.Notify(session.Event{
				Type:    session.EventError,
				Name:    req.ServerName,
				Message: "Failed to stop server: " + err.Error(),
			})
		}
	}()
}

func (s *Server) handleStart(c *client, req Request) {
	if _, err := s.sup.Start(c.ctx, req.ServerName); err != nil {
		s.hub.send(c, ErrorMessage{Type: MsgError, Message: startError(err)})
	}
}

func startError(err error) string {
	var nf *install.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	return "Failed to start server: " + err.Error()
}

type healthResponse struct {
	monitor.Health
	Sessions        []*session.Session `json:"sessions"`
	ClientConnected bool               `json:"client_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Health:          monitor.Health{Status: monitor.StatusHealthy},
		Sessions:        s.registry.GetAll(),
		ClientConnected: s.hub.Connected(),
	}
	if s.health != nil {
		resp.Health = s.health()
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == monitor.StatusFailed {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// securityHeaders sets conservative response headers on every route.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler on host:port until ctx is done, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprint(port)),
		Handler:           securityHeaders(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("control server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
