package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fallenmoon/supervisor/internal/monitor"
	"github.com/fallenmoon/supervisor/internal/session"
)

var (
	errClientGone = errors.New("control client disconnected")
	errSlowClient = errors.New("control client too slow")
)

const writeWait = 10 * time.Second

type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	logCancel context.CancelFunc
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, hub *Hub, buffer int) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// writePump is the only writer on the connection. It also emits the
// heartbeat.
func (c *client) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.hub.detach(c)
	}()
	beat, _ := json.Marshal(HeartbeatMessage{Type: MsgHeartbeat})

	for {
		var msg []byte
		select {
		case <-c.done:
			return
		case msg = <-c.send:
		case <-ticker.C:
			msg = beat
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.logger.Debug("write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
	}
}

// replaceLogStream installs cancel as the client's log subscription and
// ends the previous one.
func (c *client) replaceLogStream(cancel context.CancelFunc) {
	c.mu.Lock()
	prev := c.logCancel
	c.logCancel = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (c *client) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.cancel()
		c.replaceLogStream(nil)
		close(c.done)
		c.conn.Close()
	})
	return closed
}

// Hub holds the single attached control client and fans supervisor events
// and status updates out to it.
type Hub struct {
	registry  *session.Registry
	snapshot  *monitor.Snapshot
	logger    *zap.Logger
	buffer    int
	heartbeat time.Duration

	mu      sync.RWMutex
	current *client
}

func NewHub(registry *session.Registry, snapshot *monitor.Snapshot, logger *zap.Logger, buffer int, heartbeat time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		registry:  registry,
		snapshot:  snapshot,
		logger:    logger,
		buffer:    buffer,
		heartbeat: heartbeat,
	}
}

// attach admits conn as the control client. It returns nil when another
// client already holds the slot.
func (h *Hub) attach(id string, conn *websocket.Conn) *client {
	if !h.registry.AttachClient(id) {
		return nil
	}
	c := newClient(id, conn, h, h.buffer)
	h.mu.Lock()
	h.current = c
	h.mu.Unlock()
	go c.writePump(h.heartbeat)
	return c
}

// detach drops c, ends its log stream and starts the metrics snapshot
// over. Sessions keep running.
func (h *Hub) detach(c *client) {
	if !c.close() {
		return
	}
	h.mu.Lock()
	if h.current == c {
		h.current = nil
	}
	h.mu.Unlock()
	h.registry.DetachClient(c.id)
	h.snapshot.Reset()
	h.logger.Info("control client disconnected", zap.String("client", c.id))
}

func (h *Hub) active() *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *Hub) Connected() bool {
	return h.active() != nil
}

// send queues v for c. A client that cannot keep up is disconnected.
func (h *Hub) send(c *client, v any) error {
	if c == nil {
		return errClientGone
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal outbound message", zap.Error(err))
		return err
	}
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientGone
	default:
		h.logger.Warn("control client too slow, disconnecting", zap.String("client", c.id))
		h.detach(c)
		return errSlowClient
	}
}

// broadcast sends v to the attached client, if any.
func (h *Hub) broadcast(v any) {
	if c := h.active(); c != nil {
		h.send(c, v)
	}
}

func (h *Hub) serverList() ServerListMessage {
	msg := ServerListMessage{Type: MsgServerList, Servers: []ServerEntry{}}
	for _, s := range h.registry.GetAll() {
		display := s.DisplayName
		if display == "" {
			display = s.Name
		}
		msg.Servers = append(msg.Servers, ServerEntry{Name: s.Name, DisplayName: display})
	}
	return msg
}

// PublishStatus forwards a metrics tick.
func (h *Hub) PublishStatus(u monitor.StatusUpdate) {
	h.broadcast(StatusMessage{Type: MsgServerStatus, StatusUpdate: u})
}

// Notify forwards a supervisor lifecycle event. A start or crash is
// followed by a fresh server list.
func (h *Hub) Notify(ev session.Event) {
	switch ev.Type {
	case session.EventStarted:
		h.broadcast(LifecycleMessage{Type: MsgServerStarted, ServerName: ev.Name})
		h.broadcast(h.serverList())
	case session.EventStopped:
		h.broadcast(LifecycleMessage{Type: MsgServerStopped, ServerName: ev.Name})
	case session.EventCrashed:
		h.broadcast(LifecycleMessage{Type: MsgServerCrashed, ServerName: ev.Name, Message: ev.Message})
		h.broadcast(h.serverList())
	case session.EventError:
		h.broadcast(ErrorMessage{Type: MsgError, Message: ev.Message})
	default:
		h.logger.Debug("event not forwarded", zap.String("type", string(ev.Type)), zap.String("server", ev.Name))
	}
}
