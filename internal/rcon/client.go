package rcon

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 5 * time.Second
)

type Option func(*Client)

// WithDialTimeout bounds the TCP connect.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithIOTimeout bounds each request/response round trip.
func WithIOTimeout(d time.Duration) Option {
	return func(c *Client) { c.ioTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type result struct {
	pkt Packet
	err error
}

type request struct {
	pkt   Packet
	reply chan result
}

// Client is a single connection with at most one request in flight. All
// socket I/O happens on a dedicated goroutine; callers only exchange
// messages with it, so a slow server never blocks anything but the caller
// waiting for that reply.
type Client struct {
	addr        string
	dialTimeout time.Duration
	ioTimeout   time.Duration
	logger      *zap.Logger

	conn      net.Conn
	reqs      chan request
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	nextID int32
	broken error
}

// Dial opens a TCP connection to addr and starts the I/O goroutine.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:        addr,
		dialTimeout: defaultDialTimeout,
		ioTimeout:   defaultIOTimeout,
		logger:      zap.NewNop(),
		reqs:        make(chan request),
		done:        make(chan struct{}),
		nextID:      1,
	}
	for _, opt := range opts {
		opt(c)
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	c.conn = conn
	go c.loop()
	return c, nil
}

// DialAuth dials and authenticates. The connection is closed on any
// failure so no partial client escapes.
func DialAuth(ctx context.Context, addr, password string, opts ...Option) (*Client, error) {
	c, err := Dial(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(ctx, password); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Addr returns the remote address the client was dialled with.
func (c *Client) Addr() string { return c.addr }

// Authenticate sends the password and fails with ErrAuth when the server
// answers with the rejection id.
func (c *Client) Authenticate(ctx context.Context, password string) error {
	resp, err := c.roundTrip(ctx, TypeAuth, password)
	if err != nil {
		return err
	}
	if resp.AuthRejected() {
		return ErrAuth
	}
	return nil
}

// Execute runs a console command and returns the response text.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	resp, err := c.roundTrip(ctx, TypeCommand, command)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Close releases the socket. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, typ int32, payload string) (Packet, error) {
	c.mu.Lock()
	if c.broken != nil {
		err := c.broken
		c.mu.Unlock()
		return Packet{}, err
	}
	id := c.nextID
	if c.nextID == math.MaxInt32 {
		c.nextID = 1
	} else {
		c.nextID++
	}
	c.mu.Unlock()

	req := request{
		pkt:   Packet{RequestID: id, Type: typ, Payload: []byte(payload)},
		reply: make(chan result, 1),
	}

	select {
	case c.reqs <- req:
	case <-c.done:
		return Packet{}, &TransportError{Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.pkt, res.err
	case <-ctx.Done():
		// The stream position is unknown once a reply is abandoned.
		c.Close()
		return Packet{}, ctx.Err()
	}
}

func (c *Client) loop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.reqs:
			pkt, err := c.exchange(req.pkt)
			if err != nil {
				c.mu.Lock()
				if c.broken == nil {
					c.broken = err
				}
				c.mu.Unlock()
				c.logger.Debug("rcon exchange failed", zap.String("addr", c.addr), zap.Error(err))
				c.Close()
			}
			req.reply <- result{pkt: pkt, err: err}
		}
	}
}

func (c *Client) exchange(out Packet) (Packet, error) {
	if c.ioTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return Packet{}, &TransportError{Op: "deadline", Err: err}
		}
	}
	if err := WritePacket(c.conn, out); err != nil {
		return Packet{}, err
	}
	return ReadPacket(c.conn)
}
