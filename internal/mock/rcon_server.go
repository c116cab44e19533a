// Package mock provides an in-process stand-in for a game server: an RCON
// listener with canned console output, a boot log writer and a fake
// process handle. It backs the --mock mode and the tests.
package mock

import (
	"net"
	"strings"
	"sync"

	"github.com/fallenmoon/supervisor/internal/rcon"
)

// Canned console output, including the formatting codes real servers emit.
const (
	ListResponse      = "There are 2 of a max of 20 players online: Steve, Alex"
	TPSResponse       = "§6TPS from last 1m, 5m, 15m: §a19.98, §a20.0, §a20.0"
	MSPTResponse      = "§6Server tick times §e(§7avg§8/§7min§8/§7max§e)§6 from last 5s§7,§6 10s§7,§6 1m§e:\n§6◴ §a1.2§7/§a0.8§7/§a3.4§7, §a1.1§7/§a0.7§7/§a3.9§7, §a1.3§7/§a0.6§7/§a5.0"
	TickQueryResponse = "The game is running normally\nTarget tick rate: 20.0 per second.\nAverage time per tick: 12.3ms (Target: 50.0ms)\nPercentiles: P50: 11.0ms P95: 15.2ms P99: 20.1ms, sample: 100"
	StopResponse      = "Stopping the server"
	UnknownResponse   = "Unknown or incomplete command, see below for error"
)

// RCONServer answers the remote-console protocol on a TCP listener.
type RCONServer struct {
	password string

	mu        sync.Mutex
	ln        net.Listener
	responses map[string]string
	commands  []string
	conns     map[net.Conn]struct{}
	accepted  int
	onStop    func()
	wg        sync.WaitGroup
}

func NewRCONServer(password string) *RCONServer {
	return &RCONServer{
		password: password,
		responses: map[string]string{
			"list":       ListResponse,
			"tps":        TPSResponse,
			"mspt":       MSPTResponse,
			"tick query": TickQueryResponse,
			"stop":       StopResponse,
		},
		conns: make(map[net.Conn]struct{}),
	}
}

// Start listens on addr ("127.0.0.1:0" picks a free port).
func (s *RCONServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *RCONServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// SetResponse overrides the output for a command.
func (s *RCONServer) SetResponse(command, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[command] = response
}

// OnStop registers a hook run after a "stop" command is answered.
func (s *RCONServer) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = fn
}

// Commands returns every command received, in order.
func (s *RCONServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Accepted returns the number of connections accepted so far.
func (s *RCONServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open connection but keeps listening.
func (s *RCONServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *RCONServer) Close() error {
	s.mu.Lock()
	ln := s.ln
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *RCONServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *RCONServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	authed := false
	for {
		pkt, err := rcon.ReadPacket(conn)
		if err != nil {
			return
		}
		switch pkt.Type {
		case rcon.TypeAuth:
			id := pkt.RequestID
			if string(pkt.Payload) != s.password {
				id = rcon.AuthFailedID
			} else {
				authed = true
			}
			if err := rcon.WritePacket(conn, rcon.Packet{RequestID: id, Type: rcon.TypeAuthResponse}); err != nil {
				return
			}
		default:
			if !authed {
				rcon.WritePacket(conn, rcon.Packet{RequestID: rcon.AuthFailedID, Type: rcon.TypeResponseValue})
				continue
			}
			cmd := strings.TrimSpace(string(pkt.Payload))
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			resp, ok := s.responses[cmd]
			onStop := s.onStop
			s.mu.Unlock()
			if !ok {
				resp = UnknownResponse
			}
			err := rcon.WritePacket(conn, rcon.Packet{RequestID: pkt.RequestID, Type: rcon.TypeResponseValue, Payload: []byte(resp)})
			if cmd == "stop" && onStop != nil {
				go onStop()
			}
			if err != nil {
				return
			}
		}
	}
}
