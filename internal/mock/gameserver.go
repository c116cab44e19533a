package mock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fallenmoon/supervisor/internal/proc"
	"github.com/fallenmoon/supervisor/internal/session"
)

// ErrKilled is the exit error of a fake process ended by Kill.
var ErrKilled = errors.New("mock: killed")

// DoneLine is the line a server logs once it accepts console commands.
const DoneLine = `[Server thread/INFO]: Done (3.021s)! For help, type "help"`

// Launcher "starts" a server by writing a boot log into the install
// directory and serving RCON on the descriptor's port.
type Launcher struct {
	LogFile    string        // relative to the install path; default logs/latest.log
	BootDelay  time.Duration // delay before the completion line is written
	IgnoreStop bool          // keep running after a "stop" command
	IgnoreKill bool          // survive Kill
	Logger     *zap.Logger

	mu      sync.Mutex
	nextPID int
	last    *Process
}

func (l *Launcher) Launch(_ context.Context, desc session.Descriptor) (proc.Process, error) {
	if desc.InstallPath == "" {
		return nil, &proc.LaunchError{Name: desc.Name, Err: errors.New("no install path")}
	}
	logFile := l.LogFile
	if logFile == "" {
		logFile = filepath.Join("logs", "latest.log")
	}
	logPath := filepath.Join(desc.InstallPath, logFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, &proc.LaunchError{Name: desc.Name, Err: err}
	}
	f, err := os.Create(logPath)
	if err != nil {
		return nil, &proc.LaunchError{Name: desc.Name, Err: err}
	}

	srv := NewRCONServer(desc.RconPassword)
	if err := srv.Start(fmt.Sprintf("127.0.0.1:%d", desc.RconPort)); err != nil {
		f.Close()
		return nil, &proc.LaunchError{Name: desc.Name, Err: err}
	}

	l.mu.Lock()
	l.nextPID++
	p := &Process{
		pid:     900000 + l.nextPID,
		done:    make(chan struct{}),
		srv:     srv,
		log:     f,
		ignKill: l.IgnoreKill,
	}
	l.last = p
	l.mu.Unlock()

	if !l.IgnoreStop {
		srv.OnStop(func() {
			time.Sleep(20 * time.Millisecond)
			p.exit(nil)
		})
	}

	p.AppendLog(fmt.Sprintf("[Server thread/INFO]: Starting minecraft server version %s", desc.GameVersion))
	p.AppendLog(`[Server thread/INFO]: Preparing level "world"`)
	go p.boot(l.BootDelay)

	if l.Logger != nil {
		l.Logger.Info("mock server launched",
			zap.String("server", desc.Name),
			zap.String("rcon", srv.Addr()),
			zap.String("log", logPath))
	}
	return p, nil
}

// Last returns the most recently launched process.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Process is a fake server process.
type Process struct {
	pid     int
	done    chan struct{}
	srv     *RCONServer
	ignKill bool

	mu   sync.Mutex
	log  *os.File
	err  error
	once sync.Once
}

func (p *Process) boot(delay time.Duration) {
	select {
	case <-time.After(delay):
		p.AppendLog(DoneLine)
	case <-p.done:
	}
}

// AppendLog writes a timestamped line to the live log.
func (p *Process) AppendLog(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.log == nil {
		return
	}
	fmt.Fprintf(p.log, "[%s] %s\n", time.Now().Format("15:04:05"), line)
}

// RCON exposes the fake console for assertions.
func (p *Process) RCON() *RCONServer { return p.srv }

// Crash ends the process without a stop command.
func (p *Process) Crash() { p.exit(errors.New("mock: crashed")) }

func (p *Process) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		if p.log != nil {
			p.log.Close()
			p.log = nil
		}
		p.mu.Unlock()
		p.srv.Close()
		close(p.done)
	})
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) Kill() error {
	if p.ignKill {
		return nil
	}
	p.exit(ErrKilled)
	return nil
}
