// Package proc spawns and tracks the supervised game server process.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/fallenmoon/supervisor/internal/session"
)

// Process is a handle on a spawned child.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	Exited() bool
	// ExitErr is the wait error after Done is closed.
	ExitErr() error
	// Kill forcibly terminates the process (and its group where supported).
	Kill() error
}

// Launcher starts a session's server process.
type Launcher interface {
	Launch(ctx context.Context, desc session.Descriptor) (Process, error)
}

// LaunchError reports a child that could not be spawned.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExecLauncher runs a fixed command line in the install directory.
type ExecLauncher struct {
	Command []string
	Logger  *zap.Logger
}

func (l *ExecLauncher) Launch(_ context.Context, desc session.Descriptor) (Process, error) {
	if len(l.Command) == 0 {
		return nil, &LaunchError{Name: desc.Name, Err: errors.New("no launch command configured")}
	}
	// The server must outlive the request that started it, so the command
	// is not bound to ctx.
	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = desc.InstallPath
	configureCmd(cmd)
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Name: desc.Name, Err: err}
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()

	if l.Logger != nil {
		l.Logger.Info("spawned server process",
			zap.String("server", desc.Name),
			zap.Int("pid", cmd.Process.Pid),
			zap.Strings("command", l.Command))
	}
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	return killTree(p.cmd)
}
