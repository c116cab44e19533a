package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned when no matching session is registered.
	ErrNotRunning = errors.New("no server is running")
	// ErrAlreadyRunning is returned by Start for a registered session.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrInvalidState is returned when a session is not in a state the
	// operation accepts, such as a second stop.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNoCredentials is returned by Execute when the session has no RCON
	// password.
	ErrNoCredentials = errors.New("rcon password not found")
)

// CommandError reports a failed one-off console command. Stage is
// "connect" when the connection or authentication failed and "execute"
// when the command itself did.
type CommandError struct {
	Server string
	Stage  string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s command on %s: %v", e.Stage, e.Server, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
