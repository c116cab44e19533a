package rcon

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when the server rejects the password.
	ErrAuth = errors.New("rcon: authentication rejected")
	// ErrClosed is wrapped in a TransportError once the client is closed.
	ErrClosed = errors.New("rcon: client closed")
)

// TransportError covers socket-level failures: refused or timed-out
// connects, closed streams and short reads. Reconnecting is always a valid
// recovery.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rcon %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolMismatch is a packet whose declared length does not match the
// bytes that arrived. It always travels inside a TransportError.
type ProtocolMismatch struct {
	Declared int
	Received int
}

func (e *ProtocolMismatch) Error() string {
	return fmt.Sprintf("declared length %d, received %d bytes", e.Declared, e.Received)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
