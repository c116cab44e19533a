// Package rcon implements the game server's binary remote-console protocol.
//
// A packet on the wire is a little-endian int32 length followed by the
// request id, the type code, the UTF-8 payload and two NUL bytes. The
// length covers everything after itself.
package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Type codes. The protocol uses 2 both for the auth response and for an
// outbound command; servers rely on that, so the two names share a value.
const (
	TypeResponseValue int32 = 0
	TypeAuthResponse  int32 = 2
	TypeCommand       int32 = 2
	TypeAuth          int32 = 3
)

// AuthFailedID is the request id a server answers with when the password
// is rejected.
const AuthFailedID int32 = -1

const (
	headerSize  = 8 // request id + type
	trailerSize = 2
	minBodySize = headerSize + trailerSize
	// maxBodySize bounds the allocation for a declared length.
	maxBodySize = 1 << 20
)

type Packet struct {
	RequestID int32
	Type      int32
	Payload   []byte
}

// AuthRejected reports whether p is the server's "authentication failed"
// answer. Only the request id matters.
func (p Packet) AuthRejected() bool {
	return p.RequestID == AuthFailedID
}

// Text returns the payload as a string, replacing invalid UTF-8.
func (p Packet) Text() string {
	return strings.ToValidUTF8(string(p.Payload), "�")
}

func (p Packet) MarshalBinary() ([]byte, error) {
	bodyLen := headerSize + len(p.Payload) + trailerSize
	if bodyLen > maxBodySize {
		return nil, fmt.Errorf("rcon: payload of %d bytes exceeds limit", len(p.Payload))
	}
	buf := make([]byte, 4+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.RequestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], p.Payload)
	// trailing two bytes are already zero
	return buf, nil
}

// WritePacket encodes p onto w in a single write.
func WritePacket(w io.Writer, p Packet) error {
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadPacket decodes one packet from r. Every failure is a *TransportError;
// a declared length that the stream cannot satisfy wraps a
// *ProtocolMismatch.
func ReadPacket(r io.Reader) (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, &TransportError{Op: "read", Err: fmt.Errorf("connection closed by server: %w", err)}
	}

	declared := int(int32(binary.LittleEndian.Uint32(lenBuf[:])))
	if declared < minBodySize || declared > maxBodySize {
		return Packet{}, &TransportError{Op: "read", Err: &ProtocolMismatch{Declared: declared}}
	}

	body := make([]byte, declared)
	n, err := io.ReadFull(r, body)
	if err != nil {
		return Packet{}, &TransportError{Op: "read", Err: &ProtocolMismatch{Declared: declared, Received: n}}
	}

	payload := make([]byte, declared-minBodySize)
	copy(payload, body[headerSize:declared-trailerSize])
	return Packet{
		RequestID: int32(binary.LittleEndian.Uint32(body[0:4])),
		Type:      int32(binary.LittleEndian.Uint32(body[4:8])),
		Payload:   payload,
	}, nil
}
