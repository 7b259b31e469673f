// File: wsproto/conn.go
// Author: momentics <momentics@gmail.com>
//
// WSConn layers RFC 6455 message framing over a raw engine.Connection.
// The engine itself never parses or frames; this package turns the byte
// stream into messages, accumulating partial frames until a complete one
// decodes.

package wsproto

import (
	"errors"
	"fmt"

	"github.com/momentics/ioring-server/internal/engine"
)

var ErrConnectionClosing = errors.New("wsproto: connection is closing")

const readChunk = 4096

// WSConn wraps an accepted engine.Connection once the RFC 6455 handshake
// has completed, exposing whole-message read/write instead of raw bytes.
type WSConn struct {
	conn *engine.Connection
	acc  []byte // accumulated, not-yet-decoded bytes
	role role
}

type role int

const (
	roleServer role = iota
	roleClient
)

// NewServerConn wraps conn as the server side of a handshake that the
// caller has already performed via PerformServerHandshake.
func NewServerConn(conn *engine.Connection) *WSConn {
	return &WSConn{conn: conn, role: roleServer}
}

// NewClientConn wraps conn as the client side; outgoing frames are masked
// per RFC 6455 §5.1.
func NewClientConn(conn *engine.Connection) *WSConn {
	return &WSConn{conn: conn, role: roleClient}
}

// PerformServerHandshake reads the upgrade request directly off conn,
// validates it, and writes the 101 response. It returns once the
// connection is ready for ReadMessage/WriteMessage.
func PerformServerHandshake(conn *engine.Connection) (*WSConn, error) {
	var raw []byte
	for {
		n, err := conn.Read(readChunk)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("wsproto: connection closed during handshake")
		}
		raw = append(raw, conn.DataFromBuffer()...)
		conn.ReleaseCurrentReadBuffer()

		headers, consumed, perr := ParseRequestHeaders(raw)
		if perr != nil {
			return nil, perr
		}
		if consumed == 0 {
			continue // incomplete request, read more
		}
		if verr := ValidateUpgradeHeaders(headers); verr != nil {
			return nil, verr
		}
		resp := BuildHandshakeResponse(headers[headerSecWebSocketKey])
		if _, err := conn.Send(resp); err != nil {
			return nil, err
		}
		ws := NewServerConn(conn)
		ws.acc = raw[consumed:]
		return ws, nil
	}
}

// ReadMessage returns the next complete data-frame payload, transparently
// answering ping frames with pong and surfacing close frames as
// ErrConnectionClosing after echoing the close handshake.
func (w *WSConn) ReadMessage() (opcode byte, payload []byte, err error) {
	for {
		frame, consumed, derr := DecodeFrame(w.acc)
		if derr != nil {
			return 0, nil, derr
		}
		if frame == nil {
			if err := w.fill(); err != nil {
				return 0, nil, err
			}
			continue
		}
		w.acc = w.acc[consumed:]

		switch frame.Opcode {
		case OpcodePing:
			if _, err := w.writeFrame(OpcodePong, frame.Payload); err != nil {
				return 0, nil, err
			}
			continue
		case OpcodePong:
			continue
		case OpcodeClose:
			_, _ = w.writeFrame(OpcodeClose, frame.Payload)
			return OpcodeClose, frame.Payload, ErrConnectionClosing
		default:
			return frame.Opcode, frame.Payload, nil
		}
	}
}

// fill reads one more chunk from the underlying connection into acc.
func (w *WSConn) fill() error {
	n, err := w.conn.Read(readChunk)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("wsproto: connection closed mid-message")
	}
	w.acc = append(w.acc, w.conn.DataFromBuffer()...)
	w.conn.ReleaseCurrentReadBuffer()
	return nil
}

// WriteMessage sends a single unfragmented data frame.
func (w *WSConn) WriteMessage(opcode byte, payload []byte) (int32, error) {
	return w.writeFrame(opcode, payload)
}

func (w *WSConn) writeFrame(opcode byte, payload []byte) (int32, error) {
	encoded, err := EncodeFrame(opcode, payload, w.role == roleClient)
	if err != nil {
		return 0, err
	}
	return w.conn.Send(encoded)
}

// Close performs the RFC 6455 closing handshake: send a close frame with
// the given code/reason, then half-close the write side.
func (w *WSConn) Close(code uint16, reason string) error {
	body := make([]byte, 2+len(reason))
	body[0] = byte(code >> 8)
	body[1] = byte(code)
	copy(body[2:], reason)
	if _, err := w.writeFrame(OpcodeClose, body); err != nil {
		return err
	}
	w.conn.Shutdown()
	return nil
}
