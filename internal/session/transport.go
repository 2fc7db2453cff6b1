package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/hyperline/hyperline/internal/protocol"
)

// ErrTransportClosed is returned by writes on a transport whose underlying
// socket has been closed.
var ErrTransportClosed = errors.New("transport is closed")

// Transport is the opaque outbound capability held by a Connection. The
// stream flavour frames each payload with the length prefix; the message
// flavour relies on the carrier to delimit messages.
type Transport interface {
	Write(payload []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// StreamTransport writes length-prefixed frames to a raw TCP socket.
type StreamTransport struct {
	conn         net.Conn
	writeTimeout time.Duration
	closed       int32

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

func NewStreamTransport(conn net.Conn, writeTimeout time.Duration) *StreamTransport {
	return &StreamTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *StreamTransport) Write(payload []byte) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteFrame(t.conn, payload)
}

func (t *StreamTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	return t.conn.Close()
}

func (t *StreamTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// MessageTransport writes whole payloads as WebSocket text messages.
type MessageTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       int32
	writeMu      sync.Mutex
}

func NewMessageTransport(conn *websocket.Conn, writeTimeout time.Duration) *MessageTransport {
	return &MessageTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *MessageTransport) Write(payload []byte) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (t *MessageTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	return t.conn.Close()
}

func (t *MessageTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
