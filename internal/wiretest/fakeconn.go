// Package wiretest provides an in-memory wire.MessageConn pair so the
// gatewaytun and agenttun endpoints can be exercised end-to-end in tests
// without a real websocket handshake.
package wiretest

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// FakeConn is one end of an in-memory message-oriented connection pair.
type FakeConn struct {
	readCh  chan []byte
	writeCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPair returns two connected FakeConn ends: messages written to one are
// read from the other, and vice versa.
func NewPair() (a, b *FakeConn) {
	toB := make(chan []byte, 64)
	toA := make(chan []byte, 64)
	a = &FakeConn{readCh: toA, writeCh: toB, closed: make(chan struct{})}
	b = &FakeConn{readCh: toB, writeCh: toA, closed: make(chan struct{})}
	return a, b
}

// ReadMessage implements wire.MessageConn.
func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.readCh:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.BinaryMessage, msg, nil
	case <-c.closed:
		return 0, nil, io.ErrClosedPipe
	}
}

// WriteMessage implements wire.MessageConn.
func (c *FakeConn) WriteMessage(messageType int, data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case c.writeCh <- msg:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

// Close implements wire.MessageConn. Safe to call multiple times.
func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
