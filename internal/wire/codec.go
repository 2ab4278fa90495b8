package wire

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Subprotocol is negotiated on the websocket upgrade as the nearest
// idiomatic equivalent of the production carrier's ALPN "exotun" / "Upgrade:
// exotun" handshake.
const Subprotocol = "exotun"

// MessageConn is the subset of *websocket.Conn that Codec needs. Extracting
// it as an interface lets tests exercise the codec and the endpoints above
// it without a real network handshake.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Codec reads and writes wire.Frame values over an upgraded websocket
// connection, one frame per binary message.
type Codec struct {
	conn    MessageConn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn MessageConn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serialises and sends a frame as one websocket binary message.
func (c *Codec) WriteFrame(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadFrame reads and decodes the next frame from the websocket.
func (c *Codec) ReadFrame() (Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return Frame{}, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	return Decode(data)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
