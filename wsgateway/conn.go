package wsgateway

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// Conn presents a WebSocket as a line stream. Every inbound message reads as
// one line followed by a newline; every outbound line is sent as one text
// message without its trailing newline. A close frame from the peer reads as
// io.EOF. Read must be called from a single goroutine, as must Write.
type Conn struct {
	ws      *websocket.Conn
	reader  io.Reader
	last    byte
	pending bool
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		if c.pending {
			c.pending = false
			p[0] = '\n'
			return 1, nil
		}

		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived,
				) {
					return 0, io.EOF
				}

				return 0, err
			}

			c.reader = r
			c.last = 0
		}

		n, err := c.reader.Read(p)
		if n > 0 {
			c.last = p[n-1]
		}

		if errors.Is(err, io.EOF) {
			c.reader = nil
			c.pending = c.last != '\n'
			if n > 0 {
				return n, nil
			}

			continue
		}

		return n, err
	}
}

// Write sends p as one text message, dropping a single trailing newline.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(p, []byte{'\n'})); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame with the given code and reason, then closes
// the connection.
func (c *Conn) CloseWith(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return c.ws.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetWriteDeadline bounds pending and future writes.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
