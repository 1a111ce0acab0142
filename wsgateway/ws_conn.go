package wsgateway

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/logger"
)

const closeGracePeriod = 250 * time.Millisecond

// WSConn is a conn.Connection over a WebSocket. The relay byte stream is
// carried in binary messages; message boundaries carry no meaning, so one
// frame may span several messages and one message may hold several frames.
type WSConn struct {
	id     uint32
	ws     *websocket.Conn
	queue  *conn.SendQueue
	reader io.Reader
}

var _ conn.Connection = (*WSConn)(nil)

// NewWSConn wraps an upgraded WebSocket and starts its writer goroutine.
// Zero fields of opts use the conn package defaults.
func NewWSConn(id uint32, ws *websocket.Conn, opts conn.Options) *WSConn {
	opts = opts.WithDefaults()
	opts.Logger = opts.Logger.With(
		logger.Field{Key: "conn_id", Value: id},
		logger.Field{Key: "remote_addr", Value: addrString(ws.RemoteAddr())},
		logger.Field{Key: "transport", Value: "websocket"},
	)

	c := &WSConn{id: id, ws: ws}
	c.queue = conn.NewSendQueue(opts, c.write, c.closeSocket)

	return c
}

// ID implements conn.Connection.
func (c *WSConn) ID() uint32 { return c.id }

// RemoteAddr implements conn.Connection.
func (c *WSConn) RemoteAddr() string { return addrString(c.ws.RemoteAddr()) }

// Read returns bytes from consecutive data messages as one stream. A normal
// close from the peer is reported as io.EOF.
func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}

		return n, err
	}
}

// SetReadDeadline sets the deadline for pending and future reads.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Send implements conn.Connection.
func (c *WSConn) Send(frame []byte) error {
	return c.queue.Send(frame)
}

// Close sends a close message when possible and closes the socket.
func (c *WSConn) Close() error {
	return c.queue.Close()
}

func (c *WSConn) write(frame []byte, deadline time.Time) error {
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WSConn) closeSocket() error {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod),
	)
	return c.ws.Close()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
