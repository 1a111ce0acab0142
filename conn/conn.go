// Package conn defines the relay's view of a client connection and provides
// the TCP implementation. Writes go through a bounded queue drained by one
// writer goroutine per connection, so a slow peer never stalls a broadcast.
package conn

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/cyberinferno/go-relay/logger"
)

const (
	// DefaultSendQueueSize is the number of frames buffered per connection.
	DefaultSendQueueSize = 256

	// DefaultWriteTimeout bounds a single write to the peer.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned by Send after the connection has been closed.
	ErrClosed = errors.New("conn: connection closed")

	// ErrSendQueueFull is returned by Send when the peer is not draining its
	// queue fast enough.
	ErrSendQueueFull = errors.New("conn: send queue full")
)

// Connection is one relay client. The read side is consumed by exactly one
// session; Send may be called from any goroutine. Identity is reference
// identity: implementations are pointers.
type Connection interface {
	io.Reader

	// ID returns the identifier assigned when the connection was accepted.
	ID() uint32

	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string

	// Send queues an encoded frame for delivery. It never blocks.
	//
	// Parameters:
	//   - frame: The encoded frame; the caller must not modify it afterwards
	//
	// Returns:
	//   - ErrClosed or ErrSendQueueFull if the frame was not queued
	Send(frame []byte) error

	// Close closes the connection, unblocking any pending Read. It is safe to
	// call multiple times.
	Close() error
}

// Options tunes a Connection's send queue.
type Options struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	Logger        logger.Logger
}

// WithDefaults fills zero fields with DefaultSendQueueSize,
// DefaultWriteTimeout and a no-op logger.
func (o Options) WithDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
	return o
}

// TCPConn is a Connection over a net.Conn.
type TCPConn struct {
	id      uint32
	netConn net.Conn
	queue   *SendQueue
}

// NewTCPConn wraps c and starts its writer goroutine.
//
// Parameters:
//   - id: The connection ID assigned by the server
//   - c: The accepted network connection
//   - opts: Queue size, write timeout and logger; zero values use defaults
//
// Returns:
//   - The running TCPConn; call Close to stop the writer and release c
func NewTCPConn(id uint32, c net.Conn, opts Options) *TCPConn {
	opts = opts.WithDefaults()
	opts.Logger = opts.Logger.With(
		logger.Field{Key: "conn_id", Value: id},
		logger.Field{Key: "remote_addr", Value: remoteAddr(c)},
	)

	tc := &TCPConn{id: id, netConn: c}
	tc.queue = NewSendQueue(opts, tc.write, c.Close)

	return tc
}

// ID implements Connection.
func (c *TCPConn) ID() uint32 { return c.id }

// RemoteAddr implements Connection.
func (c *TCPConn) RemoteAddr() string { return remoteAddr(c.netConn) }

// Read implements io.Reader on the underlying connection.
func (c *TCPConn) Read(p []byte) (int, error) {
	return c.netConn.Read(p)
}

// SetReadDeadline sets the deadline for pending and future reads.
func (c *TCPConn) SetReadDeadline(t time.Time) error {
	return c.netConn.SetReadDeadline(t)
}

// Send implements Connection.
func (c *TCPConn) Send(frame []byte) error {
	return c.queue.Send(frame)
}

// Close implements Connection. The writer goroutine is stopped and queued
// frames that were not yet written are dropped.
func (c *TCPConn) Close() error {
	return c.queue.Close()
}

// Done is closed once the connection has been closed.
func (c *TCPConn) Done() <-chan struct{} {
	return c.queue.Done()
}

func (c *TCPConn) write(frame []byte, deadline time.Time) error {
	if err := c.netConn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	_, err := c.netConn.Write(frame)
	return err
}

func remoteAddr(c net.Conn) string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
