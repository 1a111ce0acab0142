// Package client provides a relay client: it dials a relay server, sends
// framed text messages and receives the messages relayed to it. Keep-alive
// pings from the server are swallowed.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/session"
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota // Not connected yet
	Connecting                          // Dial in progress
	Connected                           // Connected and usable
	Closed                              // Closed by the caller or the server
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrNotConnected is returned by Send and Receive on a client that is not
// connected.
var ErrNotConnected = errors.New("client: not connected")

// Config holds configuration for the relay client.
type Config struct {
	// Address is the "host:port" of the relay server.
	Address string
	// ConnectionTimeout is the max duration for establishing the connection.
	ConnectionTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// MaxPayloadSize bounds received messages; zero or negative means
	// frame.DefaultMaxPayloadSize.
	MaxPayloadSize int64
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with ConnectionTimeout 10s, WriteTimeout 10s and the frame
//     package's default payload bound
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxPayloadSize:    frame.DefaultMaxPayloadSize,
	}
}

// Client is a connection to a relay server. Send may be called concurrently
// with Receive; concurrent Receive calls are not supported.
type Client struct {
	config  Config
	conn    net.Conn
	decoder *frame.Decoder
	state   atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to config.Address.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//
// Returns:
//   - A connected Client; call Close when done
//   - An error if the dial fails
func Dial(config Config) (*Client, error) {
	c := &Client{config: config}
	c.state.Store(int32(Connecting))

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	nc, err := dialer.Dial("tcp", config.Address)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return nil, fmt.Errorf("client: dial %s: %w", config.Address, err)
	}

	c.attach(nc)
	return c, nil
}

// New wraps an already established stream, such as one end of net.Pipe.
func New(nc net.Conn, config Config) *Client {
	c := &Client{config: config}
	c.attach(nc)
	return c
}

func (c *Client) attach(nc net.Conn) {
	if c.config.MaxPayloadSize <= 0 {
		c.config.MaxPayloadSize = frame.DefaultMaxPayloadSize
	}

	c.conn = nc
	c.decoder = frame.NewDecoder(nc, c.config.MaxPayloadSize)
	c.state.Store(int32(Connected))
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Send frames text and writes it to the server. When WriteTimeout is set,
// the write is limited to that duration.
//
// Returns:
//   - nil on success; ErrNotConnected, a framing error or the write error
func (c *Client) Send(text string) error {
	if c.State() != Connected {
		return ErrNotConnected
	}

	encoded, err := frame.Encode(text)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := c.conn.Write(encoded); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}

	return nil
}

// Ping sends the keep-alive token. The server does not relay it.
func (c *Client) Ping() error {
	return c.Send(session.PingToken)
}

// Receive blocks until the next relayed message arrives. Pings are skipped.
//
// Returns:
//   - The message text
//   - A frame error when the stream ends or is malformed; the client is
//     closed in that case
func (c *Client) Receive() (string, error) {
	if c.State() != Connected {
		return "", ErrNotConnected
	}

	for {
		text, err := c.decoder.Decode()
		if err != nil {
			_ = c.Close()
			return "", err
		}

		if text == session.PingToken {
			continue
		}

		return text, nil
	}
}

// Run calls handler for every relayed message until ctx is cancelled or the
// stream ends. Cancelling ctx closes the client.
//
// Returns:
//   - ctx.Err() after cancellation, otherwise the error that ended the stream
func (c *Client) Run(ctx context.Context, handler func(text string)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		text, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		handler(text)
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		if c.conn != nil {
			err = c.conn.Close()
		}
	})

	return err
}
