// Package session runs the per-connection read loop: decode a frame, drop
// keep-alive pings, broadcast everything else.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-relay/broadcast"
	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
)

// PingToken is the reserved keep-alive message. Sessions swallow it.
const PingToken = "ping"

// State is the position of a session in its loop.
type State int32

const (
	AwaitingMessage State = iota // Waiting for the next header
	Decoding                     // Header read, reading the payload
	Dispatching                  // Broadcasting a decoded message
	Closed                       // Deregistered and closed
)

// String returns a human-readable name for the session state.
func (s State) String() string {
	switch s {
	case AwaitingMessage:
		return "AwaitingMessage"
	case Decoding:
		return "Decoding"
	case Dispatching:
		return "Dispatching"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Broadcaster is the part of broadcast.Broadcaster a session uses.
type Broadcaster interface {
	Broadcast(text string, excluding ...conn.Connection) (broadcast.Result, error)
}

// Config tunes a session.
type Config struct {
	// MaxPayloadSize bounds a single message; zero or negative disables it.
	MaxPayloadSize int64
	// IdleTimeout ends the session when no header arrives in time. It only
	// applies to connections that support read deadlines. Zero disables it.
	IdleTimeout time.Duration
}

// Session is one client's read loop. Create it with New and call Run once.
type Session struct {
	conn        conn.Connection
	registry    *registry.Registry[conn.Connection]
	broadcaster Broadcaster
	config      Config
	log         logger.Logger
	metrics     *metrics.Metrics

	state    atomic.Int32
	teardown sync.Once
}

// New builds a session for c.
//
// Parameters:
//   - c: The connection to serve
//   - reg: The registry c joins for the lifetime of the session
//   - b: Where decoded messages go
//   - config: Payload bound and idle timeout
//   - log: Base logger; the session adds conn_id and remote_addr
//   - m: Collectors, may be nil
//
// Returns:
//   - A session in the AwaitingMessage state
func New(
	c conn.Connection,
	reg *registry.Registry[conn.Connection],
	b Broadcaster,
	config Config,
	log logger.Logger,
	m *metrics.Metrics,
) *Session {
	return &Session{
		conn:        c,
		registry:    reg,
		broadcaster: b,
		config:      config,
		log: log.With(
			logger.Field{Key: "conn_id", Value: c.ID()},
			logger.Field{Key: "remote_addr", Value: c.RemoteAddr()},
		),
		metrics: m,
	}
}

// State returns the current state. It is safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run registers the connection and serves it until the stream ends or
// fails. Whatever the exit path, the connection is deregistered and closed
// before Run returns.
//
// Returns:
//   - nil when the peer closed the stream between frames
//   - An error wrapping registry.ErrAlreadyRegistered if the connection is
//     already served by another session; that session is left untouched
//   - Otherwise the wrapped frame or I/O error that ended the session
func (s *Session) Run() error {
	if err := s.registry.Add(s.conn); err != nil {
		s.log.Error("session not started", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("session %d: %w", s.conn.ID(), err)
	}

	s.metrics.ConnectionOpened()
	s.log.Info("client connected")
	defer s.close()

	err := s.loop()
	if err == nil || errors.Is(err, io.EOF) {
		s.log.Info("client disconnected")
		return nil
	}

	s.metrics.SessionError(reason(err))
	s.log.Info("client dropped", logger.Field{Key: "error", Value: err})
	return err
}

func (s *Session) loop() error {
	decoder := frame.NewDecoder(s.conn, s.config.MaxPayloadSize)
	deadliner, canDeadline := s.conn.(interface{ SetReadDeadline(time.Time) error })

	for {
		s.setState(AwaitingMessage)
		if s.config.IdleTimeout > 0 && canDeadline {
			if err := deadliner.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
				return fmt.Errorf("%w: %w", frame.ErrConnectionClosed, err)
			}
		}

		size, err := decoder.DecodeHeader()
		if err != nil {
			return err
		}

		s.setState(Decoding)
		text, err := decoder.DecodePayload(size)
		if err != nil {
			return err
		}

		s.setState(Dispatching)
		s.dispatch(text)
	}
}

func (s *Session) dispatch(text string) {
	if text == PingToken {
		s.metrics.PingReceived()
		return
	}

	s.metrics.MessageReceived()
	s.log.Info("message", logger.Field{Key: "text", Value: text})

	if _, err := s.broadcaster.Broadcast(text); err != nil {
		s.log.Warn("message not relayed", logger.Field{Key: "error", Value: err})
	}
}

// close deregisters and closes the connection exactly once.
func (s *Session) close() {
	s.teardown.Do(func() {
		s.registry.Remove(s.conn)
		if err := s.conn.Close(); err != nil {
			s.log.Debug("close connection", logger.Field{Key: "error", Value: err})
		}

		s.metrics.ConnectionClosed()
		s.setState(Closed)
	})
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// reason maps a session error to a metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, frame.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	default:
		return "io"
	}
}
