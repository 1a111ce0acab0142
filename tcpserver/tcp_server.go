// Package tcpserver accepts relay clients over TCP and runs one session per
// connection, plus the single heartbeat loop shared by all of them.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-relay/broadcast"
	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/heartbeat"
	"github.com/cyberinferno/go-relay/idgenerator"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
	"github.com/cyberinferno/go-relay/session"
	"github.com/cyberinferno/go-relay/throttle"
)

const maxAcceptBackoff = time.Second

// TCPServer is a TCP server that accepts connections and serves each one with
// a relay session. Connections are owned by the server from accept until
// their session ends; the registry only holds those whose session is running.
type TCPServer struct {
	Logger        logger.Logger
	Name          string
	Addr          string
	Listener      net.Listener
	Running       atomic.Bool
	Registry      *registry.Registry[conn.Connection]
	Broadcaster   *broadcast.Broadcaster
	Heartbeat     *heartbeat.Heartbeat
	Throttle      *throttle.Limiter
	Metrics       *metrics.Metrics
	ConnOptions   conn.Options
	SessionConfig session.Config
	IdGenerator   *idgenerator.IdGenerator

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	owned   map[conn.Connection]struct{}
	stopped bool
}

// Config is everything New needs besides the listen address.
type Config struct {
	Name          string
	Addr          string
	Logger        logger.Logger
	Metrics       *metrics.Metrics
	Broadcaster   *broadcast.Broadcaster
	Registry      *registry.Registry[conn.Connection]
	Heartbeat     *heartbeat.Heartbeat
	Throttle      *throttle.Limiter
	ConnOptions   conn.Options
	SessionConfig session.Config
	// IdGenerator may be shared with other listeners of the same node.
	IdGenerator   *idgenerator.IdGenerator
}

// New builds a TCPServer. A nil Registry, Broadcaster, Heartbeat or
// IdGenerator is created with defaults over the same registry. A non-positive
// SessionConfig.MaxPayloadSize is replaced by frame.DefaultMaxPayloadSize.
//
// Parameters:
//   - cfg: Components and settings for the server
//
// Returns:
//   - A stopped TCPServer; call Start to listen
func New(cfg Config) *TCPServer {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	if cfg.Name == "" {
		cfg.Name = "relay"
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New[conn.Connection]()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = broadcast.New(cfg.Registry, cfg.Logger, broadcast.WithMetrics(cfg.Metrics))
	}
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = heartbeat.New(cfg.Broadcaster, heartbeat.DefaultInterval, cfg.Logger, cfg.Metrics)
	}
	if cfg.ConnOptions.Logger == nil {
		cfg.ConnOptions.Logger = cfg.Logger
	}
	if cfg.SessionConfig.MaxPayloadSize <= 0 {
		cfg.SessionConfig.MaxPayloadSize = frame.DefaultMaxPayloadSize
	}
	if cfg.IdGenerator == nil {
		cfg.IdGenerator = idgenerator.NewIdGenerator(0)
	}

	return &TCPServer{
		Logger:        cfg.Logger,
		Name:          cfg.Name,
		Addr:          cfg.Addr,
		Registry:      cfg.Registry,
		Broadcaster:   cfg.Broadcaster,
		Heartbeat:     cfg.Heartbeat,
		Throttle:      cfg.Throttle,
		Metrics:       cfg.Metrics,
		ConnOptions:   cfg.ConnOptions,
		SessionConfig: cfg.SessionConfig,
		IdGenerator:   cfg.IdGenerator,
		owned:         make(map[conn.Connection]struct{}),
	}
}

// Start binds Addr, starts the heartbeat and begins the accept loop in a
// goroutine. It is safe to call only when the server is not already running.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.Listener = ln
	s.cancel = cancel
	s.stopped = false
	s.mu.Unlock()
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		_ = s.Heartbeat.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.AcceptLoop()
	}()

	return nil
}

// Stop closes the listener, stops the heartbeat, closes every owned
// connection and waits for their sessions to end. Safe to call when the
// server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.Swap(false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	s.mu.Lock()
	s.stopped = true
	if s.Listener != nil {
		_ = s.Listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	owned := make([]conn.Connection, 0, len(s.owned))
	for c := range s.owned {
		owned = append(owned, c)
	}
	s.mu.Unlock()

	for _, c := range owned {
		_ = c.Close()
	}

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// ListenAddr returns the bound address, or nil before Start.
func (s *TCPServer) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Listener == nil {
		return nil
	}
	return s.Listener.Addr()
}

// NextID returns a fresh connection ID from the server's IdGenerator.
func (s *TCPServer) NextID() uint32 {
	return s.IdGenerator.Id()
}

// AcceptLoop accepts connections until the server is stopped. Each accepted
// connection is checked against the throttle, wrapped in a conn.TCPConn and
// served in its own goroutine. Temporary accept failures back off instead of
// spinning.
func (s *TCPServer) AcceptLoop() {
	var backoff time.Duration

	for s.Running.Load() {
		nc, err := s.Listener.Accept()
		if err != nil {
			if !s.Running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			backoff = nextBackoff(backoff)
			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name),
				logger.Field{Key: "error", Value: err},
				logger.Field{Key: "retry_in", Value: backoff.String()},
			)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.Throttle.AllowAddr(nc.RemoteAddr()) {
			s.Metrics.AcceptRejected()
			s.Logger.Warn("connection throttled", logger.Field{Key: "remote_addr", Value: nc.RemoteAddr().String()})
			_ = nc.Close()
			continue
		}

		c := conn.NewTCPConn(s.NextID(), nc, s.ConnOptions)
		if !s.own(c) {
			_ = c.Close()
			return
		}

		go func() { _ = s.serve(c) }()
	}
}

// ServeConn runs a session for a connection accepted by another transport,
// such as the WebSocket gateway. It blocks until the session ends. The
// connection is closed by the time ServeConn returns.
//
// Returns:
//   - The session's terminal error, or an error if the server is not running
func (s *TCPServer) ServeConn(c conn.Connection) error {
	if !s.own(c) {
		_ = c.Close()
		return fmt.Errorf("server %s not running", s.Name)
	}

	return s.serve(c)
}

func (s *TCPServer) serve(c conn.Connection) error {
	defer s.disown(c)

	sess := session.New(c, s.Registry, s.Broadcaster, s.SessionConfig, s.Logger, s.Metrics)
	return sess.Run()
}

// own records c as served by this server and counts its session in wg. It
// reports false once Stop has begun, in which case the caller must close c
// itself.
func (s *TCPServer) own(c conn.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.Running.Load() {
		return false
	}

	s.owned[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *TCPServer) disown(c conn.Connection) {
	s.mu.Lock()
	delete(s.owned, c)
	s.mu.Unlock()

	s.wg.Done()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}

	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}
