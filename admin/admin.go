// Package admin serves the relay's operational HTTP endpoints: health,
// Prometheus metrics, connection stats and, when configured, the WebSocket
// gateway.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/go-relay/logger"
)

// Stats is the body served at /stats.
type Stats struct {
	Connections int    `json:"connections"`
	Node        string `json:"node"`
}

// Config wires the admin endpoints to the rest of the relay.
type Config struct {
	Addr string

	// Gatherer backs /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Connections reports the number of registered clients.
	Connections func() int

	// NodeID is reported by /stats.
	NodeID string

	// WebSocket is mounted at /ws when non-nil.
	WebSocket http.Handler
}

// NewRouter builds the admin routes.
func NewRouter(cfg Config, log logger.Logger) http.Handler {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Connections == nil {
		cfg.Connections = func() int { return 0 }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Stats{
			Connections: cfg.Connections(),
			Node:        cfg.NodeID,
		})
	})

	if cfg.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", cfg.WebSocket)
	}

	return r
}

// requestLogger logs each request at debug level. WebSocket requests are
// logged when the socket closes.
func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Debug("admin request",
				logger.Field{Key: "method", Value: r.Method},
				logger.Field{Key: "path", Value: r.URL.Path},
				logger.Field{Key: "status", Value: ww.Status()},
				logger.Field{Key: "duration", Value: time.Since(start).String()},
				logger.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())},
			)
		})
	}
}

// Server is the admin HTTP server.
type Server struct {
	http *http.Server
	log  logger.Logger
}

// NewServer creates a Server listening on cfg.Addr.
func NewServer(cfg Config, log logger.Logger) *Server {
	log = log.With(logger.Field{Key: "component", Value: "admin"})

	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Serve accepts HTTP connections on ln until Shutdown is called.
//
// Returns:
//   - nil after Shutdown, otherwise the error that stopped the server
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("admin server started", logger.Field{Key: "addr", Value: ln.Addr().String()})

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for active ones until ctx
// expires. Hijacked WebSocket connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
