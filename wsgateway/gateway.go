// Package wsgateway lets WebSocket clients join the relay. Each upgraded
// socket becomes a conn.Connection served by the same sessions, registry and
// heartbeat as the TCP clients.
package wsgateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/logger"
)

// Server runs sessions for connections the gateway upgrades.
type Server interface {
	ServeConn(c conn.Connection) error
	NextID() uint32
}

// Config tunes the gateway.
type Config struct {
	// ConnOptions is applied to every upgraded connection.
	ConnOptions conn.Options

	// MaxMessageSize bounds a single WebSocket message. Zero allows one
	// maximum sized frame per message.
	MaxMessageSize int64

	// CheckOrigin is passed to the upgrader; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Gateway is an http.Handler that upgrades requests to WebSockets.
type Gateway struct {
	server   Server
	config   Config
	upgrader websocket.Upgrader
	log      logger.Logger
}

// New creates a Gateway serving its connections through server.
func New(server Server, config Config, log logger.Logger) *Gateway {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = frame.HeaderSize + frame.DefaultMaxPayloadSize
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = func(*http.Request) bool { return true }
	}
	if config.ConnOptions.Logger == nil {
		config.ConnOptions.Logger = log
	}

	return &Gateway{
		server: server,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		log: log.With(logger.Field{Key: "component", Value: "wsgateway"}),
	}
}

// ServeHTTP upgrades the request and blocks until the session ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		g.log.Debug("upgrade failed", logger.Field{Key: "error", Value: err})
		return
	}

	ws.SetReadLimit(g.config.MaxMessageSize)

	c := NewWSConn(g.server.NextID(), ws, g.config.ConnOptions)
	if err := g.server.ServeConn(c); err != nil {
		g.log.Debug("websocket session ended", logger.Field{Key: "error", Value: err})
	}
}
