// Package broadcast delivers a message to every registered connection.
package broadcast

import (
	"fmt"

	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
)

// Publisher forwards locally originated messages to peer relay nodes.
type Publisher interface {
	// Publish hands text to the peers. It must not block on the network.
	Publish(text string) error
}

// Result summarises one broadcast.
type Result struct {
	// Recipients is the number of snapshot members that were not excluded.
	Recipients int
	// Delivered is the number of recipients whose send queue accepted the frame.
	Delivered int
	// Failed is the number of recipients that were dropped.
	Failed int
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithMetrics records broadcast outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// WithPublisher forwards messages passed to Broadcast to p.
func WithPublisher(p Publisher) Option {
	return func(b *Broadcaster) {
		b.publisher = p
	}
}

// Broadcaster sends frames to the members of a connection registry.
type Broadcaster struct {
	registry  *registry.Registry[conn.Connection]
	log       logger.Logger
	metrics   *metrics.Metrics
	publisher Publisher
}

// New creates a Broadcaster over reg.
//
// Parameters:
//   - reg: The registry of live connections
//   - log: Logger for delivery failures
//   - opts: Optional metrics and peer publisher
//
// Returns:
//   - A new Broadcaster
func New(reg *registry.Registry[conn.Connection], log logger.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		registry: reg,
		log:      log.With(logger.Field{Key: "component", Value: "broadcast"}),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Broadcast delivers text to the local members not in excluding, then hands
// it to the peer publisher if one is configured. A publish failure is logged
// and does not affect local delivery.
func (b *Broadcaster) Broadcast(text string, excluding ...conn.Connection) (Result, error) {
	res, err := b.deliver("local", text, excluding)
	if err != nil {
		return res, err
	}

	if b.publisher != nil {
		if err := b.publisher.Publish(text); err != nil {
			b.log.Warn("publish to peers failed", logger.Field{Key: "error", Value: err})
		}
	}

	return res, nil
}

// BroadcastLocal delivers text to the local members not in excluding. It
// takes a snapshot of the registry, encodes the frame once and sends it to
// each recipient in snapshot order. A recipient whose send fails is removed
// from the registry and closed; the others still receive the frame.
//
// Parameters:
//   - text: The message to deliver
//   - excluding: Connections that must not receive the message
//
// Returns:
//   - The delivery counts
//   - An error wrapping frame.ErrFrameTooLarge if text cannot be framed;
//     per-connection failures are never returned
func (b *Broadcaster) BroadcastLocal(text string, excluding ...conn.Connection) (Result, error) {
	return b.deliver("local", text, excluding)
}

// BroadcastPeer delivers a message that arrived from a peer node. It behaves
// like BroadcastLocal and is recorded separately.
func (b *Broadcaster) BroadcastPeer(text string) (Result, error) {
	return b.deliver("peer", text, nil)
}

func (b *Broadcaster) deliver(origin, text string, excluding []conn.Connection) (Result, error) {
	encoded, err := frame.Encode(text)
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: %w", err)
	}

	var skip map[conn.Connection]struct{}
	if len(excluding) > 0 {
		skip = make(map[conn.Connection]struct{}, len(excluding))
		for _, c := range excluding {
			skip[c] = struct{}{}
		}
	}

	var res Result
	for _, c := range b.registry.Snapshot() {
		if _, ok := skip[c]; ok {
			continue
		}

		res.Recipients++
		if err := c.Send(encoded); err != nil {
			res.Failed++
			b.drop(c, err)
			continue
		}

		res.Delivered++
	}

	b.metrics.Broadcast(origin, res.Delivered, res.Failed)
	return res, nil
}

// drop removes a failing recipient. The recipient's session also removes it
// when its read fails, so this only shortens the window in which later
// broadcasts would still try it.
func (b *Broadcaster) drop(c conn.Connection, cause error) {
	b.log.Warn("delivery failed, dropping connection",
		logger.Field{Key: "conn_id", Value: c.ID()},
		logger.Field{Key: "remote_addr", Value: c.RemoteAddr()},
		logger.Field{Key: "error", Value: cause},
	)

	b.registry.Remove(c)
	if err := c.Close(); err != nil {
		b.log.Debug("close after failed delivery", logger.Field{Key: "conn_id", Value: c.ID()}, logger.Field{Key: "error", Value: err})
	}
}
