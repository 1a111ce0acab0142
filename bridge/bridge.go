// Package bridge links relay nodes through a pub/sub channel so that a
// message received by one node reaches the clients of every node. Each node
// publishes the messages of its own clients and rebroadcasts, locally, the
// messages published by the others.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-relay/broadcast"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
)

// DefaultQueueSize is the number of outbound messages buffered while the
// pub/sub server is slow or unreachable.
const DefaultQueueSize = 1024

var (
	// ErrQueueFull is returned by Publish when the outbound queue is full.
	ErrQueueFull = errors.New("bridge: publish queue full")

	// ErrSubscriptionClosed is returned by Run when the subscription ends
	// without the context being cancelled.
	ErrSubscriptionClosed = errors.New("bridge: subscription closed")
)

// PubSub is the transport the bridge runs on.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns the payloads published on channel and a function
	// that ends the subscription. The payload channel is closed when the
	// subscription ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

// Local delivers bridged messages to this node's clients.
type Local interface {
	BroadcastPeer(text string) (broadcast.Result, error)
}

// Config tunes a Bridge.
type Config struct {
	Channel string
	// NodeID identifies this node in published envelopes. Empty means a
	// random UUID.
	NodeID    string
	QueueSize int
}

// envelope is the JSON document published on the channel.
type envelope struct {
	Node string `json:"node"`
	Text string `json:"text"`
}

// Bridge publishes local messages and rebroadcasts remote ones. It
// implements broadcast.Publisher.
type Bridge struct {
	ps      PubSub
	channel string
	node    string
	out     chan string
	log     logger.Logger
	metrics *metrics.Metrics
}

var _ broadcast.Publisher = (*Bridge)(nil)

// New creates a Bridge over ps.
//
// Parameters:
//   - ps: The pub/sub transport
//   - cfg: Channel name, node ID and queue size
//   - log: Logger for publish and decode failures
//   - m: Collectors, may be nil
//
// Returns:
//   - A Bridge; Publish buffers until Run is called
func New(ps PubSub, cfg Config, log logger.Logger, m *metrics.Metrics) *Bridge {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	return &Bridge{
		ps:      ps,
		channel: cfg.Channel,
		node:    cfg.NodeID,
		out:     make(chan string, cfg.QueueSize),
		log: log.With(
			logger.Field{Key: "component", Value: "bridge"},
			logger.Field{Key: "node", Value: cfg.NodeID},
		),
		metrics: m,
	}
}

// NodeID returns the identifier this node publishes under.
func (b *Bridge) NodeID() string {
	return b.node
}

// Publish queues text for the other nodes. It never blocks.
func (b *Bridge) Publish(text string) error {
	select {
	case b.out <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run subscribes to the channel and moves messages in both directions until
// ctx is cancelled or the subscription fails.
//
// Returns:
//   - ctx.Err() after cancellation, otherwise the error that stopped the bridge
func (b *Bridge) Run(ctx context.Context, local Local) error {
	msgs, unsubscribe, err := b.ps.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", b.channel, err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			b.log.Debug("unsubscribe", logger.Field{Key: "error", Value: err})
		}
	}()

	b.log.Info("bridge subscribed", logger.Field{Key: "channel", Value: b.channel})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.publishLoop(ctx) })
	g.Go(func() error { return b.receiveLoop(ctx, msgs, local) })

	return g.Wait()
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-b.out:
			payload, err := json.Marshal(envelope{Node: b.node, Text: text})
			if err != nil {
				return err
			}

			if err := b.ps.Publish(ctx, b.channel, payload); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.log.Warn("publish failed", logger.Field{Key: "error", Value: err})
				continue
			}

			b.metrics.BridgeMessage("out")
		}
	}
}

func (b *Bridge) receiveLoop(ctx context.Context, msgs <-chan []byte, local Local) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return ErrSubscriptionClosed
			}
			b.handle(payload, local)
		}
	}
}

// handle rebroadcasts a payload from another node. Our own envelopes and
// undecodable payloads are dropped.
func (b *Bridge) handle(payload []byte, local Local) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Warn("undecodable bridge payload", logger.Field{Key: "error", Value: err})
		return
	}

	if env.Node == b.node {
		return
	}

	b.metrics.BridgeMessage("in")
	if _, err := local.BroadcastPeer(env.Text); err != nil {
		b.log.Warn("bridged message not delivered", logger.Field{Key: "error", Value: err})
	}
}
