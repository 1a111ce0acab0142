// Package heartbeat periodically pings every registered connection. A ping
// that cannot be queued drops the connection, so dead peers are found even
// when no one is talking.
package heartbeat

import (
	"context"
	"time"

	"github.com/cyberinferno/go-relay/broadcast"
	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/session"
)

// DefaultInterval is the pause between ping rounds.
const DefaultInterval = 5 * time.Second

// Broadcaster is the part of broadcast.Broadcaster the heartbeat uses.
type Broadcaster interface {
	BroadcastLocal(text string, excluding ...conn.Connection) (broadcast.Result, error)
}

// Heartbeat sends the ping token to all connections on a fixed interval.
type Heartbeat struct {
	broadcaster Broadcaster
	interval    time.Duration
	log         logger.Logger
	metrics     *metrics.Metrics
}

// New creates a Heartbeat. A non-positive interval uses DefaultInterval.
//
// Parameters:
//   - b: Broadcaster used for the ping rounds
//   - interval: Pause between rounds
//   - log: Logger for failed rounds
//   - m: Collectors, may be nil
//
// Returns:
//   - A Heartbeat ready to Run
func New(b Broadcaster, interval time.Duration, log logger.Logger, m *metrics.Metrics) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Heartbeat{
		broadcaster: b,
		interval:    interval,
		log:         log.With(logger.Field{Key: "component", Value: "heartbeat"}),
		metrics:     m,
	}
}

// Interval returns the pause between rounds.
func (h *Heartbeat) Interval() time.Duration {
	return h.interval
}

// Run pings every interval until ctx is cancelled. A failed round is logged
// and the next one runs on schedule.
//
// Returns:
//   - ctx.Err() once ctx is done
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.round()
		}
	}
}

func (h *Heartbeat) round() {
	h.metrics.HeartbeatRound()

	res, err := h.broadcaster.BroadcastLocal(session.PingToken)
	if err != nil {
		h.log.Error("ping round failed", logger.Field{Key: "error", Value: err})
		return
	}

	if res.Failed > 0 {
		h.log.Warn("ping round dropped connections",
			logger.Field{Key: "recipients", Value: res.Recipients},
			logger.Field{Key: "failed", Value: res.Failed},
		)
		return
	}

	h.log.Debug("ping round", logger.Field{Key: "recipients", Value: res.Recipients})
}
