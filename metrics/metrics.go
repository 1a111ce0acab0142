// Package metrics holds the Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the relay collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "relay").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the relay collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics is the set of relay collectors.
type Metrics struct {
	connections      prometheus.Gauge
	acceptsRejected  prometheus.Counter
	messagesReceived prometheus.Counter
	pingsReceived    prometheus.Counter
	broadcasts       *prometheus.CounterVec
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	sessionErrors    *prometheus.CounterVec
	heartbeatRounds  prometheus.Counter
	bridgeMessages   *prometheus.CounterVec
}

// New registers the relay collectors.
//
// Parameters:
//   - opts: Options overriding the namespace or registry
//
// Returns:
//   - The registered Metrics
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "relay",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	ns := config.Namespace

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections",
			Help:      "Number of registered connections",
		}),
		acceptsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "accepts_rejected_total",
			Help:      "Connections refused by accept throttling",
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_received_total",
			Help:      "Application messages decoded from clients",
		}),
		pingsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pings_received_total",
			Help:      "Ping control messages swallowed by sessions",
		}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "broadcasts_total",
			Help:      "Broadcast calls by origin",
		}, []string{"origin"}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deliveries_total",
			Help:      "Frames handed to connection send queues",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be handed to a connection",
		}),
		sessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "session_errors_total",
			Help:      "Sessions ended by an error, by reason",
		}, []string{"reason"}),
		heartbeatRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "heartbeat_rounds_total",
			Help:      "Heartbeat ping rounds",
		}),
		bridgeMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bridge_messages_total",
			Help:      "Messages exchanged with peer relay nodes",
		}, []string{"direction"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) AcceptRejected() {
	if m != nil {
		m.acceptsRejected.Inc()
	}
}

func (m *Metrics) MessageReceived() {
	if m != nil {
		m.messagesReceived.Inc()
	}
}

func (m *Metrics) PingReceived() {
	if m != nil {
		m.pingsReceived.Inc()
	}
}

// Broadcast records one broadcast with its delivery outcome. origin is
// "local" or "peer".
func (m *Metrics) Broadcast(origin string, delivered, failed int) {
	if m == nil {
		return
	}

	m.broadcasts.WithLabelValues(origin).Inc()
	m.deliveries.Add(float64(delivered))
	m.deliveryFailures.Add(float64(failed))
}

func (m *Metrics) SessionError(reason string) {
	if m != nil {
		m.sessionErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) HeartbeatRound() {
	if m != nil {
		m.heartbeatRounds.Inc()
	}
}

// BridgeMessage records a message published to ("out") or received from
// ("in") peer nodes.
func (m *Metrics) BridgeMessage(direction string) {
	if m != nil {
		m.bridgeMessages.WithLabelValues(direction).Inc()
	}
}
