package gateway

import (
	"strings"
	"time"

	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/log"
)

// Metrics receives gateway counters. influx.Metrics satisfies it.
type Metrics interface {
	ConnectionOpened(active int)
	ConnectionClosed(active int)
	Broadcast(topicKind string, delivered, dropped int)
	RateLimited(operation string)
}

// NopMetrics discards every counter.
type NopMetrics struct{}

func (NopMetrics) ConnectionOpened(int)       {}
func (NopMetrics) ConnectionClosed(int)       {}
func (NopMetrics) Broadcast(string, int, int) {}
func (NopMetrics) RateLimited(string)         {}

// Broadcaster delivers envelopes to topics, identities and single
// connections. Delivery is best effort: closed or saturated connections are
// skipped and reconciled by their own close.
type Broadcaster struct {
	registry *Registry
	logger   *log.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry, metrics Metrics, logger *log.Logger) *Broadcaster {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger.WithComponent("broadcast"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for envelope timestamps.
func (b *Broadcaster) SetClock(now func() time.Time) {
	b.now = now
}

// Now returns the broadcaster's current time.
func (b *Broadcaster) Now() time.Time {
	return b.now()
}

// Registry returns the registry the broadcaster delivers through.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// HasSubscribers reports whether topic has at least one subscriber.
func (b *Broadcaster) HasSubscribers(topic string) bool {
	return b.registry.HasSubscribers(topic)
}

// BroadcastToTopic delivers env to every live subscriber of topic and
// returns the number of connections it was queued for. A topic without
// subscribers costs one map lookup and nothing else.
func (b *Broadcaster) BroadcastToTopic(topic string, env *protocol.Envelope) int {
	subs := b.registry.Subscribers(topic)
	if len(subs) == 0 {
		return 0
	}

	data, err := protocol.Encode(env)
	if err != nil {
		b.logger.WithError(err).Error("failed to encode broadcast", "topic", topic)
		return 0
	}

	delivered, dropped := 0, 0
	for _, c := range subs {
		if c.Send(data) {
			delivered++
		} else {
			dropped++
		}
	}

	b.logger.LogBroadcast(topic, delivered, dropped)
	b.metrics.Broadcast(topicKind(topic), delivered, dropped)
	return delivered
}

// Publish builds a DATA frame for topic and broadcasts it.
func (b *Broadcaster) Publish(topic, subtype string, data any) int {
	if !b.registry.HasSubscribers(topic) {
		return 0
	}
	return b.BroadcastToTopic(topic, protocol.NewData(topic, subtype, data, b.now()))
}

// SendToIdentity delivers env to every connection authenticated as identity.
func (b *Broadcaster) SendToIdentity(identity string, env *protocol.Envelope) int {
	conns := b.registry.IdentityConnections(identity)
	if len(conns) == 0 {
		return 0
	}

	data, err := protocol.Encode(env)
	if err != nil {
		b.logger.WithError(err).Error("failed to encode identity message")
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if c.Send(data) {
			delivered++
		}
	}
	return delivered
}

// SendToConnection delivers env to c alone.
func (b *Broadcaster) SendToConnection(c *Connection, env *protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		c.Logger().WithError(err).Error("failed to encode message")
		return false
	}
	c.Logger().LogProtocolMessage("sent", c.ID(), data)
	return c.Send(data)
}

// SendError reports err to c as an ERROR frame.
func (b *Broadcaster) SendError(c *Connection, requestID string, err error) bool {
	return b.SendToConnection(c, protocol.NewError(requestID, err, b.now()))
}

// topicKind collapses parameterized topics for metrics tags.
func topicKind(topic string) string {
	switch topic {
	case protocol.TopicMarketPrice, protocol.TopicServicesAll, protocol.TopicAdminAlerts:
		return topic
	}
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}
