package gateway

import (
	"context"
	"encoding/json"

	"github.com/bardlex/wsgate/internal/protocol"
)

// Feed produces the data behind one or more topic kinds.
type Feed interface {
	// Kinds lists the topic kinds the feed serves.
	Kinds() []protocol.Kind

	// Snapshot returns the current state of topic, pushed right after a
	// subscription is accepted. A nil value pushes nothing.
	Snapshot(ctx context.Context, c *Connection, topic protocol.Topic) (any, error)
}

// Attacher is implemented by feeds that register an upstream handler per
// subscription. The returned Release is invoked exactly once, when the
// subscription ends or the connection closes.
type Attacher interface {
	Attach(ctx context.Context, c *Connection, topic protocol.Topic) (Release, error)
}

// TopicValidator is implemented by feeds that can refuse a well-formed topic,
// for example one naming an unknown service.
type TopicValidator interface {
	ValidateTopic(topic protocol.Topic) error
}

// Authenticator validates a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity string, role protocol.Role, err error)
}

// Call is one dispatched REQUEST or COMMAND.
type Call struct {
	Conn        *Connection
	Type        protocol.MessageType
	Action      string
	Topic       protocol.Topic
	RequestID   string
	Token       string
	Data        json.RawMessage
	Credentials Credentials
}

// Decode unmarshals the call payload into v.
func (c *Call) Decode(v any) error {
	return protocol.DecodeData(c.Data, v)
}

// Handler answers a call. The returned value becomes the data of the DATA
// response.
type Handler func(ctx context.Context, call *Call) (any, error)

type gate int

const (
	// topic required and access checked
	gateTopic gate = iota
	// topic required, access not checked
	gateOpen
	// no topic
	gateNone
)

type route struct {
	handler Handler
	gate    gate
	kinds   []protocol.Kind
}

// RouteOption adjusts how a route is gated.
type RouteOption func(*route)

// OpenAccess makes a route reachable by every connection regardless of the
// topic's access level. The handler does its own checks.
func OpenAccess() RouteOption {
	return func(r *route) { r.gate = gateOpen }
}

// Topicless declares a route that takes no topic.
func Topicless() RouteOption {
	return func(r *route) { r.gate = gateNone }
}

// ForKinds restricts a route to topics of the given kinds.
func ForKinds(kinds ...protocol.Kind) RouteOption {
	return func(r *route) { r.kinds = kinds }
}

func (r *route) accepts(kind protocol.Kind) bool {
	if len(r.kinds) == 0 {
		return true
	}
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type routeKey struct {
	typ    protocol.MessageType
	action string
}
