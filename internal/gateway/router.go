package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

// Router turns decoded client messages into registry mutations, feed
// snapshots and action responses. Messages of one connection are handled in
// the order the read pump delivers them.
type Router struct {
	registry *Registry
	out      *Broadcaster
	auth     Authenticator
	metrics  Metrics
	logger   *log.Logger

	mu     sync.RWMutex
	feeds  map[protocol.Kind]Feed
	routes map[routeKey]*route
}

// NewRouter creates a router. A nil authenticator refuses every credential.
func NewRouter(registry *Registry, out *Broadcaster, auth Authenticator, metrics Metrics, logger *log.Logger) *Router {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	r := &Router{
		registry: registry,
		out:      out,
		auth:     auth,
		metrics:  metrics,
		logger:   logger.WithComponent("router"),
		feeds:    make(map[protocol.Kind]Feed),
		routes:   make(map[routeKey]*route),
	}
	r.Route(protocol.TypeRequest, protocol.ActionPing, r.handlePing, Topicless())
	r.Route(protocol.TypeCommand, protocol.ActionAuthenticate, r.handleAuthenticate, Topicless())
	return r
}

// Registry returns the registry the router mutates.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Broadcaster returns the broadcaster the router replies through.
func (r *Router) Broadcaster() *Broadcaster {
	return r.out
}

// AddFeed registers f for each of its topic kinds, replacing any previous
// feed of the same kind.
func (r *Router) AddFeed(f Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range f.Kinds() {
		r.feeds[kind] = f
	}
}

// Route registers the handler of a REQUEST or COMMAND action.
func (r *Router) Route(typ protocol.MessageType, action string, h Handler, opts ...RouteOption) {
	rt := &route{handler: h}
	for _, opt := range opts {
		opt(rt)
	}
	r.mu.Lock()
	r.routes[routeKey{typ: typ, action: action}] = rt
	r.mu.Unlock()
}

func (r *Router) feed(kind protocol.Kind) (Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[kind]
	return f, ok
}

func (r *Router) lookup(typ protocol.MessageType, action string) (*route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[routeKey{typ: typ, action: action}]
	return rt, ok
}

// Handle processes one inbound frame. Application failures are reported to
// the client in-band and never returned: the connection stays open.
func (r *Router) Handle(ctx context.Context, c *Connection, raw []byte) {
	c.Touch()

	msg, err := protocol.Decode(raw)
	if err != nil {
		r.out.SendError(c, "", err)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			action, topic := describe(msg)
			c.Logger().Error("panic while handling message",
				"panic", p,
				"message_type", string(msg.Type()),
				"action", action,
				"topic", topic,
			)
			r.out.SendError(c, msg.RequestID(), errors.New(errors.ErrorTypeInternal, "handle", fmt.Sprint(p)))
		}
	}()

	if token := msg.AuthToken(); token != "" && !isAuthenticateCommand(msg) {
		if _, err := r.Authenticate(ctx, c, token); err != nil {
			r.out.SendError(c, msg.RequestID(), err)
		}
	}

	switch m := msg.(type) {
	case protocol.Subscribe:
		r.Subscribe(ctx, c, m.ID, m.Topics)
	case protocol.Unsubscribe:
		r.Unsubscribe(c, m.ID, m.Topics)
	case protocol.Request:
		r.dispatch(ctx, c, protocol.TypeRequest, m.Action, m.Topic, m.ID, m.Token, m.Data)
	case protocol.Command:
		r.dispatch(ctx, c, protocol.TypeCommand, m.Action, m.Topic, m.ID, m.Token, m.Data)
	}
}

func isAuthenticateCommand(msg protocol.ClientMessage) bool {
	cmd, ok := msg.(protocol.Command)
	return ok && cmd.Action == protocol.ActionAuthenticate
}

func describe(msg protocol.ClientMessage) (action, topic string) {
	switch m := msg.(type) {
	case protocol.Request:
		return m.Action, m.Topic
	case protocol.Command:
		return m.Action, m.Topic
	case protocol.Subscribe:
		if len(m.Topics) > 0 {
			return "", m.Topics[0]
		}
	case protocol.Unsubscribe:
		if len(m.Topics) > 0 {
			return "", m.Topics[0]
		}
	}
	return "", ""
}

// Authenticate validates token and binds the resulting identity and role to
// c. A failure leaves the connection's current state untouched. When the
// identity changes, subscriptions the new credentials may not hold are
// dropped and reported with a SYSTEM frame.
func (r *Router) Authenticate(ctx context.Context, c *Connection, token string) (Credentials, error) {
	if r.auth == nil {
		return Credentials{}, errors.Unauthorized("authenticate", "authentication is not available")
	}

	identity, role, err := r.auth.Authenticate(ctx, token)
	if err != nil {
		c.Logger().Warn("authentication failed", "error", err)
		if errors.IsType(err, errors.ErrorTypeUnauthorized) {
			return Credentials{}, err
		}
		return Credentials{}, errors.Wrap(err, errors.ErrorTypeUnauthorized, "authenticate", "invalid credential")
	}
	if identity == "" {
		return Credentials{}, errors.Unauthorized("authenticate", "credential carries no identity")
	}
	if role == "" {
		role = protocol.RoleUser
	}

	creds := Credentials{Identity: identity, Role: role}
	prev := c.Credentials()
	if prev == creds {
		return creds, nil
	}
	r.registry.Rebind(c, creds)
	c.Logger().Info("connection authenticated", "identity", identity, "role", string(role))

	if prev.Authenticated() {
		r.revoke(c, creds)
	}
	return creds, nil
}

// revoke drops the subscriptions creds no longer grants.
func (r *Router) revoke(c *Connection, creds Credentials) {
	var revoked []string
	for _, raw := range c.Topics() {
		topic, err := protocol.ParseTopic(raw)
		if err == nil && authorize(creds, topic) == nil {
			continue
		}
		if r.registry.Unsubscribe(c, raw) {
			revoked = append(revoked, raw)
		}
	}
	if len(revoked) > 0 {
		r.out.SendToConnection(c, protocol.NewSystem(protocol.EventRevoked, map[string]any{
			"topics": revoked,
		}, r.out.Now()))
	}
}

// authorize checks creds against the access level of topic.
func authorize(creds Credentials, topic protocol.Topic) error {
	switch topic.Access() {
	case protocol.AccessPublic:
		return nil
	case protocol.AccessAdmin:
		if !creds.Authenticated() {
			return errors.Unauthorized("authorize", "authentication required").WithContext("topic", topic.Raw)
		}
		if !creds.Role.IsAdmin() {
			return errors.Unauthorized("authorize", "admin role required").WithContext("topic", topic.Raw)
		}
		return nil
	default:
		if !creds.Authenticated() {
			return errors.Unauthorized("authorize", "authentication required").WithContext("topic", topic.Raw)
		}
		if creds.Identity != topic.Owner() {
			return errors.Unauthorized("authorize", "topic belongs to another identity").WithContext("topic", topic.Raw)
		}
		return nil
	}
}

// resolve parses raw, authorizes creds for it and checks a feed serves it.
// Unauthorized callers never reach the feed's existence check.
func (r *Router) resolve(creds Credentials, raw string) (protocol.Topic, Feed, error) {
	topic, err := protocol.ParseTopic(raw)
	if err != nil {
		return protocol.Topic{}, nil, err
	}
	if err := authorize(creds, topic); err != nil {
		return protocol.Topic{}, nil, err
	}
	f, ok := r.feed(topic.Kind)
	if !ok {
		return protocol.Topic{}, nil, errors.NotFound("subscribe", "no feed serves this topic").WithContext("topic", raw)
	}
	if v, ok := f.(TopicValidator); ok {
		if err := v.ValidateTopic(topic); err != nil {
			return protocol.Topic{}, nil, err
		}
	}
	return topic, f, nil
}

// Subscribe adds each topic to c independently: a rejected topic never
// affects the others. The ACKNOWLEDGMENT is sent first, then the current
// snapshot of every accepted topic.
func (r *Router) Subscribe(ctx context.Context, c *Connection, requestID string, topics []string) (accepted []string, rejected []protocol.Rejection) {
	type activation struct {
		topic protocol.Topic
		feed  Feed
		added bool
	}
	var pending []activation

	creds := c.Credentials()
	for _, raw := range topics {
		topic, f, err := r.resolve(creds, raw)
		var added bool
		if err == nil {
			added, err = r.registry.Subscribe(c, raw)
		}
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeRateLimited) {
				r.metrics.RateLimited("subscribe")
			}
			c.Logger().Debug("subscription rejected", "topic", raw, "error", err)
			rejected = append(rejected, protocol.NewRejection(raw, err))
			continue
		}
		accepted = append(accepted, raw)
		pending = append(pending, activation{topic: topic, feed: f, added: added})
	}

	r.out.SendToConnection(c, protocol.NewAck(protocol.TypeSubscribe, requestID, accepted, rejected, r.out.Now()))

	for _, a := range pending {
		if a.added && !r.attach(ctx, c, a.topic, a.feed) {
			continue
		}
		r.snapshot(ctx, c, a.topic, a.feed)
	}
	return accepted, rejected
}

// attach registers the upstream handler of a fresh subscription. On failure
// the subscription is withdrawn and reported.
func (r *Router) attach(ctx context.Context, c *Connection, topic protocol.Topic, f Feed) bool {
	a, ok := f.(Attacher)
	if !ok {
		return true
	}
	release, err := a.Attach(ctx, c, topic)
	if err != nil {
		c.Logger().WithError(err).Warn("failed to attach feed handler", "topic", topic.Raw)
		r.registry.Unsubscribe(c, topic.Raw)
		r.sendTopicError(c, topic.Raw, err)
		return false
	}
	c.attachHandler(topic.Raw, release)
	return true
}

func (r *Router) snapshot(ctx context.Context, c *Connection, topic protocol.Topic, f Feed) {
	data, err := f.Snapshot(ctx, c, topic)
	if err != nil {
		c.Logger().WithError(err).Warn("snapshot failed", "topic", topic.Raw)
		r.sendTopicError(c, topic.Raw, err)
		return
	}
	if data == nil {
		return
	}
	r.out.SendToConnection(c, protocol.NewData(topic.Raw, "snapshot", data, r.out.Now()))
}

func (r *Router) sendTopicError(c *Connection, topic string, err error) {
	env := protocol.NewError("", err, r.out.Now())
	env.Topic = topic
	r.out.SendToConnection(c, env)
}

// Unsubscribe removes each topic from c. Topics the connection does not hold
// are acknowledged as no-ops; malformed topics are rejected.
func (r *Router) Unsubscribe(c *Connection, requestID string, topics []string) (accepted []string, rejected []protocol.Rejection) {
	for _, raw := range topics {
		if _, err := protocol.ParseTopic(raw); err != nil {
			rejected = append(rejected, protocol.NewRejection(raw, err))
			continue
		}
		r.registry.Unsubscribe(c, raw)
		accepted = append(accepted, raw)
	}
	r.out.SendToConnection(c, protocol.NewAck(protocol.TypeUnsubscribe, requestID, accepted, rejected, r.out.Now()))
	return accepted, rejected
}

func (r *Router) dispatch(ctx context.Context, c *Connection, typ protocol.MessageType, action, rawTopic, requestID, token string, data []byte) {
	rt, ok := r.lookup(typ, action)
	if !ok {
		r.out.SendError(c, requestID, errors.NotFound("dispatch", "unknown action").WithContext("action", action))
		return
	}

	call := &Call{
		Conn:        c,
		Type:        typ,
		Action:      action,
		RequestID:   requestID,
		Token:       token,
		Data:        data,
		Credentials: c.Credentials(),
	}

	if rt.gate != gateNone {
		if rawTopic == "" {
			r.out.SendError(c, requestID, errors.InvalidMessage("dispatch", "topic is required").WithContext("action", action))
			return
		}
		topic, err := protocol.ParseTopic(rawTopic)
		if err != nil {
			r.out.SendError(c, requestID, err)
			return
		}
		if !rt.accepts(topic.Kind) {
			r.out.SendError(c, requestID, errors.InvalidMessage("dispatch", "action does not apply to this topic").
				WithContext("action", action).WithContext("topic", rawTopic))
			return
		}
		if rt.gate == gateTopic {
			if err := authorize(call.Credentials, topic); err != nil {
				r.out.SendError(c, requestID, err)
				return
			}
		}
		call.Topic = topic
	}

	result, err := rt.handler(ctx, call)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeRateLimited) {
			r.metrics.RateLimited(action)
		}
		if code, _ := errors.Code(err); code == errors.CodeInternal {
			c.Logger().WithError(err).Error("action failed",
				"message_type", string(typ),
				"action", action,
				"topic", rawTopic,
			)
		}
		r.out.SendError(c, requestID, err)
		return
	}
	r.out.SendToConnection(c, protocol.NewResponse(rawTopic, action, requestID, result, r.out.Now()))
}

func (r *Router) handlePing(_ context.Context, _ *Call) (any, error) {
	return map[string]any{"pong": true}, nil
}

type authenticateData struct {
	Token string `json:"token"`
}

func (r *Router) handleAuthenticate(ctx context.Context, call *Call) (any, error) {
	token := call.Token
	if token == "" {
		var d authenticateData
		if err := call.Decode(&d); err != nil {
			return nil, err
		}
		token = d.Token
	}
	if token == "" {
		return nil, errors.InvalidMessage("authenticate", "token is required")
	}

	creds, err := r.Authenticate(ctx, call.Conn, token)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"authenticated": true,
		"identity":      creds.Identity,
		"role":          creds.Role,
	}, nil
}
