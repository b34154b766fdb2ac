package gateway

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

// Admitter gates new subscriptions per connection. ratelimit.SubscriptionLimiter
// satisfies it.
type Admitter interface {
	Admit(connID string) error
	Release(connID string)
	Remove(connID string)
}

type openAdmitter struct{}

func (openAdmitter) Admit(string) error { return nil }
func (openAdmitter) Release(string)     {}
func (openAdmitter) Remove(string)      {}

// Registry owns the live connections and the topic subscriber sets. Every
// mutation of either side of the topic/connection relation happens under
// one lock, so a connection is in a topic's subscriber set exactly when the
// topic is in the connection's set.
type Registry struct {
	logger *log.Logger
	admit  Admitter

	mu         sync.RWMutex
	conns      map[string]*Connection
	topics     map[string]mapset.Set[string]
	identities map[string]mapset.Set[string]
}

// NewRegistry creates an empty registry. A nil admitter admits everything.
func NewRegistry(admit Admitter, logger *log.Logger) *Registry {
	if admit == nil {
		admit = openAdmitter{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		logger:     logger.WithComponent("registry"),
		admit:      admit,
		conns:      make(map[string]*Connection),
		topics:     make(map[string]mapset.Set[string]),
		identities: make(map[string]mapset.Set[string]),
	}
}

// Register adds a connection with no subscriptions. It reports false if the
// connection id is already registered.
func (r *Registry) Register(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; ok {
		return false
	}
	r.conns[c.id] = c
	if creds := c.Credentials(); creds.Authenticated() {
		r.bindIdentityLocked(c.id, creds.Identity)
	}
	return true
}

// Unregister removes c from every topic and from the registry, releases each
// upstream handler it owned exactly once, and drops its rate-limit counters.
// It reports false if c was not registered; a second call is a no-op.
func (r *Registry) Unregister(c *Connection) bool {
	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c.id)
	for _, topic := range c.topics.ToSlice() {
		r.removeLocked(c, topic)
	}
	if creds := c.Credentials(); creds.Authenticated() {
		r.unbindIdentityLocked(c.id, creds.Identity)
	}
	r.mu.Unlock()

	r.admit.Remove(c.id)

	for _, release := range c.detachAll() {
		r.release(c, release)
	}
	return true
}

// Subscribe adds topic to c and c to topic as one step, after admit has
// accepted it. It reports false without consulting admit when c already
// holds topic.
func (r *Registry) Subscribe(c *Connection, topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; !ok {
		return false, errors.New(errors.ErrorTypeInternal, "subscribe", "connection not registered")
	}
	if c.topics.Contains(topic) {
		return false, nil
	}
	if err := r.admit.Admit(c.id); err != nil {
		return false, err
	}

	subs, ok := r.topics[topic]
	if !ok {
		subs = mapset.NewThreadUnsafeSet[string]()
		r.topics[topic] = subs
	}
	subs.Add(c.id)
	c.topics.Add(topic)
	return true, nil
}

// Unsubscribe removes topic from c, pruning the topic when its last
// subscriber leaves, and releases the upstream handler c held for it.
func (r *Registry) Unsubscribe(c *Connection, topic string) bool {
	r.mu.Lock()
	removed := r.removeLocked(c, topic)
	r.mu.Unlock()

	if !removed {
		return false
	}
	r.admit.Release(c.id)
	if release := c.detachHandler(topic); release != nil {
		r.release(c, release)
	}
	return true
}

func (r *Registry) removeLocked(c *Connection, topic string) bool {
	if !c.topics.Contains(topic) {
		return false
	}
	c.topics.Remove(topic)
	if subs, ok := r.topics[topic]; ok {
		subs.Remove(c.id)
		if subs.Cardinality() == 0 {
			delete(r.topics, topic)
		}
	}
	return true
}

func (r *Registry) release(c *Connection, release Release) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler release panicked", "conn_id", c.id, "panic", p)
		}
	}()
	release()
}

// Rebind moves c to a new authentication state, keeping the identity index
// in step.
func (r *Registry) Rebind(c *Connection, creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := c.Credentials()
	_, registered := r.conns[c.id]
	if registered && old.Authenticated() {
		r.unbindIdentityLocked(c.id, old.Identity)
	}
	c.setCredentials(creds)
	if registered && creds.Authenticated() {
		r.bindIdentityLocked(c.id, creds.Identity)
	}
}

func (r *Registry) bindIdentityLocked(connID, identity string) {
	set, ok := r.identities[identity]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		r.identities[identity] = set
	}
	set.Add(connID)
}

func (r *Registry) unbindIdentityLocked(connID, identity string) {
	if set, ok := r.identities[identity]; ok {
		set.Remove(connID)
		if set.Cardinality() == 0 {
			delete(r.identities, identity)
		}
	}
}

// Get returns a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Subscribers returns a snapshot of the connections subscribed to topic.
func (r *Registry) Subscribers(topic string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.topics[topic])
}

// IdentityConnections returns the connections authenticated as identity.
func (r *Registry) IdentityConnections(identity string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.identities[identity])
}

func (r *Registry) collectLocked(ids mapset.Set[string]) []*Connection {
	if ids == nil {
		return nil
	}
	out := make([]*Connection, 0, ids.Cardinality())
	ids.Each(func(id string) bool {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
		return false
	})
	return out
}

// HasSubscribers reports whether topic has at least one subscriber.
func (r *Registry) HasSubscribers(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic]
	return ok
}

// SubscriberCount returns the number of subscribers of topic.
func (r *Registry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if subs, ok := r.topics[topic]; ok {
		return subs.Cardinality()
	}
	return 0
}

// TopicCount returns the number of topics with subscribers.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Topics returns the topics that currently have subscribers.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

// SubscribedIdentities returns the connected identities whose own topic,
// as built by topicOf, has subscribers.
func (r *Registry) SubscribedIdentities(topicOf func(identity string) string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.identities))
	for identity := range r.identities {
		if _, ok := r.topics[topicOf(identity)]; ok {
			out = append(out, identity)
		}
	}
	return out
}

// CheckConsistency verifies the topic/connection relation in both
// directions. Used by tests.
func (r *Registry) CheckConsistency() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for topic, subs := range r.topics {
		if subs.Cardinality() == 0 {
			return errors.New(errors.ErrorTypeInternal, "consistency", "empty topic not pruned: "+topic)
		}
		var bad error
		subs.Each(func(id string) bool {
			c, ok := r.conns[id]
			if !ok || !c.topics.Contains(topic) {
				bad = errors.New(errors.ErrorTypeInternal, "consistency", "subscriber "+id+" missing topic "+topic)
				return true
			}
			return false
		})
		if bad != nil {
			return bad
		}
	}
	for id, c := range r.conns {
		for _, topic := range c.topics.ToSlice() {
			subs, ok := r.topics[topic]
			if !ok || !subs.Contains(id) {
				return errors.New(errors.ErrorTypeInternal, "consistency", "connection "+id+" not in subscribers of "+topic)
			}
		}
	}
	return nil
}
