// Package gateway implements the topic pub/sub core of wsgate: connections,
// the connection registry, the topic router, the broadcast engine and the
// WebSocket server that feeds them.
package gateway

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/log"
)

// Release tears down an upstream handler owned by a connection.
type Release func()

// Credentials is the identity and role bound to an authenticated connection.
type Credentials struct {
	Identity string
	Role     protocol.Role
}

// Authenticated reports whether the credentials carry an identity.
func (c Credentials) Authenticated() bool {
	return c.Identity != ""
}

// Connection represents one live client socket
type Connection struct {
	id         string
	remoteAddr string
	logger     *log.Logger

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// topics is written only by the Registry under its lock
	topics mapset.Set[string]

	mu             sync.RWMutex
	creds          Credentials
	handlers       map[string]Release
	handlersClosed bool
	lastActivity   time.Time
	dropped        int64
}

// NewConnection creates a connection with an outbound queue of the given size.
func NewConnection(remoteAddr string, outboundSize int, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.Nop()
	}
	id := uuid.NewString()
	return &Connection{
		id:           id,
		remoteAddr:   remoteAddr,
		logger:       logger.WithFields("conn_id", id, "remote_addr", remoteAddr),
		outbound:     make(chan []byte, outboundSize),
		done:         make(chan struct{}),
		topics:       mapset.NewSet[string](),
		handlers:     make(map[string]Release),
		lastActivity: time.Now(),
	}
}

// ID returns the unique connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the remote address of the client.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *log.Logger {
	return c.logger
}

// Credentials returns the current authentication state.
func (c *Connection) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func (c *Connection) setCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// Topics returns a snapshot of the subscribed topics.
func (c *Connection) Topics() []string {
	return c.topics.ToSlice()
}

// IsSubscribed reports whether the connection holds topic.
func (c *Connection) IsSubscribed(topic string) bool {
	return c.topics.Contains(topic)
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Send queues an encoded frame without blocking. It reports false when the
// connection is closed or its queue is full; the frame is then dropped.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- data:
		return true
	default:
		c.mu.Lock()
		c.dropped++
		dropped := c.dropped
		c.mu.Unlock()
		c.logger.Warn("outbound queue full, dropping frame", "dropped_total", dropped)
		return false
	}
}

// Outbound exposes the queue drained by the write pump.
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the connection closed. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// attachHandler stores the release of an upstream handler for topic. If the
// connection has already been torn down, or no longer holds topic, the
// handler is released at once.
func (c *Connection) attachHandler(topic string, release Release) {
	if release == nil {
		return
	}
	c.mu.Lock()
	if c.handlersClosed || !c.topics.Contains(topic) {
		c.mu.Unlock()
		release()
		return
	}
	if prev, ok := c.handlers[topic]; ok {
		defer prev()
	}
	c.handlers[topic] = release
	c.mu.Unlock()
}

// detachHandler removes and returns the handler of topic, if any.
func (c *Connection) detachHandler(topic string) Release {
	c.mu.Lock()
	defer c.mu.Unlock()
	release := c.handlers[topic]
	delete(c.handlers, topic)
	return release
}

// detachAll removes every handler and refuses new ones.
func (c *Connection) detachAll() []Release {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlersClosed = true
	out := make([]Release, 0, len(c.handlers))
	for topic, release := range c.handlers {
		out = append(out, release)
		delete(c.handlers, topic)
	}
	return out
}

// HandlerCount returns the number of attached upstream handlers.
func (c *Connection) HandlerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}
