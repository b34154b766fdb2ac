package ratelimit

import (
	"sync"
	"time"
)

// ValueCache holds one value for a fixed TTL. An expired value is never
// returned.
type ValueCache[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	value T
	setAt time.Time
	set   bool
}

// NewValueCache creates an empty cache.
func NewValueCache[T any](ttl time.Duration) *ValueCache[T] {
	return &ValueCache[T]{ttl: ttl, now: time.Now}
}

// SetClock replaces the time source.
func (c *ValueCache[T]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the value if it is younger than the TTL.
func (c *ValueCache[T]) Get() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero T
	if !c.set || c.now().Sub(c.setAt) >= c.ttl {
		return zero, false
	}
	return c.value, true
}

// Set stores v and restarts the TTL.
func (c *ValueCache[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.setAt = c.now()
	c.set = true
}

// Age returns how long ago the value was set, and false when empty.
func (c *ValueCache[T]) Age() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return 0, false
	}
	return c.now().Sub(c.setAt), true
}

// Clear empties the cache.
func (c *ValueCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.set = false
}
