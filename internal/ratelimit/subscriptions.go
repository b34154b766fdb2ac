package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/wsgate/pkg/errors"
)

type churn struct {
	active      int
	windowStart time.Time
	opened      int
}

// SubscriptionLimiter bounds per-connection subscription churn: the number
// of active subscriptions and the number of new subscriptions per window.
// Counters exist only for live connections and are dropped by Remove.
type SubscriptionLimiter struct {
	maxActive int
	perWindow int
	window    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	conns map[string]*churn
}

// NewSubscriptionLimiter creates a limiter allowing maxActive concurrent and
// perWindow new subscriptions per window for each connection.
func NewSubscriptionLimiter(maxActive, perWindow int, window time.Duration) *SubscriptionLimiter {
	return &SubscriptionLimiter{
		maxActive: maxActive,
		perWindow: perWindow,
		window:    window,
		now:       time.Now,
		conns:     make(map[string]*churn),
	}
}

// SetClock replaces the time source.
func (l *SubscriptionLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Admit checks both bounds for one new subscription of connID and, if both
// hold, counts it. A rejected admission changes nothing.
func (l *SubscriptionLimiter) Admit(connID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.conns[connID]
	if !ok {
		c = &churn{windowStart: now}
		l.conns[connID] = c
	}
	if now.Sub(c.windowStart) >= l.window {
		c.windowStart = now
		c.opened = 0
	}

	if c.active >= l.maxActive {
		return errors.New(errors.ErrorTypeRateLimited, "subscribe",
			fmt.Sprintf("at most %d active subscriptions per connection", l.maxActive)).
			WithContext("limit", "active")
	}
	if c.opened >= l.perWindow {
		wait := c.windowStart.Add(l.window).Sub(now)
		return errors.RateLimited("subscribe",
			fmt.Sprintf("at most %d new subscriptions per %s", l.perWindow, l.window), wait).
			WithContext("limit", "new_per_window")
	}

	c.active++
	c.opened++
	return nil
}

// Release uncounts one active subscription of connID.
func (l *SubscriptionLimiter) Release(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.conns[connID]; ok && c.active > 0 {
		c.active--
	}
}

// Remove drops every counter of connID. Safe to call more than once.
func (l *SubscriptionLimiter) Remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
}

// Active returns the counted active subscriptions of connID.
func (l *SubscriptionLimiter) Active(connID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.conns[connID]; ok {
		return c.active
	}
	return 0
}

// Tracked returns the number of connections with counters.
func (l *SubscriptionLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
