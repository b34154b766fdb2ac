// Package ratelimit bounds expensive or abusive client operations: per-wallet
// refresh token buckets, per-connection subscription churn counters, and a
// short-TTL single value cache.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/bardlex/wsgate/pkg/errors"
)

// TokenBucket grants up to capacity operations per window for each subject.
// Tokens refill lazily, one every window/capacity, computed from the elapsed
// time at check time. Buckets live in a bounded LRU and expire after one idle
// window, at which point they would be full anyway.
type TokenBucket struct {
	capacity int
	every    time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewTokenBucket creates a limiter of capacity operations per window, tracking
// at most maxSubjects subjects.
func NewTokenBucket(capacity int, window time.Duration, maxSubjects int) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if maxSubjects <= 0 {
		maxSubjects = 1
	}
	return &TokenBucket{
		capacity: capacity,
		every:    window / time.Duration(capacity),
		now:      time.Now,
		buckets:  expirable.NewLRU[string, *rate.Limiter](maxSubjects, nil, window),
	}
}

// SetClock replaces the time source. time.Now carries a monotonic reading,
// so refill deltas are immune to wall clock jumps; tests pass a fake clock.
func (b *TokenBucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow consumes a token for subject. When none is available it returns
// false and the wait until the next token.
func (b *TokenBucket) Allow(subject string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	lim, ok := b.buckets.Get(subject)
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.every), b.capacity)
	}
	// re-adding pushes the idle expiry forward
	b.buckets.Add(subject, lim)

	if lim.AllowN(now, 1) {
		return true, 0
	}

	missing := 1 - lim.TokensAt(now)
	wait := time.Duration(math.Ceil(missing * float64(b.every)))
	return false, wait
}

// Take is Allow expressed as a wire error: a RATE_LIMITED ServiceError
// carrying retry guidance, or nil.
func (b *TokenBucket) Take(operation, subject string) error {
	ok, wait := b.Allow(subject)
	if ok {
		return nil
	}
	return errors.RateLimited(operation,
		fmt.Sprintf("limit of %d per %s reached", b.capacity, b.window()), wait).
		WithContext("subject", subject)
}

// Remaining returns the whole tokens currently available to subject.
func (b *TokenBucket) Remaining(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.buckets.Peek(subject)
	if !ok {
		return b.capacity
	}
	return int(math.Floor(lim.TokensAt(b.now())))
}

// Forget drops the bucket of subject.
func (b *TokenBucket) Forget(subject string) {
	b.buckets.Remove(subject)
}

// Len returns the number of tracked subjects.
func (b *TokenBucket) Len() int {
	return b.buckets.Len()
}

func (b *TokenBucket) window() time.Duration {
	return b.every * time.Duration(b.capacity)
}
