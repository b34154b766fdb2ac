package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/wsgate/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket_Boundary(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(6, time.Minute, 100)
	b.SetClock(clock.Now)

	for i := 0; i < 6; i++ {
		ok, _ := b.Allow("wallet-a")
		require.True(t, ok, "operation %d should pass", i+1)
	}

	ok, wait := b.Allow("wallet-a")
	assert.False(t, ok, "operation N+1 must be rejected")
	assert.Equal(t, 10*time.Second, wait)

	clock.Advance(time.Minute)
	for i := 0; i < 6; i++ {
		ok, _ := b.Allow("wallet-a")
		require.True(t, ok, "capacity should be restored after one window, op %d", i+1)
	}
	ok, _ = b.Allow("wallet-a")
	assert.False(t, ok)
}

func TestTokenBucket_LazyRefill(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(6, time.Minute, 100)
	b.SetClock(clock.Now)

	for i := 0; i < 6; i++ {
		b.Allow("w")
	}
	assert.Equal(t, 0, b.Remaining("w"))

	clock.Advance(25 * time.Second)
	assert.Equal(t, 2, b.Remaining("w"))

	ok, _ := b.Allow("w")
	assert.True(t, ok)
	ok, _ = b.Allow("w")
	assert.True(t, ok)
	ok, wait := b.Allow("w")
	assert.False(t, ok)
	assert.Equal(t, 5*time.Second, wait)
}

func TestTokenBucket_SubjectsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(1, time.Minute, 100)
	b.SetClock(clock.Now)

	ok, _ := b.Allow("a")
	assert.True(t, ok)
	ok, _ = b.Allow("b")
	assert.True(t, ok)
	ok, _ = b.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, 1, b.Remaining("unseen"))
}

func TestTokenBucket_Take(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(1, time.Minute, 10)
	b.SetClock(clock.Now)

	require.NoError(t, b.Take("refresh_balance", "w"))

	err := b.Take("refresh_balance", "w")
	require.Error(t, err)
	code, name := errors.Code(err)
	assert.Equal(t, errors.CodeRateLimited, code)
	assert.Equal(t, "RATE_LIMITED", name)

	wait, ok := errors.RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, wait)
}

func TestTokenBucket_BoundedSubjects(t *testing.T) {
	b := NewTokenBucket(3, time.Minute, 50)

	for i := 0; i < 1000; i++ {
		b.Allow(fmt.Sprintf("wallet-%d", i))
	}
	assert.Equal(t, 50, b.Len())

	b.Forget("wallet-999")
	assert.Equal(t, 49, b.Len())
}

func TestTokenBucket_Concurrent(t *testing.T) {
	b := NewTokenBucket(10, time.Hour, 10)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.Allow("shared"); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), granted.Load())
}

func TestSubscriptionLimiter_ActiveCap(t *testing.T) {
	l := NewSubscriptionLimiter(2, 100, time.Minute)

	require.NoError(t, l.Admit("c1"))
	require.NoError(t, l.Admit("c1"))

	err := l.Admit("c1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimited))
	assert.Equal(t, 2, l.Active("c1"))

	l.Release("c1")
	require.NoError(t, l.Admit("c1"))
	assert.Equal(t, 2, l.Active("c1"))
}

func TestSubscriptionLimiter_NewPerWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewSubscriptionLimiter(100, 3, time.Minute)
	l.SetClock(clock.Now)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Admit("c1"))
		l.Release("c1")
	}

	clock.Advance(20 * time.Second)
	err := l.Admit("c1")
	require.Error(t, err)
	wait, ok := errors.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 40*time.Second, wait)

	clock.Advance(40 * time.Second)
	require.NoError(t, l.Admit("c1"))
}

func TestSubscriptionLimiter_RejectionChangesNothing(t *testing.T) {
	l := NewSubscriptionLimiter(1, 1, time.Minute)
	require.NoError(t, l.Admit("c1"))
	require.Error(t, l.Admit("c1"))
	assert.Equal(t, 1, l.Active("c1"))
}

func TestSubscriptionLimiter_ReleaseNeverGoesNegative(t *testing.T) {
	l := NewSubscriptionLimiter(5, 5, time.Minute)
	require.NoError(t, l.Admit("c1"))
	l.Release("c1")
	l.Release("c1")
	l.Release("unknown")
	assert.Equal(t, 0, l.Active("c1"))
}

func TestSubscriptionLimiter_Remove(t *testing.T) {
	l := NewSubscriptionLimiter(5, 5, time.Minute)
	require.NoError(t, l.Admit("c1"))
	require.NoError(t, l.Admit("c2"))

	l.Remove("c1")
	l.Remove("c1")
	assert.Equal(t, 1, l.Tracked())
	assert.Equal(t, 0, l.Active("c1"))
}

func TestSubscriptionLimiter_ConcurrentBurst(t *testing.T) {
	l := NewSubscriptionLimiter(7, 1000, time.Minute)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("c1") == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(7), admitted.Load())
	assert.Equal(t, 7, l.Active("c1"))
}

func TestValueCache(t *testing.T) {
	clock := newFakeClock()
	c := NewValueCache[float64](30 * time.Second)
	c.SetClock(clock.Now)

	_, ok := c.Get()
	assert.False(t, ok)

	c.Set(142.5)
	v, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, 142.5, v)

	clock.Advance(29 * time.Second)
	_, ok = c.Get()
	assert.True(t, ok)

	age, ok := c.Age()
	assert.True(t, ok)
	assert.Equal(t, 29*time.Second, age)

	clock.Advance(time.Second)
	v, ok = c.Get()
	assert.False(t, ok, "expired value must not be returned")
	assert.Zero(t, v)

	c.Set(1)
	c.Clear()
	_, ok = c.Get()
	assert.False(t, ok)
}
