package ratelimit_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
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

func newMemoryLimiter(t *testing.T, maxKeys int, clock *fakeClock) *ratelimit.MemoryLimiter {
	t.Helper()
	l, err := ratelimit.NewMemoryLimiter(maxKeys, ratelimit.WithClock(clock.Now))
	require.NoError(t, err)
	return l
}

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newMemoryLimiter(t, 0, clock)
	limit := ratelimit.Limit{MaxRequests: 5, Window: 10 * time.Second}

	for i := 1; i <= 5; i++ {
		d, err := l.Check(ctx, "user:1", limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d, err := l.Check(ctx, "user:1", limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, clock.Now().Add(10*time.Second), d.ResetAt)

	clock.Advance(10 * time.Second)

	d, err = l.Check(ctx, "user:1", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(t, 0, newFakeClock())
	limit := ratelimit.Limit{MaxRequests: 1, Window: time.Minute}

	d, err := l.Check(ctx, "a", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Check(ctx, "a", limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Check(ctx, "b", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_BoundaryBurst(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newMemoryLimiter(t, 0, clock)
	limit := ratelimit.Limit{MaxRequests: 5, Window: 10 * time.Second}

	// Open the window, then fill it right before it closes.
	_, err := l.Check(ctx, "k", limit)
	require.NoError(t, err)
	clock.Advance(9 * time.Second)

	admitted := 1
	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "k", limit)
		require.NoError(t, err)
		if d.Allowed {
			admitted++
		}
	}
	clock.Advance(time.Second)
	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "k", limit)
		require.NoError(t, err)
		if d.Allowed {
			admitted++
		}
	}

	// Two seconds of traffic straddling a boundary admits 2x MaxRequests.
	assert.Equal(t, 2*limit.MaxRequests, admitted)
}

func TestMemoryLimiter_ConcurrentRequestsNeverOverAdmit(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(t, 0, newFakeClock())
	limit := ratelimit.Limit{MaxRequests: 10, Window: time.Minute}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, "hot", limit)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestMemoryLimiter_InvalidLimit(t *testing.T) {
	l := newMemoryLimiter(t, 0, newFakeClock())
	_, err := l.Check(context.Background(), "k", ratelimit.Limit{})
	assert.ErrorIs(t, err, ratelimit.ErrInvalidLimit)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newMemoryLimiter(t, 0, clock)
	limit := ratelimit.Limit{MaxRequests: 1, Window: time.Second}

	_, err := l.Check(ctx, "idle", limit)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = l.Check(ctx, "busy", limit)
	require.NoError(t, err)

	removed := l.Sweep(10 * time.Minute)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Len())

	d, err := l.Check(ctx, "idle", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestMemoryLimiter_SweepKeepsOpenWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newMemoryLimiter(t, 0, clock)
	limit := ratelimit.Limit{MaxRequests: 5, Window: time.Hour}

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "10.0.0.1", limit)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	clock.Advance(11 * time.Minute)
	assert.Zero(t, l.Sweep(10*time.Minute), "the hour window is still open")

	d, err := l.Check(ctx, "10.0.0.1", limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 6, d.Count)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, l.Sweep(10*time.Minute))
}

func TestMemoryLimiter_CapacityEviction(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLimiter(t, 3, newFakeClock())
	limit := ratelimit.Limit{MaxRequests: 100, Window: time.Minute}

	for i := 0; i < 10; i++ {
		_, err := l.Check(ctx, fmt.Sprintf("key-%d", i), limit)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, l.Len())
}
