package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMaxKeys = 100_000

type counter struct {
	mu          sync.Mutex
	windowStart time.Time
	window      time.Duration
	count       int
	lastSeen    time.Time
	evicted     bool
}

// MemoryLimiter keeps one counter per key in process memory. The table is a
// bounded LRU; each counter carries its own mutex so the reset-then-increment
// step is serialized per key and unrelated keys never contend on it. Once the
// table is full the least recently used key is dropped even inside its window,
// so maxKeys must exceed the number of distinct keys expected per window.
type MemoryLimiter struct {
	counters *lru.Cache[string, *counter]
	now      func() time.Time
}

type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

func NewMemoryLimiter(maxKeys int, opts ...MemoryOption) (*MemoryLimiter, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	counters, err := lru.NewWithEvict[string, *counter](maxKeys, func(_ string, c *counter) {
		c.mu.Lock()
		c.evicted = true
		c.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("create counter table: %w", err)
	}

	l := &MemoryLimiter{counters: counters, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *MemoryLimiter) Check(_ context.Context, key string, limit Limit) (Decision, error) {
	if !limit.valid() {
		return Decision{}, ErrInvalidLimit
	}

	for {
		c := l.lookup(key)

		c.mu.Lock()
		if c.evicted {
			// Lost a race with eviction; the key now resolves to a fresh counter.
			c.mu.Unlock()
			continue
		}

		now := l.now()
		if c.windowStart.IsZero() || now.Sub(c.windowStart) >= limit.Window {
			c.windowStart = now
			c.count = 0
		}
		c.window = limit.Window
		c.count++
		c.lastSeen = now
		decision := decide(c.count, limit, c.windowStart)
		c.mu.Unlock()

		return decision, nil
	}
}

func (l *MemoryLimiter) lookup(key string) *counter {
	if c, ok := l.counters.Get(key); ok {
		return c
	}
	fresh := &counter{}
	if prev, found, _ := l.counters.PeekOrAdd(key, fresh); found {
		return prev
	}
	return fresh
}

// Sweep drops counters that have not been used for idle and whose window has
// elapsed, and reports how many were removed. A dropped key starts a fresh
// window on its next request, so a counter inside its window is never dropped
// however long it has been idle.
func (l *MemoryLimiter) Sweep(idle time.Duration) int {
	now := l.now()
	cutoff := now.Add(-idle)
	removed := 0

	for _, key := range l.counters.Keys() {
		c, ok := l.counters.Peek(key)
		if !ok {
			continue
		}

		c.mu.Lock()
		stale := c.lastSeen.Before(cutoff) && now.Sub(c.windowStart) >= c.window
		c.mu.Unlock()

		if stale && l.counters.Remove(key) {
			removed++
		}
	}

	return removed
}

func (l *MemoryLimiter) Len() int {
	return l.counters.Len()
}

// Reset forgets key, for admin use.
func (l *MemoryLimiter) Reset(key string) {
	l.counters.Remove(key)
}
