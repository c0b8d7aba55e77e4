package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryCache created without an explicit limit.
const DefaultMaxEntries = 1024

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries. When full, Set evicts expired entries first and then the
// entry closest to expiry.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memItem
	maxEntries int
	now        func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache holding at most DefaultMaxEntries and
// starts the background cleanup loop. The loop stops when ctx is cancelled
// or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	return NewMemoryCacheWithLimit(ctx, DefaultMaxEntries)
}

// NewMemoryCacheWithLimit is NewMemoryCache with an explicit entry bound.
func NewMemoryCacheWithLimit(ctx context.Context, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &MemoryCache{
		items:      make(map[string]memItem),
		maxEntries: maxEntries,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Expired entries are removed lazily.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := c.now()

	c.mu.Lock()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.items[key] = memItem{
		data:      value,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (c *MemoryCache) Ping(context.Context) error { return nil }

// Len returns the number of entries currently held, including expired
// entries not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked(c.now())
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictLocked(now time.Time) {
	if c.evictExpiredLocked(now) > 0 {
		return
	}
	var (
		victim string
		soon   time.Time
	)
	for k, v := range c.items {
		if victim == "" || v.expiresAt.Before(soon) {
			victim, soon = k, v.expiresAt
		}
	}
	delete(c.items, victim)
}

func (c *MemoryCache) evictExpiredLocked(now time.Time) int {
	n := 0
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}
