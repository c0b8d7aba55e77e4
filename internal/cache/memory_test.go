package cache

import (
	"context"
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time { return c.t }

func newTestMemory(t *testing.T, limit int) (*MemoryCache, *manualClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewMemoryCacheWithLimit(ctx, limit)
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c, clock
}

func TestMemoryCache_Expiry(t *testing.T) {
	c, clock := newTestMemory(t, 10)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("expected hit, got %q %v", got, ok)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed on access, len=%d", c.Len())
	}
}

func TestMemoryCache_EvictsWhenFull(t *testing.T) {
	c, clock := newTestMemory(t, 2)
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("1"), time.Minute)
	_ = c.Set(ctx, "long", []byte("2"), time.Hour)
	_ = c.Set(ctx, "new", []byte("3"), time.Hour)

	if c.Len() != 2 {
		t.Fatalf("expected bound of 2, got %d", c.Len())
	}
	if _, ok := c.Get(ctx, "short"); ok {
		t.Error("entry closest to expiry should be evicted")
	}
	if _, ok := c.Get(ctx, "long"); !ok {
		t.Error("long-lived entry should survive")
	}

	clock.t = clock.t.Add(2 * time.Hour)
	_ = c.Set(ctx, "fresh", []byte("4"), time.Hour)
	if c.Len() != 1 {
		t.Errorf("expired entries should be evicted first, len=%d", c.Len())
	}
}

func TestMemoryCache_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestMemory(t, 1)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("a"), time.Hour)
	_ = c.Set(ctx, "k", []byte("b"), time.Hour)
	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "b" {
		t.Fatalf("expected overwrite, got %q %v", got, ok)
	}
	if err := c.Delete(ctx, "k"); err != nil || c.Len() != 0 {
		t.Errorf("delete failed: %v len=%d", err, c.Len())
	}
	c.Close()
}
