// Package cache stores composed system prompts so repeated questions about
// the same topics skip prompt assembly.
//
// Two backends are available:
//   - ExactCache: Redis-backed, shared across replicas.
//   - MemoryCache: in-process TTL cache with a size bound.
//
// Both implement Cache. Failures never break a chat request: a failed Get is
// a miss and a failed Set is reported to the caller for metrics only.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by backends whose readiness can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}
