// Package dedupe implements the TTL-bounded seen-key cache (C1) that gates
// every mutation the ingestion pipeline performs: inbound message persist,
// ACK apply, and allocation dedupe all consult it through the same key shape
// built by pkg/idempotency.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is used for message/allocation/ACK keys unless the caller
// passes an explicit ttl.
const DefaultTTL = 24 * time.Hour

// MaxLocalEntries bounds the in-process map; once exceeded the whole map is
// cleared (massivePurge) rather than evicted piecemeal. See Open Questions
// in SPEC_FULL.md for why an LRU was considered and rejected for v0.
const MaxLocalEntries = 10000

// Backend is an optional shared key-value store (e.g. Redis) consulted
// before the local map. A nil Backend means the cache is process-local only.
type Backend interface {
	Has(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
}

// Logger is the minimal surface Cache needs to report backend failures and
// massive purges; *telemetry.Logger satisfies it.
type Logger interface {
	Warn(ctx context.Context, msg string, fields ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(context.Context, string, ...any) {}

type entry struct {
	expiresAt time.Time
}

// Cache is the dedupe set described by SPEC_FULL.md C1. It is safe for
// concurrent use across every request goroutine in the process.
type Cache struct {
	mu      sync.Mutex
	local   map[string]entry
	backend Backend
	log     Logger
	now     func() time.Time
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithBackend attaches an external shared backend (e.g. Redis-backed).
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithLogger overrides the logger used for backend-fallback and
// massive-purge warnings.
func WithLogger(l Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds an empty Cache. Pass WithBackend to layer in a shared backend.
func New(opts ...Option) *Cache {
	c := &Cache{
		local: make(map[string]entry),
		log:   nopLogger{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Skip reports whether key has already been seen and registers nothing.
// ttl<=0 is a no-op that always returns false (never considered a duplicate).
func (c *Cache) Skip(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 || key == "" {
		return false
	}
	now := c.now()

	if c.backend != nil {
		seen, err := c.backend.Has(ctx, key)
		if err != nil {
			c.log.Warn(ctx, "dedupe: backend has() failed, falling back to local", "error", err, "key", key)
		} else {
			return seen
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	e, ok := c.local[key]
	if !ok {
		return false
	}
	return now.Before(e.expiresAt) || now.Equal(e.expiresAt)
}

// Register marks key as seen for ttl. Idempotent: re-registering extends
// the expiry to the new ttl.
func (c *Cache) Register(ctx context.Context, key string, ttl time.Duration) {
	if ttl <= 0 || key == "" {
		return
	}
	now := c.now()

	if c.backend != nil {
		if err := c.backend.Set(ctx, key, ttl); err != nil {
			c.log.Warn(ctx, "dedupe: backend set() failed, writing local only", "error", err, "key", key)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	c.local[key] = entry{expiresAt: now.Add(ttl)}
}

// Reset clears the local map. It does not touch the external backend.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = make(map[string]entry)
}

// pruneLocked removes expired entries and, if the map is still oversized,
// clears it entirely with a warning (massivePurge).
func (c *Cache) pruneLocked(now time.Time) {
	for k, e := range c.local {
		if !now.Before(e.expiresAt) {
			delete(c.local, k)
		}
	}
	if len(c.local) > MaxLocalEntries {
		c.log.Warn(context.Background(), "dedupe: massivePurge", "size", len(c.local), "max", MaxLocalEntries)
		c.local = make(map[string]entry)
	}
}
