package dedupe

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts a *redis.Client to the Backend contract so Cache can
// be shared across replicas. Keys are stored as plain SET presence markers
// (a repeated Set overwrites the key and restarts its ttl); the value is unused.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps client. prefix is prepended to every key to keep the
// dedupe namespace isolated from other uses of the same Redis instance.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(k string) string {
	if b.prefix == "" {
		return k
	}
	return b.prefix + k
}

// Has reports whether key is present and not expired.
func (b *RedisBackend) Has(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Set marks key present with the given ttl.
func (b *RedisBackend) Set(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Set(ctx, b.key(key), "1", ttl).Err()
}

// ErrNilClient is the sentinel error for a missing redis client. No function
// in this package returns it; NewRedisBackend accepts the client as given.
var ErrNilClient = errors.New("dedupe: redis client is nil")
