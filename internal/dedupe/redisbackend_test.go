package dedupe_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadengine/wa-ingest/internal/dedupe"
)

func newMiniredisBackend(t *testing.T) (*dedupe.RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return dedupe.NewRedisBackend(client, "wa-ingest:dedupe:"), s
}

func TestRedisBackend_SetThenHas(t *testing.T) {
	backend, _ := newMiniredisBackend(t)
	ctx := context.Background()

	seen, err := backend.Has(ctx, "wamid-1")
	require.NoError(t, err)
	assert.False(t, seen, "key must be absent before Set")

	require.NoError(t, backend.Set(ctx, "wamid-1", time.Hour))

	seen, err = backend.Has(ctx, "wamid-1")
	require.NoError(t, err)
	assert.True(t, seen, "key must be present after Set")
}

func TestRedisBackend_ExpiresAfterTTL(t *testing.T) {
	backend, srv := newMiniredisBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "wamid-2", time.Minute))
	srv.FastForward(2 * time.Minute)

	seen, err := backend.Has(ctx, "wamid-2")
	require.NoError(t, err)
	assert.False(t, seen, "key must expire once its ttl elapses")
}

func TestRedisBackend_KeysAreNamespacedByPrefix(t *testing.T) {
	backend, srv := newMiniredisBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "wamid-3", time.Hour))
	assert.True(t, srv.Exists("wa-ingest:dedupe:wamid-3"), "key must be stored under the configured prefix")
}

func TestCache_WiredToRedisBackendAcrossInstances(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	clientA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer clientB.Close()

	cacheA := dedupe.New(dedupe.WithBackend(dedupe.NewRedisBackend(clientA, "wa-ingest:dedupe:")))
	cacheB := dedupe.New(dedupe.WithBackend(dedupe.NewRedisBackend(clientB, "wa-ingest:dedupe:")))
	ctx := context.Background()

	assert.False(t, cacheA.Skip(ctx, "shared-key", time.Hour), "first instance sees no prior sighting")
	cacheA.Register(ctx, "shared-key", time.Hour)

	assert.True(t, cacheB.Skip(ctx, "shared-key", time.Hour), "second instance must see instance A's registration via shared redis")
}
