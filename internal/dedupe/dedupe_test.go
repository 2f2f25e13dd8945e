package dedupe

import (
	"context"
	"testing"
	"time"
)

func TestCache_SkipRegisterWithinTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if c.Skip(ctx, "k1", time.Hour) {
		t.Fatalf("expected first sighting to not be a dup")
	}
	c.Register(ctx, "k1", time.Hour)

	now = now.Add(30 * time.Minute)
	if !c.Skip(ctx, "k1", time.Hour) {
		t.Fatalf("expected key to be seen within ttl")
	}

	now = now.Add(time.Hour)
	if c.Skip(ctx, "k1", time.Hour) {
		t.Fatalf("expected key to have expired")
	}
}

func TestCache_NonPositiveTTLIsNoop(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Register(ctx, "k", 0)
	if c.Skip(ctx, "k", 0) {
		t.Fatalf("ttl<=0 must never report a duplicate")
	}
}

type fakeBackend struct {
	has    map[string]bool
	hasErr error
	setErr error
	setCalls int
}

func (f *fakeBackend) Has(context.Context, string) (bool, error) {
	if f.hasErr != nil {
		return false, f.hasErr
	}
	return f.has["k"], nil
}

func (f *fakeBackend) Set(context.Context, string, time.Duration) error {
	f.setCalls++
	return f.setErr
}

func TestCache_BackendConsultedFirst(t *testing.T) {
	fb := &fakeBackend{has: map[string]bool{"k": true}}
	c := New(WithBackend(fb))
	ctx := context.Background()
	if !c.Skip(ctx, "k", time.Hour) {
		t.Fatalf("expected backend hit to report duplicate")
	}
}

func TestCache_BackendErrorFallsBackToLocal(t *testing.T) {
	now := time.Now().UTC()
	fb := &fakeBackend{hasErr: errBoom}
	c := New(WithBackend(fb), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	c.Register(ctx, "k", time.Hour)
	if !c.Skip(ctx, "k", time.Hour) {
		t.Fatalf("expected local fallback to report duplicate after backend error")
	}
}

func TestCache_MassivePurge(t *testing.T) {
	c := New()
	ctx := context.Background()
	for i := 0; i < MaxLocalEntries+10; i++ {
		c.Register(ctx, fakeKey(i), time.Hour)
	}
	c.mu.Lock()
	size := len(c.local)
	c.mu.Unlock()
	if size > MaxLocalEntries {
		t.Fatalf("expected massivePurge to bound local map, got size=%d", size)
	}
}

func fakeKey(i int) string {
	return "k-" + string(rune('a'+i%26)) + string(rune(i))
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
