package config

import (
	"testing"
	"time"
)

func TestLoad_AppliesDefaultsWhenEnvUnset(t *testing.T) {
	c := Load(nil)
	if c.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", c.Port)
	}
	if c.RateLimitWindow != 15*time.Minute {
		t.Fatalf("expected default rate limit window 15m, got %v", c.RateLimitWindow)
	}
	if c.RateLimitMax != 100 {
		t.Fatalf("expected default rate limit max 100, got %d", c.RateLimitMax)
	}
	if c.SocketIOPath != "/socket.io" {
		t.Fatalf("expected default socket.io path, got %q", c.SocketIOPath)
	}
	if c.DedupeRedisURL != "" {
		t.Fatalf("expected empty dedupe redis url by default, got %q", c.DedupeRedisURL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_URL", "sqlite://./data.db")
	t.Setenv("WHATSAPP_WEBHOOK_API_KEY", "secret")
	t.Setenv("WHATSAPP_DEDUPE_REDIS_URL", "redis://localhost:6379/0")

	c := Load(nil)
	if c.Port != 8080 {
		t.Fatalf("expected overridden port 8080, got %d", c.Port)
	}
	if c.DatabaseURL != "sqlite://./data.db" {
		t.Fatalf("expected overridden database url, got %q", c.DatabaseURL)
	}
	if c.DedupeRedisURL != "redis://localhost:6379/0" {
		t.Fatalf("expected overridden dedupe redis url, got %q", c.DedupeRedisURL)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_RequiresWebhookKeyAndDatabaseURL(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
