package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the typed, process-wide configuration for the ingestion service.
// Fields map 1:1 onto the environment variables the service reads at boot;
// Load applies defaults for anything left unset.
type Config struct {
	Port    int
	NodeEnv string

	FrontendURL        string
	CORSAllowedOrigins []string

	RateLimitWindow time.Duration
	RateLimitMax    int

	MediaRetryInterval time.Duration
	MediaRetryMaxRuns  int

	WhatsAppUploadsDir          string
	WhatsAppUploadsBaseURL      string
	WhatsAppMediaSignedURLTTL   time.Duration
	WhatsAppBrokerURL           string
	WhatsAppBrokerAPIKey        string
	WhatsAppBrokerTimeout       time.Duration
	WhatsAppWebhookAPIKey       string
	WhatsAppWebhookSignatureKey string
	WhatsAppWebhookVerifyToken  string

	DatabaseURL  string
	SocketIOPath string

	// DedupeRedisURL points the C1 dedupe cache at an external redis.Client
	// backend (github.com/redis/go-redis/v9) instead of its local-only map.
	// Optional: spec.md names the dedupe cache's "has/set" contract but
	// leaves its backend unspecified, so an empty value keeps the cache
	// process-local.
	DedupeRedisURL string
}

// Load reads Config from the process environment, applying the same
// defaults the ingestion service ships with when a variable is unset.
// It never errors on a missing variable; malformed numeric/duration
// values fall back to the default and are reported via warn (nil-safe).
func Load(warn func(code, detail string)) Config {
	if warn == nil {
		warn = func(string, string) {}
	}
	c := Config{
		Port:                 3000,
		NodeEnv:              "development",
		FrontendURL:          "http://localhost:5173",
		RateLimitWindow:      15 * time.Minute,
		RateLimitMax:         100,
		MediaRetryInterval:   60 * time.Second,
		MediaRetryMaxRuns:    0,
		WhatsAppUploadsDir:   "./uploads",
		WhatsAppMediaSignedURLTTL: 15 * time.Minute,
		WhatsAppBrokerTimeout:     10 * time.Second,
		SocketIOPath:              "/socket.io",
	}

	if path := envString("CONFIG_FILE", ""); path != "" {
		c = applyFileOverlay(c, path, warn)
	}

	c.Port = envInt("PORT", c.Port, warn)
	c.NodeEnv = envString("NODE_ENV", c.NodeEnv)
	c.FrontendURL = envString("FRONTEND_URL", c.FrontendURL)
	c.CORSAllowedOrigins = envCSV("CORS_ALLOWED_ORIGINS", nil)

	c.RateLimitWindow = envDurationMS("RATE_LIMIT_WINDOW_MS", c.RateLimitWindow, warn)
	c.RateLimitMax = envInt("RATE_LIMIT_MAX_REQUESTS", c.RateLimitMax, warn)

	c.MediaRetryInterval = envDurationMS("MEDIA_RETRY_WORKER_INTERVAL_MS", c.MediaRetryInterval, warn)
	c.MediaRetryMaxRuns = envInt("MEDIA_RETRY_WORKER_MAX_RUNS", c.MediaRetryMaxRuns, warn)

	c.WhatsAppUploadsDir = envString("WHATSAPP_UPLOADS_DIR", c.WhatsAppUploadsDir)
	c.WhatsAppUploadsBaseURL = envString("WHATSAPP_UPLOADS_BASE_URL", c.WhatsAppUploadsBaseURL)
	c.WhatsAppMediaSignedURLTTL = envDurationSeconds("WHATSAPP_MEDIA_SIGNED_URL_TTL_SECONDS", c.WhatsAppMediaSignedURLTTL, warn)
	c.WhatsAppBrokerURL = envString("WHATSAPP_BROKER_URL", c.WhatsAppBrokerURL)
	c.WhatsAppBrokerAPIKey = envString("WHATSAPP_BROKER_API_KEY", c.WhatsAppBrokerAPIKey)
	c.WhatsAppBrokerTimeout = envDurationMS("WHATSAPP_BROKER_TIMEOUT_MS", c.WhatsAppBrokerTimeout, warn)
	c.WhatsAppWebhookAPIKey = envString("WHATSAPP_WEBHOOK_API_KEY", c.WhatsAppWebhookAPIKey)
	c.WhatsAppWebhookSignatureKey = envString("WHATSAPP_WEBHOOK_SIGNATURE_SECRET", c.WhatsAppWebhookSignatureKey)
	c.WhatsAppWebhookVerifyToken = envString("WHATSAPP_WEBHOOK_VERIFY_TOKEN", c.WhatsAppWebhookVerifyToken)

	c.DatabaseURL = envString("DATABASE_URL", c.DatabaseURL)
	c.SocketIOPath = envString("SOCKET_IO_PATH", c.SocketIOPath)
	c.DedupeRedisURL = envString("WHATSAPP_DEDUPE_REDIS_URL", c.DedupeRedisURL)

	return c
}

// fileOverlay is the optional local YAML file CONFIG_FILE points at,
// applied between defaults and env vars so that (as in the teacher's
// layered loader) the environment still has the final word. Only a
// non-empty overlay field overrides its Config counterpart.
type fileOverlay struct {
	Port               int      `yaml:"port"`
	NodeEnv            string   `yaml:"nodeEnv"`
	FrontendURL        string   `yaml:"frontendUrl"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	DatabaseURL        string   `yaml:"databaseUrl"`
	SocketIOPath       string   `yaml:"socketIoPath"`
	DedupeRedisURL     string   `yaml:"dedupeRedisUrl"`
}

// applyFileOverlay reads and merges path's YAML contents onto c. A missing
// file or malformed YAML is reported via warn and otherwise ignored, same
// as a malformed env var elsewhere in this package.
func applyFileOverlay(c Config, path string, warn func(code, detail string)) Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		warn("config.file.read_failed", fmt.Sprintf("%s: %v", path, err))
		return c
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		warn("config.file.invalid_yaml", fmt.Sprintf("%s: %v", path, err))
		return c
	}
	if overlay.Port != 0 {
		c.Port = overlay.Port
	}
	if overlay.NodeEnv != "" {
		c.NodeEnv = overlay.NodeEnv
	}
	if overlay.FrontendURL != "" {
		c.FrontendURL = overlay.FrontendURL
	}
	if len(overlay.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = overlay.CORSAllowedOrigins
	}
	if overlay.DatabaseURL != "" {
		c.DatabaseURL = overlay.DatabaseURL
	}
	if overlay.SocketIOPath != "" {
		c.SocketIOPath = overlay.SocketIOPath
	}
	if overlay.DedupeRedisURL != "" {
		c.DedupeRedisURL = overlay.DedupeRedisURL
	}
	return c
}

// Validate reports the minimum set of variables required to serve traffic.
func (c Config) Validate() error {
	if c.WhatsAppWebhookAPIKey == "" {
		return fmt.Errorf("config: WHATSAPP_WEBHOOK_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envInt(key string, def int, warn func(code, detail string)) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		warn("config.env.invalid_int", fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return n
}

func envDurationMS(key string, def time.Duration, warn func(code, detail string)) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		warn("config.env.invalid_duration_ms", fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envDurationSeconds(key string, def time.Duration, warn func(code, detail string)) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		warn("config.env.invalid_duration_seconds", fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return time.Duration(n) * time.Second
}
