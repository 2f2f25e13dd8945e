package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesFileOverlayBeforeEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wa-ingest.yaml")
	contents := "port: 9090\nnodeEnv: staging\ndatabaseUrl: sqlite://./overlay.db\ncorsAllowedOrigins:\n  - https://overlay.example\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WHATSAPP_WEBHOOK_API_KEY", "secret")

	c := Load(nil)
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, "staging", c.NodeEnv)
	assert.Equal(t, "sqlite://./overlay.db", c.DatabaseURL)
	assert.Equal(t, []string{"https://overlay.example"}, c.CORSAllowedOrigins)
}

func TestLoad_EnvOverridesFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wa-ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")

	c := Load(nil)
	assert.Equal(t, 7070, c.Port, "env var must win over file overlay")
}

func TestLoad_MissingFileWarnsAndKeepsDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	var warnings []string
	c := Load(func(code, detail string) {
		warnings = append(warnings, code)
	})
	assert.Equal(t, 3000, c.Port)
	assert.Contains(t, warnings, "config.file.read_failed")
}
