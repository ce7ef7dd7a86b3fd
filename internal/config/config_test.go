package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 10000, cfg.Custody.TimeoutMs)
	assert.Equal(t, 30, cfg.AuditSink.IntervalSeconds)
	assert.Equal(t, 4, cfg.Notifications.Workers)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_YAMLThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: "9090"
custody:
  base_url: "https://custody.example.com"
  timeout_ms: 2500
redis:
  addr: "yaml-redis:6379"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("CUSTODY_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	// YAML over defaults
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "https://custody.example.com", cfg.Custody.BaseURL)
	assert.Equal(t, 2500, cfg.Custody.TimeoutMs)

	// Env over YAML
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "env-key", cfg.Custody.APIKey)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
