package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := mustLoadPath("")

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Push.WebhookURL)
	assert.Equal(t, 2*time.Minute, cfg.Calls.PendingTTL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("HTTP_ADDRESS", ":9000")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PENDING_CALL_TTL", "45s")

	cfg := mustLoadPath("")

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, ":9000", cfg.HTTP.Address)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Calls.PendingTTL)
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`env: dev
http:
  address: ":8081"
redis:
  addr: "localhost:6379"
push:
  webhook_url: "http://push.internal/notify"
calls:
  pending_ttl: 90s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := mustLoadPath(path)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8081", cfg.HTTP.Address)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "http://push.internal/notify", cfg.Push.WebhookURL)
	assert.Equal(t, 90*time.Second, cfg.Calls.PendingTTL)
}

func TestMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":7070")

	cfg := mustLoadPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, ":7070", cfg.HTTP.Address)
}
