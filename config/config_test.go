package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, ModeStream, cfg.Chat.Mode)
	assert.Equal(t, 58*time.Second, cfg.Chat.StreamTimeout)
	assert.Equal(t, time.Second, cfg.Chat.PollInterval)
	assert.Equal(t, 60, cfg.Chat.PollMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Chat.StaleAfter)
	assert.Equal(t, 3, cfg.Upstream.Primary.MaxRetries)
	assert.Equal(t, time.Second, cfg.Upstream.Primary.InitialDelay)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.False(t, cfg.Upstream.Fallback.Enabled())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
chat:
  mode: queue
  poll_interval: 250ms
upstream:
  primary:
    base_url: http://llm.local/v1
    max_retries: 5
store:
  driver: sqlite
sql:
  dsn: "file::memory:"
`)
	t.Setenv("UPSTREAM_PRIMARY_API_KEY", "sk-env")
	t.Setenv("CHAT_POLL_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeQueue, cfg.Chat.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Chat.PollInterval)
	assert.Equal(t, 7, cfg.Chat.PollMaxAttempts)
	assert.Equal(t, 5, cfg.Upstream.Primary.MaxRetries)
	assert.Equal(t, "sk-env", cfg.Upstream.Primary.APIKey)
	assert.True(t, cfg.Upstream.Primary.Enabled())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown mode", "chat:\n  mode: batch\n"},
		{"unknown store", "store:\n  driver: mongo\n"},
		{"sql without dsn", "store:\n  driver: postgres\n"},
		{"unknown queue", "queue:\n  driver: kafka\n"},
		{"negative retries", "upstream:\n  fallback:\n    max_retries: -1\n"},
		{"zero poll attempts", "chat:\n  poll_max_attempts: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestFirstByteWait(t *testing.T) {
	ep := EndpointConfig{BaseURL: "http://llm", APIKey: "k", Timeout: 30 * time.Second, MaxRetries: 3, InitialDelay: time.Second}
	assert.Equal(t, 127*time.Second, ep.FirstByteWait())

	u := UpstreamConfig{Primary: ep}
	assert.Equal(t, 127*time.Second, u.FirstByteWait())
	u.Fallback = ep
	assert.Equal(t, 254*time.Second, u.FirstByteWait())
}

func TestValidateStaleAfter(t *testing.T) {
	t.Setenv("UPSTREAM_PRIMARY_API_KEY", "sk")
	t.Setenv("UPSTREAM_FALLBACK_API_KEY", "sk")
	t.Setenv("UPSTREAM_FALLBACK_BASE_URL", "http://fallback/v1")

	_, err := Load(writeConfig(t, "chat:\n  stale_after: 2m\n"))
	assert.ErrorContains(t, err, "chat.stale_after")

	// capped by worker.timeout
	_, err = Load(writeConfig(t, "chat:\n  stale_after: 2m\nworker:\n  timeout: 2m\n"))
	assert.NoError(t, err)

	_, err = Load(writeConfig(t, "chat:\n  stale_after: 0s\n"))
	assert.NoError(t, err)
}

func TestRedisAddr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Address: "cache", Port: 6380}.Addr())
}
