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
	path := filepath.Join(t.TempDir(), "fleetwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	path := writeConfig(t, `
api:
  base_url: https://api.energyflow.dev
  token: s3cret
socket:
  ping_interval: 15
query:
  stale_time: 20
  retries: 0
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.energyflow.dev", cfg.API.BaseURL)
	assert.Equal(t, 15, cfg.API.Timeout, "unset keys keep defaults")
	assert.Equal(t, 0, cfg.Query.Retries)

	ec := cfg.Engine()
	assert.Equal(t, "wss://api.energyflow.dev/ws", ec.Socket.URL)
	assert.Equal(t, "s3cret", ec.Socket.Token)
	assert.Equal(t, "s3cret", ec.API.Token)
	assert.Equal(t, 15*time.Second, ec.Socket.PingInterval)
	assert.Equal(t, 60*time.Second, ec.Socket.ReadTimeout)
	assert.Equal(t, 20*time.Second, ec.StaleTime)
	assert.Equal(t, 0, ec.Retry)
	assert.Equal(t, time.Second, ec.Stream.InitialDelay)
	assert.Equal(t, 30*time.Second, ec.Stream.MaxDelay)
	assert.Equal(t, 150*time.Millisecond, ec.RangeDebounce)

	lc := cfg.LoggingConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestEnvironmentOverridesBaseURL(t *testing.T) {
	t.Setenv(EnvAPIURL, "http://localhost:4000/api/")
	path := writeConfig(t, "api:\n  base_url: https://ignored.example\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/api/", cfg.API.BaseURL)
	assert.Equal(t, "ws://localhost:4000/api/ws", cfg.SocketURL())
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvAPIURL, "http://localhost:4000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Query.Retries)
}

func TestValidation(t *testing.T) {
	t.Setenv(EnvAPIURL, "")

	_, err := Load("")
	assert.ErrorContains(t, err, "api.base_url is required")

	_, err = Load(writeConfig(t, "api:\n  base_url: ftp://files.example\n"))
	assert.ErrorContains(t, err, "http(s) URL")

	_, err = Load(writeConfig(t, "api:\n  base_url: http://x\nquery:\n  retries: -1\n"))
	assert.ErrorContains(t, err, "query.retries")

	_, err = Load(writeConfig(t, "api: [\n"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestSocketCanBeDisabled(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	cfg, err := Load(writeConfig(t, "api:\n  base_url: http://x\nsocket:\n  disabled: true\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Engine().Socket.URL)
}

func TestExplicitSocketURL(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	cfg, err := Load(writeConfig(t, "api:\n  base_url: http://x\nsocket:\n  url: ws://push.example/events\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws://push.example/events", cfg.Engine().Socket.URL)
}
