package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
workers:
  - url_prefix: api
    storage: /tmp/api
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warden", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "./warden-worker", cfg.WorkerBin)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "127.0.0.1", cfg.Workers[0].Host)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  name: my-warden
  log_level: debug
worker_bin: /usr/local/bin/warden-worker
lock_file: /var/run/warden.pid
workers:
  - url_prefix: api
    host: 0.0.0.0
    port: 9100
    dynamic_port: 3
    storage: /srv/api
    env:
      INTERNAL_WEBHOOK_URL: http://hooks.local/wh
  - url_prefix: batch
    storage: /srv/batch
    dynamic_port: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-warden", cfg.Service.Name)
	assert.Equal(t, "/usr/local/bin/warden-worker", cfg.WorkerBin)

	require.Len(t, cfg.Workers, 2)
	api := cfg.Workers[0]
	assert.Equal(t, 9100, api.Port)
	assert.Equal(t, DynamicPort{Enabled: true, Attempts: 3}, api.DynamicPort)
	assert.Equal(t, "http://hooks.local/wh", api.Env["INTERNAL_WEBHOOK_URL"])

	assert.Equal(t, DynamicPort{Enabled: true}, cfg.Workers[1].DynamicPort)
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("WARDEN_TEST_STORAGE", "/srv/from-env")
	path := writeConfig(t, `
workers:
  - url_prefix: api
    storage: ${WARDEN_TEST_STORAGE}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/from-env", cfg.Workers[0].Storage)
}

func TestLoadRejectsUnresolvedEnv(t *testing.T) {
	path := writeConfig(t, `
workers:
  - url_prefix: api
    storage: ${WARDEN_TEST_UNSET_VAR}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_TEST_UNSET_VAR")
}

func TestLoadRejectsMissingStorage(t *testing.T) {
	path := writeConfig(t, `
workers:
  - url_prefix: api
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage is required")
}

func TestLoadRejectsDuplicateWorkers(t *testing.T) {
	path := writeConfig(t, `
workers:
  - url_prefix: api
    storage: /tmp/a
  - url_prefix: api
    storage: /tmp/b
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate worker")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
service:
  log_level: loud
workers: []
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestWebhookExpiryFromEnv(t *testing.T) {
	t.Setenv(EnvWebhookExpiry, "100")
	assert.Equal(t, 100*time.Millisecond, WebhookExpiry())

	t.Setenv(EnvWebhookExpiry, "garbage")
	assert.Equal(t, DefaultWebhookExpiry, WebhookExpiry())

	t.Setenv(EnvWebhookExpiry, "")
	assert.Equal(t, DefaultWebhookExpiry, WebhookExpiry())
}

func TestInternalWebhookURLRequired(t *testing.T) {
	t.Setenv(EnvInternalWebhookURL, "")
	_, err := InternalWebhookURL()
	require.Error(t, err)

	t.Setenv(EnvInternalWebhookURL, "http://hooks.local")
	url, err := InternalWebhookURL()
	require.NoError(t, err)
	assert.Equal(t, "http://hooks.local", url)
}
