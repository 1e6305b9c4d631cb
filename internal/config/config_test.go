package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
database:
  user: app
  name: payments
ledger:
  platform-user-id: 7
gateway:
  base-url: http://gateway.local
poller:
  interval-ms: 15000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "app", cfg.Database.User)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, int64(7), cfg.Ledger.PlatformUserID)
	assert.Equal(t, 15000, cfg.Poller.IntervalMs)
	assert.Equal(t, 200, cfg.Poller.FetchSize)
	assert.Equal(t, "memory", cfg.Events.Transport)
	assert.Equal(t, 4, cfg.Provision.MaxConcurrency)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("APP_POLLER_INTERVAL_MS", "45000")
	t.Setenv("APP_EVENTS_TRANSPORT", "kafka")

	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, 45000, cfg.Poller.IntervalMs)
	assert.Equal(t, "kafka", cfg.Events.Transport)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
database:
  user: app
  name: payments
gateway:
  base-url: http://gateway.local
`))
	assert.Error(t, err, "platform user id is required")

	t.Setenv("APP_LEDGER_PLATFORM_USER_ID", "3")
	t.Setenv("APP_EVENTS_TRANSPORT", "carrier-pigeon")
	_, err = LoadConfig(writeConfig(t, testConfig))
	assert.Error(t, err)
}
