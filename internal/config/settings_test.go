package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "autobridge.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "autobridge", s.Service.Name)
	assert.Equal(t, 5*time.Second, s.Dispatch.Timeout)
	assert.Equal(t, 32, s.Dispatch.MaxInflight)
}

func TestLoadSettingsPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autobridge.yaml")
	yaml := `
service:
  log_level: debug
admin:
  listen: "0.0.0.0:8088"
dispatch:
  timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", s.Service.LogLevel)
	assert.Equal(t, "0.0.0.0:8088", s.Admin.Listen)
	assert.Equal(t, 2*time.Second, s.Dispatch.Timeout)
	// Unset fields fall back to defaults.
	assert.Equal(t, "autobridge", s.Service.Name)
	assert.Equal(t, "./data/config.json", s.Data.ConfigPath)
}

func TestLoadSettingsInvalidLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autobridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: loud\n"), 0o600))

	_, err := LoadSettings(path)
	assert.Error(t, err)
}
