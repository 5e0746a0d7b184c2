package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:9700", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Platform.Metrics)
	assert.Empty(t, cfg.Bridge.AllowedNames)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostcap.yaml")
	data := []byte("server:\n  port: 9800\nlog:\n  level: debug\nplatform:\n  override: sim\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("HOSTCAP_PORT", "9900")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment beats file, file beats default, untouched fields keep defaults.
	assert.Equal(t, 9900, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sim", cfg.Platform.Override)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, Default(), cfg)
}
