package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 3000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)

	require.Equal(t, 30*time.Second, cfg.Presence.DisconnectGrace)
	require.Equal(t, time.Minute, cfg.Presence.SweepInterval)
	require.Equal(t, 2*time.Minute, cfg.Presence.StaleThreshold)

	require.Equal(t, 5*time.Second, cfg.Delivery.AckTimeout)
	require.False(t, cfg.Delivery.Redeliver.Enabled)
	require.Equal(t, 3, cfg.Delivery.Redeliver.MaxAttempts)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := []byte("server:\n  port: 9100\n  log_level: debug\ndelivery:\n  ack_timeout: 2s\n  redeliver:\n    enabled: true\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 2*time.Second, cfg.Delivery.AckTimeout)
	require.True(t, cfg.Delivery.Redeliver.Enabled)
	// untouched sections keep defaults
	require.Equal(t, 30*time.Second, cfg.Presence.DisconnectGrace)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CHATLINK_SERVER_PORT", "8088")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 8088, cfg.Server.Port)
}
