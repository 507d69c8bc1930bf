package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), config)

	// The default file was written and documents the settings.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[heartbeat]")
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[gateway]
listen_addr = ":9999"
jwt_secret = "sekrit"

[limits]
messages_per_minute = 7

[typing]
stop_delay_seconds = 2
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", config.Gateway.ListenAddr)
	require.Equal(t, "sekrit", config.Gateway.JWTSecret)
	require.Equal(t, 7, config.Limits.MessagesPerMinute)
	require.Equal(t, 2, config.Typing.StopDelaySeconds)

	// Unset keys keep their defaults.
	require.Equal(t, 60, config.Heartbeat.TimeoutSeconds)
	require.Equal(t, 65536, config.Limits.MaxFrameBytes)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	t.Setenv("PINGME_GATEWAY_LISTEN_ADDR", ":7777")
	t.Setenv("PINGME_GATEWAY_JWT_SECRET", "from-env")
	t.Setenv("PINGME_LIMITS_VIOLATION_LIMIT", "3")
	t.Setenv("PINGME_HEARTBEAT_TIMEOUT_SECONDS", "120")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7777", config.Gateway.ListenAddr)
	require.Equal(t, "from-env", config.Gateway.JWTSecret)
	require.Equal(t, 3, config.Limits.ViolationLimit)
	require.Equal(t, 120, config.Heartbeat.TimeoutSeconds)
}

func TestLoadConfigBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestConfigDurations(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "30s", config.HeartbeatInterval().String())
	require.Equal(t, "1m0s", config.HeartbeatTimeout().String())
	require.Equal(t, "5s", config.TypingStopDelay().String())
	require.Equal(t, "5s", config.WriteDeadline().String())
}
