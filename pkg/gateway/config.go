package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the structure of the gateway config file
type Config struct {
	Gateway   GatewaySection   `toml:"gateway"`
	Limits    LimitsSection    `toml:"limits"`
	Heartbeat HeartbeatSection `toml:"heartbeat"`
	Typing    TypingSection    `toml:"typing"`
}

type GatewaySection struct {
	ListenAddr   string `toml:"listen_addr"`
	MetricsAddr  string `toml:"metrics_addr"`
	DatabasePath string `toml:"database_path"`
	JWTSecret    string `toml:"jwt_secret"`
}

type LimitsSection struct {
	MaxFrameBytes        int `toml:"max_frame_bytes"`
	MaxContentChars      int `toml:"max_content_chars"`
	MessagesPerMinute    int `toml:"messages_per_minute"`
	TypingPerMinute      int `toml:"typing_per_minute"`
	GeneralPerMinute     int `toml:"general_per_minute"`
	AuthPerMinute        int `toml:"auth_per_minute"`
	FloodFramesPerSecond int `toml:"flood_frames_per_second"`
	FloodBurst           int `toml:"flood_burst"`
	ViolationLimit       int `toml:"violation_limit"`
	WriteDeadlineSeconds int `toml:"write_deadline_seconds"`
}

type HeartbeatSection struct {
	IntervalSeconds int `toml:"interval_seconds"`
	TimeoutSeconds  int `toml:"timeout_seconds"`
}

type TypingSection struct {
	StopDelaySeconds int `toml:"stop_delay_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Gateway: GatewaySection{
			ListenAddr:   ":8080",
			MetricsAddr:  "127.0.0.1:9090",
			DatabasePath: "~/.pingme/gateway.db",
			JWTSecret:    "",
		},
		Limits: LimitsSection{
			MaxFrameBytes:        65536,
			MaxContentChars:      1000,
			MessagesPerMinute:    50,
			TypingPerMinute:      30,
			GeneralPerMinute:     150,
			AuthPerMinute:        5,
			FloodFramesPerSecond: 25,
			FloodBurst:           50,
			ViolationLimit:       5,
			WriteDeadlineSeconds: 5,
		},
		Heartbeat: HeartbeatSection{
			IntervalSeconds: 30,
			TimeoutSeconds:  60,
		},
		Typing: TypingSection{
			StopDelaySeconds: 5,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// not found, and applies environment variable overrides.
func LoadConfig(path string) (Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, write defaults. If we can't write (permissions),
		// still run with defaults.
		config := DefaultConfig()
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// HeartbeatInterval returns the ping cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the liveness deadline as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}

// TypingStopDelay returns the typing auto-stop delay as a duration.
func (c *Config) TypingStopDelay() time.Duration {
	return time.Duration(c.Typing.StopDelaySeconds) * time.Second
}

// WriteDeadline returns the per-frame write deadline as a duration.
func (c *Config) WriteDeadline() time.Duration {
	return time.Duration(c.Limits.WriteDeadlineSeconds) * time.Second
}

// GetDatabasePath returns the database path with ~ expanded
func (c *Config) GetDatabasePath() (string, error) {
	return expandHome(c.Gateway.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: PINGME_SECTION_KEY
// Example: PINGME_GATEWAY_LISTEN_ADDR=:9000
func applyEnvOverrides(config Config) Config {
	// Gateway section
	if val := os.Getenv("PINGME_GATEWAY_LISTEN_ADDR"); val != "" {
		config.Gateway.ListenAddr = val
	}
	if val := os.Getenv("PINGME_GATEWAY_METRICS_ADDR"); val != "" {
		config.Gateway.MetricsAddr = val
	}
	if val := os.Getenv("PINGME_GATEWAY_DATABASE_PATH"); val != "" {
		config.Gateway.DatabasePath = val
	}
	if val := os.Getenv("PINGME_GATEWAY_JWT_SECRET"); val != "" {
		config.Gateway.JWTSecret = val
	}

	// Limits section
	envInt("PINGME_LIMITS_MAX_FRAME_BYTES", &config.Limits.MaxFrameBytes)
	envInt("PINGME_LIMITS_MAX_CONTENT_CHARS", &config.Limits.MaxContentChars)
	envInt("PINGME_LIMITS_MESSAGES_PER_MINUTE", &config.Limits.MessagesPerMinute)
	envInt("PINGME_LIMITS_TYPING_PER_MINUTE", &config.Limits.TypingPerMinute)
	envInt("PINGME_LIMITS_GENERAL_PER_MINUTE", &config.Limits.GeneralPerMinute)
	envInt("PINGME_LIMITS_AUTH_PER_MINUTE", &config.Limits.AuthPerMinute)
	envInt("PINGME_LIMITS_FLOOD_FRAMES_PER_SECOND", &config.Limits.FloodFramesPerSecond)
	envInt("PINGME_LIMITS_FLOOD_BURST", &config.Limits.FloodBurst)
	envInt("PINGME_LIMITS_VIOLATION_LIMIT", &config.Limits.ViolationLimit)
	envInt("PINGME_LIMITS_WRITE_DEADLINE_SECONDS", &config.Limits.WriteDeadlineSeconds)

	// Heartbeat section
	envInt("PINGME_HEARTBEAT_INTERVAL_SECONDS", &config.Heartbeat.IntervalSeconds)
	envInt("PINGME_HEARTBEAT_TIMEOUT_SECONDS", &config.Heartbeat.TimeoutSeconds)

	// Typing section
	envInt("PINGME_TYPING_STOP_DELAY_SECONDS", &config.Typing.StopDelaySeconds)

	return config
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# PingMe Gateway Configuration
# This file was auto-generated with default values
# Restart the gateway for changes to take effect
#
# Environment variables can override these settings:
# PINGME_SECTION_KEY (e.g., PINGME_GATEWAY_LISTEN_ADDR=:9000)

[gateway]
# Address for the public WebSocket listener (/ws)
listen_addr = ":8080"

# Address for the internal metrics listener (/metrics, /health)
# Keep this bound to localhost - it is not authenticated
metrics_addr = "127.0.0.1:9090"

# Path to SQLite database file
database_path = "~/.pingme/gateway.db"

# HMAC secret for verifying access tokens (required)
# jwt_secret = "change-me"

[limits]
# Maximum inbound frame size in bytes
max_frame_bytes = 65536

# Maximum message content length in characters
max_content_chars = 1000

# Per-user sliding-window capacities (per minute)
messages_per_minute = 50
typing_per_minute = 30
general_per_minute = 150
auth_per_minute = 5

# Per-connection flood guard (frames per second, burst)
flood_frames_per_second = 25
flood_burst = 50

# Protocol violations before the connection is closed
violation_limit = 5

# Per-frame write deadline in seconds
write_deadline_seconds = 5

[heartbeat]
# How often clients are expected to ping
interval_seconds = 30

# Connections silent longer than this are evicted
timeout_seconds = 60

[typing]
# Typing indicators auto-stop after this many seconds without a refresh
stop_delay_seconds = 5
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
