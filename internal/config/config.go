package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transmission interval bounds. The floor is the duty-cycle fair-use limit
// of the downstream long-range relay and applies to every input path.
const (
	MinIntervalMs     = 60000
	MaxIntervalMs     = 600000
	DefaultIntervalMs = 60000
	IntervalStepMs    = 100
)

// ErrIntervalOutOfRange is returned for intervals outside
// [MinIntervalMs, MaxIntervalMs] or not a multiple of IntervalStepMs.
var ErrIntervalOutOfRange = errors.New("config: interval out of range")

// Config holds all application configuration.
type Config struct {
	Mode         string       `yaml:"mode"` // "advertise" or "scan"
	IntervalMs   int          `yaml:"interval_ms"`
	IdentityPath string       `yaml:"identity_path"`
	LogLevel     string       `yaml:"log_level"`
	BLE          BLEConfig    `yaml:"ble"`
	GPS          GPSConfig    `yaml:"gps"`
	MQTT         MQTTConfig   `yaml:"mqtt"`
	Status       StatusConfig `yaml:"status"`
}

// BLEConfig holds radio settings for both roles.
type BLEConfig struct {
	ScanTimeoutMs         int    `yaml:"scan_timeout_ms"`
	Target                string `yaml:"target"` // address to auto-connect in scan mode
	VerifySettleMs        int    `yaml:"verify_settle_ms"`
	RequireBLEPermissions bool   `yaml:"require_ble_permissions"`
}

// GPSConfig selects and configures the positioning provider.
type GPSConfig struct {
	Source       string `yaml:"source"` // "nmea" or "demo"
	Port         string `yaml:"port"`
	BaudRate     int    `yaml:"baud_rate"`
	FixTimeoutMs int    `yaml:"fix_timeout_ms"`
}

// MQTTConfig configures the optional event mirror.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// StatusConfig configures the optional HTTP/WebSocket status feed.
type StatusConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gps-relay")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	identityPath := filepath.Join(home, ".local", "share", "gps-relay", "identity.yaml")

	return &Config{
		Mode:         "advertise",
		IntervalMs:   DefaultIntervalMs,
		IdentityPath: identityPath,
		LogLevel:     "info",
		BLE: BLEConfig{
			ScanTimeoutMs:         15000,
			VerifySettleMs:        200,
			RequireBLEPermissions: true,
		},
		GPS: GPSConfig{
			Source:       "nmea",
			Port:         "/dev/serial0",
			BaudRate:     9600,
			FixTimeoutMs: 10000,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "gps-relay",
			TopicPrefix: "gps-relay",
		},
		Status: StatusConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in identity_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.IdentityPath = expandTilde(cfg.IdentityPath)

	return cfg, nil
}

const defaultHeader = `# gps-relay configuration
# mode: advertise (GATT peripheral) or scan (GATT central)
# interval_ms: transmission interval, 60000-600000 in steps of 100
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Mode {
	case "advertise", "scan":
	default:
		return fmt.Errorf("mode must be \"advertise\" or \"scan\", got %q", c.Mode)
	}

	if err := ValidateInterval(c.IntervalMs); err != nil {
		return fmt.Errorf("interval_ms: %w", err)
	}

	if c.BLE.ScanTimeoutMs <= 0 {
		return fmt.Errorf("ble.scan_timeout_ms must be > 0")
	}
	if c.BLE.VerifySettleMs < 0 {
		return fmt.Errorf("ble.verify_settle_ms must be >= 0")
	}

	switch c.GPS.Source {
	case "nmea":
		if c.GPS.Port == "" {
			return fmt.Errorf("gps.port must not be empty for the nmea source")
		}
		if c.GPS.BaudRate <= 0 {
			return fmt.Errorf("gps.baud_rate must be > 0")
		}
	case "demo":
	default:
		return fmt.Errorf("gps.source must be \"nmea\" or \"demo\", got %q", c.GPS.Source)
	}
	if c.GPS.FixTimeoutMs <= 0 {
		return fmt.Errorf("gps.fix_timeout_ms must be > 0")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt is enabled")
		}
	}

	if c.Status.Enabled && c.Status.ListenAddr == "" {
		return fmt.Errorf("status.listen_addr must not be empty when status is enabled")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Interval returns the transmission interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// ValidateInterval enforces the duty-cycle bounds and step granularity.
func ValidateInterval(ms int) error {
	if ms < MinIntervalMs || ms > MaxIntervalMs {
		return fmt.Errorf("%w: %dms not in [%d, %d]", ErrIntervalOutOfRange, ms, MinIntervalMs, MaxIntervalMs)
	}
	if ms%IntervalStepMs != 0 {
		return fmt.Errorf("%w: %dms is not a multiple of %dms", ErrIntervalOutOfRange, ms, IntervalStepMs)
	}
	return nil
}

// ClampInterval rounds ms to the nearest step and clamps it into bounds.
func ClampInterval(ms int) int {
	ms = (ms + IntervalStepMs/2) / IntervalStepMs * IntervalStepMs
	if ms < MinIntervalMs {
		return MinIntervalMs
	}
	if ms > MaxIntervalMs {
		return MaxIntervalMs
	}
	return ms
}

// ParseLogLevel maps a log_level value to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
