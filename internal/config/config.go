package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Timing     TimingConfig     `yaml:"timing"`
	Connection ConnectionConfig `yaml:"connection"`
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	Server     ServerConfig     `yaml:"server"`
	LogLevel   string           `yaml:"log_level"`
}

// DeviceConfig selects the peripheral.
type DeviceConfig struct {
	NameFilter  string `yaml:"name_filter"`
	Address     string `yaml:"address"` // fixed address; skips discovery when set
	AutoConnect bool   `yaml:"auto_connect"`
}

// TimingConfig holds write-debounce and session timers.
type TimingConfig struct {
	SettingsDelay    Duration `yaml:"settings_delay"`
	StyleDelay       Duration `yaml:"style_delay"`
	SerialDelay      Duration `yaml:"serial_delay"`
	SettingsCooldown Duration `yaml:"settings_cooldown"`
	SerialCooldown   Duration `yaml:"serial_cooldown"`
	LivenessInterval Duration `yaml:"liveness_interval"`
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	ScanWindow       Duration `yaml:"scan_window"`
	ScanRetryMax     Duration `yaml:"scan_retry_max"`
}

// ConnectionConfig holds the preferred link parameters.
type ConnectionConfig struct {
	MinInterval  Duration `yaml:"min_interval"`
	MaxInterval  Duration `yaml:"max_interval"`
	Timeout      Duration `yaml:"timeout"`       // supervision timeout after connect
	ReadyTimeout Duration `yaml:"ready_timeout"` // supervision timeout once ready
}

// BluetoothConfig holds host adapter settings.
type BluetoothConfig struct {
	Adapter string `yaml:"adapter"` // BlueZ adapter name, used for the power probe
}

// ServerConfig holds the UI bridge settings.
type ServerConfig struct {
	Listen string `yaml:"listen"` // empty disables the server
}

// Duration is a time.Duration written as a Go duration string ("20ms").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "eqlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NameFilter:  "HM-10",
			AutoConnect: true,
		},
		Timing: TimingConfig{
			SettingsDelay:    Duration(20 * time.Millisecond),
			StyleDelay:       Duration(20 * time.Millisecond),
			SerialDelay:      Duration(10 * time.Millisecond),
			SettingsCooldown: Duration(30 * time.Millisecond),
			SerialCooldown:   Duration(50 * time.Millisecond),
			LivenessInterval: Duration(time.Second),
			ConnectTimeout:   Duration(10 * time.Second),
			ScanWindow:       Duration(10 * time.Second),
			ScanRetryMax:     Duration(30 * time.Second),
		},
		Connection: ConnectionConfig{
			MinInterval:  Duration(7500 * time.Microsecond),
			MaxInterval:  Duration(10 * time.Millisecond),
			Timeout:      Duration(30 * time.Second),
			ReadyTimeout: Duration(20 * time.Second),
		},
		Bluetooth: BluetoothConfig{
			Adapter: "hci0",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8765",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := append([]byte("# eqlink configuration\n"), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// BLE link-layer bounds for connection parameters.
const (
	minConnInterval    = 7500 * time.Microsecond
	maxConnInterval    = 4 * time.Second
	minSupervisionTime = 100 * time.Millisecond
	maxSupervisionTime = 32 * time.Second
)

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" && c.Device.NameFilter == "" {
		return fmt.Errorf("device.name_filter must not be empty when device.address is unset")
	}

	timers := []struct {
		name string
		d    Duration
	}{
		{"timing.settings_delay", c.Timing.SettingsDelay},
		{"timing.style_delay", c.Timing.StyleDelay},
		{"timing.serial_delay", c.Timing.SerialDelay},
		{"timing.settings_cooldown", c.Timing.SettingsCooldown},
		{"timing.serial_cooldown", c.Timing.SerialCooldown},
		{"timing.liveness_interval", c.Timing.LivenessInterval},
		{"timing.connect_timeout", c.Timing.ConnectTimeout},
		{"timing.scan_window", c.Timing.ScanWindow},
	}
	for _, tm := range timers {
		if tm.d <= 0 {
			return fmt.Errorf("%s must be > 0", tm.name)
		}
	}
	if c.Timing.ScanRetryMax.Std() < time.Second {
		return fmt.Errorf("timing.scan_retry_max must be at least 1s, got %s", c.Timing.ScanRetryMax)
	}

	conn := c.Connection
	if conn.MinInterval.Std() < minConnInterval || conn.MaxInterval.Std() > maxConnInterval {
		return fmt.Errorf("connection intervals must be within %s-%s", minConnInterval, maxConnInterval)
	}
	if conn.MinInterval > conn.MaxInterval {
		return fmt.Errorf("connection.min_interval (%s) must not exceed connection.max_interval (%s)", conn.MinInterval, conn.MaxInterval)
	}
	for name, d := range map[string]Duration{"connection.timeout": conn.Timeout, "connection.ready_timeout": conn.ReadyTimeout} {
		if d.Std() < minSupervisionTime || d.Std() > maxSupervisionTime {
			return fmt.Errorf("%s must be within %s-%s, got %s", name, minSupervisionTime, maxSupervisionTime, d)
		}
	}

	if c.Bluetooth.Adapter == "" {
		return fmt.Errorf("bluetooth.adapter must not be empty")
	}

	if c.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("server.listen: %w", err)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
