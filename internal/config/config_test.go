package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.NameFilter != "HM-10" {
		t.Errorf("Device.NameFilter = %q, want %q", cfg.Device.NameFilter, "HM-10")
	}
	if !cfg.Device.AutoConnect {
		t.Error("Device.AutoConnect should default to true")
	}
	if cfg.Timing.SettingsDelay.Std() != 20*time.Millisecond {
		t.Errorf("Timing.SettingsDelay = %s, want 20ms", cfg.Timing.SettingsDelay)
	}
	if cfg.Timing.SerialDelay.Std() != 10*time.Millisecond {
		t.Errorf("Timing.SerialDelay = %s, want 10ms", cfg.Timing.SerialDelay)
	}
	if cfg.Timing.SettingsCooldown.Std() != 30*time.Millisecond {
		t.Errorf("Timing.SettingsCooldown = %s, want 30ms", cfg.Timing.SettingsCooldown)
	}
	if cfg.Timing.SerialCooldown.Std() != 50*time.Millisecond {
		t.Errorf("Timing.SerialCooldown = %s, want 50ms", cfg.Timing.SerialCooldown)
	}
	if cfg.Connection.MinInterval.Std() != 7500*time.Microsecond {
		t.Errorf("Connection.MinInterval = %s, want 7.5ms", cfg.Connection.MinInterval)
	}
	if cfg.Bluetooth.Adapter != "hci0" {
		t.Errorf("Bluetooth.Adapter = %q, want %q", cfg.Bluetooth.Adapter, "hci0")
	}
	if cfg.Server.Listen != "127.0.0.1:8765" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, "127.0.0.1:8765")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  address: "AA:BB:CC:DD:EE:FF"
  auto_connect: false
timing:
  settings_delay: 40ms
  liveness_interval: 2s
connection:
  ready_timeout: 25s
server:
  listen: ""
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Device.Address = %q, want %q", cfg.Device.Address, "AA:BB:CC:DD:EE:FF")
	}
	if cfg.Device.AutoConnect {
		t.Error("Device.AutoConnect = true, want false")
	}
	if cfg.Device.NameFilter != "HM-10" {
		t.Errorf("Device.NameFilter = %q, want default", cfg.Device.NameFilter)
	}
	if cfg.Timing.SettingsDelay.Std() != 40*time.Millisecond {
		t.Errorf("Timing.SettingsDelay = %s, want 40ms", cfg.Timing.SettingsDelay)
	}
	if cfg.Timing.StyleDelay.Std() != 20*time.Millisecond {
		t.Errorf("Timing.StyleDelay = %s, want default 20ms", cfg.Timing.StyleDelay)
	}
	if cfg.Timing.LivenessInterval.Std() != 2*time.Second {
		t.Errorf("Timing.LivenessInterval = %s, want 2s", cfg.Timing.LivenessInterval)
	}
	if cfg.Connection.ReadyTimeout.Std() != 25*time.Second {
		t.Errorf("Connection.ReadyTimeout = %s, want 25s", cfg.Connection.ReadyTimeout)
	}
	if cfg.Server.Listen != "" {
		t.Errorf("Server.Listen = %q, want empty", cfg.Server.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unparseable", "timing:\n  settings_delay: soon\n"},
		{"not a scalar", "timing:\n  settings_delay: [1, 2]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(cfgPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}
			if _, err := Load(cfgPath); err == nil {
				t.Error("Load() should reject an invalid duration")
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "fixed address without name filter",
			modify:  func(c *Config) { c.Device.NameFilter = ""; c.Device.Address = "AA:BB:CC:DD:EE:FF" },
			wantErr: false,
		},
		{
			name:    "no name filter and no address",
			modify:  func(c *Config) { c.Device.NameFilter = "" },
			wantErr: true,
		},
		{
			name:    "zero settings delay",
			modify:  func(c *Config) { c.Timing.SettingsDelay = 0 },
			wantErr: true,
		},
		{
			name:    "negative serial cooldown",
			modify:  func(c *Config) { c.Timing.SerialCooldown = Duration(-time.Millisecond) },
			wantErr: true,
		},
		{
			name:    "scan retry below one second",
			modify:  func(c *Config) { c.Timing.ScanRetryMax = Duration(500 * time.Millisecond) },
			wantErr: true,
		},
		{
			name:    "interval below link minimum",
			modify:  func(c *Config) { c.Connection.MinInterval = Duration(5 * time.Millisecond) },
			wantErr: true,
		},
		{
			name: "min interval above max",
			modify: func(c *Config) {
				c.Connection.MinInterval = Duration(20 * time.Millisecond)
				c.Connection.MaxInterval = Duration(10 * time.Millisecond)
			},
			wantErr: true,
		},
		{
			name:    "supervision timeout too long",
			modify:  func(c *Config) { c.Connection.Timeout = Duration(40 * time.Second) },
			wantErr: true,
		},
		{
			name:    "ready timeout too short",
			modify:  func(c *Config) { c.Connection.ReadyTimeout = Duration(50 * time.Millisecond) },
			wantErr: true,
		},
		{
			name:    "empty adapter",
			modify:  func(c *Config) { c.Bluetooth.Adapter = "" },
			wantErr: true,
		},
		{
			name:    "server disabled",
			modify:  func(c *Config) { c.Server.Listen = "" },
			wantErr: false,
		},
		{
			name:    "server listen without port",
			modify:  func(c *Config) { c.Server.Listen = "localhost" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "eqlink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# eqlink") {
		t.Error("written config should start with header comment")
	}
	if !strings.Contains(string(data), "min_interval: 7.5ms") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	// Should round-trip through Load
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
	if cfg.Timing.SerialCooldown.Std() != 50*time.Millisecond {
		t.Errorf("written Timing.SerialCooldown = %s, want 50ms", cfg.Timing.SerialCooldown)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if _, ok := raw["connection"]; !ok {
		t.Error("written config should contain a connection section")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "eqlink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
