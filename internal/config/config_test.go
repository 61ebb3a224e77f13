package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.MasterKeyEnv != "STORAGE_MASTER_KEY" {
		t.Errorf("expected STORAGE_MASTER_KEY, got %s", cfg.Storage.MasterKeyEnv)
	}
	if cfg.Admin.Addr != "127.0.0.1:8090" {
		t.Errorf("expected 127.0.0.1:8090, got %s", cfg.Admin.Addr)
	}
	if cfg.Sweeper.Interval != 60*time.Second {
		t.Errorf("expected 60s sweeper interval, got %v", cfg.Sweeper.Interval)
	}
	if cfg.Timeouts.Pay != 60*time.Second {
		t.Errorf("expected 60s pay timeout, got %v", cfg.Timeouts.Pay)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "walletmux-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("expected DataDir %s, got %s", tmpDir, cfg.Storage.DataDir)
	}
}

func TestLoadReadsExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "walletmux-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	custom := `storage:
  data_dir: ` + tmpDir + `
  master_key_env: CUSTOM_MASTER_KEY
upstream:
  connect_uri: nostr+walletconnect://abc?relay=wss://relay.example.com
relays:
  - wss://relay.example.com
admin:
  addr: 0.0.0.0:9090
logging:
  level: debug
`
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(custom), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.MasterKeyEnv != "CUSTOM_MASTER_KEY" {
		t.Errorf("expected CUSTOM_MASTER_KEY, got %s", cfg.Storage.MasterKeyEnv)
	}
	if cfg.Admin.Addr != "0.0.0.0:9090" {
		t.Errorf("expected 0.0.0.0:9090, got %s", cfg.Admin.Addr)
	}
	if len(cfg.Relays) != 1 || cfg.Relays[0] != "wss://relay.example.com" {
		t.Errorf("unexpected relays: %v", cfg.Relays)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Logging.Level)
	}
}

func TestConfigSave(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "walletmux-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"

	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "# walletmuxd configuration") {
		t.Error("config file missing header comment")
	}
	if !strings.Contains(content, "level: debug") {
		t.Error("config file missing logging level")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.walletmux", filepath.Join(home, ".walletmux")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.expected {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		dataDir  string
		expected string
	}{
		{"~/.walletmux", filepath.Join(home, ".walletmux", ConfigFileName)},
		{"/tmp/test", filepath.Join("/tmp/test", ConfigFileName)},
	}

	for _, tt := range tests {
		got := Path(tt.dataDir)
		if got != tt.expected {
			t.Errorf("Path(%q) = %q, want %q", tt.dataDir, got, tt.expected)
		}
	}
}
