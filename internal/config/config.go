// Package config provides YAML-with-defaults configuration loading for the
// walletmuxd daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the wallet multiplexer daemon.
type Config struct {
	// Storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Upstream is the single upstream wallet this daemon fans out.
	Upstream UpstreamConfig `yaml:"upstream"`

	// Relays are the default relay URLs the daemon connects to, merged with
	// any relay= parameters embedded in Upstream.ConnectURI.
	Relays []string `yaml:"relays"`

	// Admin holds the operator JSON-RPC façade settings.
	Admin AdminConfig `yaml:"admin"`

	// Sweeper holds the expiry sweeper's poll interval.
	Sweeper SweeperConfig `yaml:"sweeper"`

	// Timeouts holds per-operation upstream call budgets (spec §4.6).
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds ledger storage settings.
type StorageConfig struct {
	// DataDir is the directory for the SQLite ledger and config file.
	DataDir string `yaml:"data_dir"`

	// MasterKeyEnv names the environment variable holding the vault master
	// key. The key itself is never read from or written to this file.
	MasterKeyEnv string `yaml:"master_key_env"`
}

// UpstreamConfig holds the single upstream wallet connection.
type UpstreamConfig struct {
	// ConnectURI is the nostr+walletconnect:// URI of the upstream wallet.
	ConnectURI string `yaml:"connect_uri"`
}

// AdminConfig holds the operator JSON-RPC façade's listen address.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// SweeperConfig holds the expiry sweeper's poll interval.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// TimeoutsConfig holds per-operation upstream call budgets (spec §4.6).
type TimeoutsConfig struct {
	Info    time.Duration `yaml:"info"`
	Balance time.Duration `yaml:"balance"`
	Make    time.Duration `yaml:"make"`
	Lookup  time.Duration `yaml:"lookup"`
	Pay     time.Duration `yaml:"pay"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:      "~/.walletmux",
			MasterKeyEnv: "STORAGE_MASTER_KEY",
		},
		Upstream: UpstreamConfig{},
		Relays:   []string{},
		Admin: AdminConfig{
			Addr: "127.0.0.1:8090",
		},
		Sweeper: SweeperConfig{
			Interval: 60 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Info:    15 * time.Second,
			Balance: 15 * time.Second,
			Make:    20 * time.Second,
			Lookup:  20 * time.Second,
			Pay:     60 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load loads configuration from a YAML file in dataDir. If the file doesn't
// exist, it creates one with default values (plus dataDir itself, so a fresh
// --data-dir always produces an inspectable config on first run).
func Load(dataDir string) (*Config, error) {
	expanded := ExpandPath(dataDir)
	configPath := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("config: create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating its directory if
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	header := []byte("# walletmuxd configuration\n# Generated automatically on first run. The vault master key is never\n# stored here -- it is read from the environment variable named by\n# storage.master_key_env.\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

// Path returns the full path to the config file for the given data directory.
func Path(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
