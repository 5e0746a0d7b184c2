// Package config loads daemon configuration. Precedence, lowest to
// highest: built-in defaults, the optional YAML file, HOSTCAP_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Platform PlatformConfig `yaml:"platform"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `envconfig:"HOSTCAP_HOST" yaml:"host"`
	Port            int           `envconfig:"HOSTCAP_PORT" yaml:"port"`
	MaxConns        int           `envconfig:"HOSTCAP_MAX_CONNS" yaml:"max_conns"`
	ShutdownTimeout time.Duration `envconfig:"HOSTCAP_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level       string `envconfig:"HOSTCAP_LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"HOSTCAP_LOG_DEV" yaml:"development"`
}

// BridgeConfig controls the WebSocket capability bridge.
type BridgeConfig struct {
	// AllowedNames holds doublestar patterns matched against the
	// logical names of pipes, shared memory and sync objects. Empty
	// allows every name.
	AllowedNames []string `envconfig:"HOSTCAP_ALLOWED_NAMES" yaml:"allowed_names"`

	// AllowedPaths holds doublestar patterns for file mapping paths.
	// Empty denies every path.
	AllowedPaths []string `envconfig:"HOSTCAP_ALLOWED_PATHS" yaml:"allowed_paths"`

	// RatePerSec and RateBurst bound operations per connection.
	RatePerSec float64 `envconfig:"HOSTCAP_RATE_PER_SEC" yaml:"rate_per_sec"`
	RateBurst  int     `envconfig:"HOSTCAP_RATE_BURST" yaml:"rate_burst"`

	WriteTimeout time.Duration `envconfig:"HOSTCAP_WRITE_TIMEOUT" yaml:"write_timeout"`
}

// LedgerConfig controls the named-resource ledger.
type LedgerConfig struct {
	Path  string `envconfig:"HOSTCAP_LEDGER_PATH" yaml:"path"` // empty disables the ledger
	Sweep bool   `envconfig:"HOSTCAP_LEDGER_SWEEP" yaml:"sweep"`
}

// PlatformConfig controls provider selection.
type PlatformConfig struct {
	// Override forces a platform instead of detection. "sim" runs the
	// in-memory simulation providers.
	Override string `envconfig:"HOSTCAP_PLATFORM" yaml:"override"`
	Metrics  bool   `envconfig:"HOSTCAP_METRICS" yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9700,
			MaxConns:        256,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Bridge: BridgeConfig{
			RatePerSec:   2000,
			RateBurst:    4000,
			WriteTimeout: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			Sweep: true,
		},
		Platform: PlatformConfig{
			Metrics: true,
		},
	}
}

// Load builds configuration from defaults, then the YAML file at path
// when path is non-empty, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads like Load but falls back to Default on any
// failure.
func LoadOrDefault(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}
