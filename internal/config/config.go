// Package config holds the daemon-mode YAML configuration and its
// PROBED_*-prefixed environment overrides. CLI flags remain the source of
// truth for one-shot server/client mode (bound directly via cobra/pflag in
// cmd/probed); this package is only consulted in daemon mode.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds daemon-wide settings plus the probe session list.
type ServerConfig struct {
	Port     int            `yaml:"port"`
	TsMode   string         `yaml:"ts_mode"`
	Iface    string         `yaml:"iface"`
	HTTPPort int            `yaml:"http_port"`
	DBPath   string         `yaml:"db_path"`
	PipePath string         `yaml:"pipe_path"`
	Sessions []SessionEntry `yaml:"sessions"`
}

// SessionEntry is one probe target as it appears in the YAML document:
// one entry per session (id, address, interval, dscp).
type SessionEntry struct {
	ID       uint32 `yaml:"id"`
	Address  string `yaml:"address"`
	Interval string `yaml:"interval"`
	Dscp     uint8  `yaml:"dscp"`
}

// DefaultConfig returns the zero-config daemon defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:     60666,
		TsMode:   "userland",
		HTTPPort: 8080,
		DBPath:   "probed.db",
	}
}

// Load builds a ServerConfig from defaults, then a YAML file at path (if
// non-empty), then PROBED_* environment overrides, in that order.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *ServerConfig) {
	if v := os.Getenv("PROBED_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("PROBED_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROBED_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("PROBED_TS_MODE"); v != "" {
		cfg.TsMode = v
	}
	if v := os.Getenv("PROBED_IFACE"); v != "" {
		cfg.Iface = v
	}
	if v := os.Getenv("PROBED_PIPE_PATH"); v != "" {
		cfg.PipePath = v
	}
}
