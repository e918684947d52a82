// Package appconfig manages application configuration and durable state paths.
package appconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/muxtun/muxtun/internal/util"
)

// EnvStartPort overrides the default starting local port for `add` when no
// explicit start port is given.
const EnvStartPort = "MUXTUN_START_PORT"

// Config holds application-level configuration.
type Config struct {
	DefaultStartPort      uint16 `yaml:"default_start_port"`
	SSHBinary             string `yaml:"ssh_binary"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DefaultStartPort:      4000,
		SSHBinary:             "ssh",
		ConnectTimeoutSeconds: 10,
	}
}

// StateDir returns the application state directory path.
// Uses XDG_STATE_HOME if set, otherwise ~/.local/state/muxtun.
func StateDir() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "muxtun"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".local", "state", "muxtun"), nil
}

// SocketsDir returns the directory holding control sockets, keyed by host id.
func SocketsDir() (string, error) {
	d, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "sockets"), nil
}

// RegistryDir returns the directory holding registry files, keyed by host id.
func RegistryDir() (string, error) {
	d, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "registry"), nil
}

// ProfilesDir returns the directory holding saved profiles, keyed by name.
func ProfilesDir() (string, error) {
	d, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "profiles"), nil
}

// EventsFilePath returns the full path to the lifecycle event journal.
func EventsFilePath() (string, error) {
	d, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// EnsureDirs creates the state directory tree if it does not exist.
func EnsureDirs() error {
	for _, f := range []func() (string, error){SocketsDir, RegistryDir, ProfilesDir} {
		d, err := f()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// Load reads config.yaml from the state directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := StateDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.DefaultStartPort == 0 {
		cfg.DefaultStartPort = 4000
	}
	if cfg.SSHBinary == "" {
		cfg.SSHBinary = "ssh"
	}
	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = 10
	}
	return cfg, nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := StateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d, "config.yaml"), b, 0o600)
}

// StartPort resolves the default starting port, applying the environment
// override when present. Malformed overrides are ignored with a warning.
func StartPort(cfg Config) uint16 {
	v := os.Getenv(EnvStartPort)
	if v == "" {
		return cfg.DefaultStartPort
	}
	p, err := strconv.Atoi(v)
	if err != nil || util.ValidatePort(p) != nil {
		slog.Warn("ignoring invalid start port override", "env", EnvStartPort, "value", v)
		return cfg.DefaultStartPort
	}
	return uint16(p)
}
