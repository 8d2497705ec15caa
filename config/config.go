// Package config loads launcher settings from defaults, an optional YAML
// file and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tomyedwab/harproxy/installer"
)

const (
	EnvHome             = "HARPROXY_HOME"
	EnvBundle           = "HARPROXY_BUNDLE"
	EnvReadinessTimeout = "HARPROXY_READINESS_TIMEOUT"
	EnvLedger           = "HARPROXY_LEDGER"
	EnvDefaultPort      = "HARPROXY_DEFAULT_PORT"

	DefaultPort             = 8080
	DefaultHost             = "localhost"
	DefaultReadinessTimeout = 20 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
)

// Config holds everything the launcher needs.
type Config struct {
	// Home is the directory holding the install dir and per-port logs.
	Home string
	// Bundle is the zip archive of the proxy distribution.
	Bundle string
	// Host is the host the control API is reached on.
	Host             string
	DefaultPort      int
	ReadinessTimeout time.Duration
	PollInterval     time.Duration
	// Ledger is a sqlite file recording session events. Empty disables it.
	Ledger string
}

// file mirrors the YAML layout. Durations are strings ("20s").
type file struct {
	Home             string `yaml:"home"`
	Bundle           string `yaml:"bundle"`
	Host             string `yaml:"host"`
	DefaultPort      int    `yaml:"default_port"`
	ReadinessTimeout string `yaml:"readiness_timeout"`
	PollInterval     string `yaml:"poll_interval"`
	Ledger           string `yaml:"ledger"`
}

// Default returns the built-in settings. Home is empty when the user's
// home directory cannot be resolved.
func Default() Config {
	home, _ := installer.DefaultBaseDir()
	return Config{
		Home:             home,
		Host:             DefaultHost,
		DefaultPort:      DefaultPort,
		ReadinessTimeout: DefaultReadinessTimeout,
		PollInterval:     DefaultPollInterval,
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyYAML(data []byte) error {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return err
	}
	if f.Home != "" {
		c.Home = f.Home
	}
	if f.Bundle != "" {
		c.Bundle = f.Bundle
	}
	if f.Host != "" {
		c.Host = f.Host
	}
	if f.DefaultPort != 0 {
		c.DefaultPort = f.DefaultPort
	}
	if f.Ledger != "" {
		c.Ledger = f.Ledger
	}
	if f.ReadinessTimeout != "" {
		d, err := time.ParseDuration(f.ReadinessTimeout)
		if err != nil {
			return fmt.Errorf("readiness_timeout: %w", err)
		}
		c.ReadinessTimeout = d
	}
	if f.PollInterval != "" {
		d, err := time.ParseDuration(f.PollInterval)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		c.PollInterval = d
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHome); ok && v != "" {
		c.Home = v
	}
	if v, ok := lookup(EnvBundle); ok && v != "" {
		c.Bundle = v
	}
	if v, ok := lookup(EnvLedger); ok && v != "" {
		c.Ledger = v
	}
	if v, ok := lookup(EnvReadinessTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReadinessTimeout, err)
		}
		c.ReadinessTimeout = d
	}
	if v, ok := lookup(EnvDefaultPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDefaultPort, err)
		}
		c.DefaultPort = port
	}
	return nil
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory is not set")
	}
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		return fmt.Errorf("invalid default port %d", c.DefaultPort)
	}
	if c.ReadinessTimeout <= 0 {
		return fmt.Errorf("readiness timeout must be positive, got %s", c.ReadinessTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
