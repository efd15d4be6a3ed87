// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for rbum components.
//
// Configuration is loaded from a single YAML file specified by:
//   - RBUM_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. A permission system
// with hidden configuration overrides is not auditable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpy-dev-ml/rbum/lib/trust"
)

// Config is the master configuration for rbum.
type Config struct {
	// Store configures the credential store.
	Store StoreConfig `yaml:"store"`

	// Helper configures the privileged helper daemon.
	Helper HelperConfig `yaml:"helper"`

	// Timeouts configures operation bounds.
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// StoreConfig configures the on-disk credential store.
type StoreConfig struct {
	// BaseDirectory is where encrypted entries and the store
	// identity live. Required.
	BaseDirectory string `yaml:"base_directory"`

	// AccessGroup is the group name entries are shared under.
	// Required; entries saved under other groups are invisible to
	// this deployment.
	AccessGroup string `yaml:"access_group"`
}

// HelperConfig configures the privileged helper daemon and its
// clients.
type HelperConfig struct {
	// SocketPath is the Unix socket the helper listens on. Required
	// for the helper and for clients.
	SocketPath string `yaml:"socket_path"`

	// ExpectedClientDigests lists the hex SHA256 digests of client
	// executables allowed to call the helper. An empty list rejects
	// every caller.
	ExpectedClientDigests []string `yaml:"expected_client_digests"`
}

// TimeoutConfig bounds store, resolution, and subprocess work.
type TimeoutConfig struct {
	// OperationSeconds bounds each token or store operation. Zero
	// uses the bookmark manager's default.
	OperationSeconds int `yaml:"operation_seconds"`

	// ExecuteSeconds bounds a helper-run subprocess. Zero uses the
	// runner's default.
	ExecuteSeconds int `yaml:"execute_seconds"`

	// GracePeriodSeconds is how long a timed-out subprocess gets
	// between SIGTERM and SIGKILL. Zero kills immediately.
	GracePeriodSeconds int `yaml:"grace_period_seconds"`
}

// OperationTimeout returns the configured operation bound as a
// duration, zero when unset.
func (t TimeoutConfig) OperationTimeout() time.Duration {
	return time.Duration(t.OperationSeconds) * time.Second
}

// ExecuteTimeout returns the configured subprocess bound as a
// duration, zero when unset.
func (t TimeoutConfig) ExecuteTimeout() time.Duration {
	return time.Duration(t.ExecuteSeconds) * time.Second
}

// GracePeriod returns the configured SIGTERM grace as a duration.
func (t TimeoutConfig) GracePeriod() time.Duration {
	return time.Duration(t.GracePeriodSeconds) * time.Second
}

// ClientDigests parses the expected client digest strings.
func (h HelperConfig) ClientDigests() ([]trust.Digest, error) {
	digests := make([]trust.Digest, 0, len(h.ExpectedClientDigests))
	for _, raw := range h.ExpectedClientDigests {
		digest, err := trust.ParseDigest(raw)
		if err != nil {
			return nil, fmt.Errorf("expected_client_digests entry %q: %w", raw, err)
		}
		digests = append(digests, digest)
	}
	return digests, nil
}

// Load loads configuration from the RBUM_CONFIG environment variable.
// There are no fallbacks: if RBUM_CONFIG is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("RBUM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("RBUM_CONFIG environment variable not set; " +
			"set it to the path of your rbum.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables do not override
// its values. ${HOME} in paths is expanded for portability.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that required fields are present and parseable.
func (c *Config) Validate() error {
	if c.Store.BaseDirectory == "" {
		return fmt.Errorf("store.base_directory is required")
	}
	if !filepath.IsAbs(c.Store.BaseDirectory) {
		return fmt.Errorf("store.base_directory must be absolute, got %q", c.Store.BaseDirectory)
	}
	if c.Store.AccessGroup == "" {
		return fmt.Errorf("store.access_group is required")
	}
	if c.Helper.SocketPath == "" {
		return fmt.Errorf("helper.socket_path is required")
	}
	if _, err := c.Helper.ClientDigests(); err != nil {
		return fmt.Errorf("helper: %w", err)
	}
	for name, seconds := range map[string]int{
		"timeouts.operation_seconds":    c.Timeouts.OperationSeconds,
		"timeouts.execute_seconds":      c.Timeouts.ExecuteSeconds,
		"timeouts.grace_period_seconds": c.Timeouts.GracePeriodSeconds,
	} {
		if seconds < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// expandVariables expands ${HOME} in path fields.
func (c *Config) expandVariables() {
	home := os.Getenv("HOME")
	expand := func(path string) string {
		return strings.ReplaceAll(path, "${HOME}", home)
	}
	c.Store.BaseDirectory = expand(c.Store.BaseDirectory)
	c.Helper.SocketPath = expand(c.Helper.SocketPath)
}
