// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for courier.
//
// Configuration comes from ~/.courier/config.toml with built-in defaults
// and COURIER_* environment variable overrides applied on top. Durations
// are clamped to safe ranges rather than rejected, so a hand-edited file
// can never leave the client without working delivery settings.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/courier/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete courier configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Delivery DeliveryConfig `toml:"delivery"`
	Recovery RecoveryConfig `toml:"recovery"`
	Duplex   DuplexConfig   `toml:"duplex"`
	Storage  StorageConfig  `toml:"storage"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	// BaseURL is the HTTP origin for the stream and request endpoints.
	BaseURL string `toml:"base_url"`
	// WSURL is the websocket endpoint for the duplex channel. Derived
	// from BaseURL when empty.
	WSURL string `toml:"ws_url"`
	// UserAgent identifies this client to the server.
	UserAgent string `toml:"user_agent"`
}

// DeliveryConfig tunes per-turn behavior.
type DeliveryConfig struct {
	// TurnTimeoutSecs bounds how long a turn may run with no terminal
	// event before it is failed locally. Clamped to 30-600.
	TurnTimeoutSecs int `toml:"turn_timeout_secs"`
	// HistoryLimit is the per-session message retention cap. Clamped to
	// 20-2000.
	HistoryLimit int `toml:"history_limit"`
}

// RecoveryConfig tunes pending-marker reconciliation.
type RecoveryConfig struct {
	// MarkerCeilingSecs is the marker age beyond which recovery is
	// abandoned without a lookup. Clamped to 60-1800.
	MarkerCeilingSecs int `toml:"marker_ceiling_secs"`
	// PollIntervalMS paces recovery lookups. Clamped to 1000-10000.
	PollIntervalMS int `toml:"poll_interval_ms"`
	// MaxAttempts bounds one recovery cycle. Clamped to 1-30.
	MaxAttempts int `toml:"max_attempts"`
}

// DuplexConfig tunes the websocket channel.
type DuplexConfig struct {
	// KeepaliveSecs is the ping interval. Clamped to 5-120.
	KeepaliveSecs int `toml:"keepalive_secs"`
	// InitialBackoffMS is the first reconnect delay. Clamped to 250-10000.
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	// MaxBackoffMS caps the reconnect delay. Clamped to InitialBackoffMS-120000.
	MaxBackoffMS int `toml:"max_backoff_ms"`
}

// StorageConfig locates local persistence.
type StorageConfig struct {
	// DBPath is the SQLite database path (empty = ~/.courier/courier.db).
	DBPath string `toml:"db_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:   "http://127.0.0.1:8080",
			UserAgent: "courier/1.0",
		},
		Delivery: DeliveryConfig{
			TurnTimeoutSecs: 180,
			HistoryLimit:    200,
		},
		Recovery: RecoveryConfig{
			MarkerCeilingSecs: 300,
			PollIntervalMS:    2500,
			MaxAttempts:       8,
		},
		Duplex: DuplexConfig{
			KeepaliveSecs:    25,
			InitialBackoffMS: 1000,
			MaxBackoffMS:     30000,
		},
		Storage: StorageConfig{},
	}
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Delivery.TurnTimeoutSecs) * time.Second
}

// MarkerCeiling is the recovery abandonment age.
func (c *Config) MarkerCeiling() time.Duration {
	return time.Duration(c.Recovery.MarkerCeilingSecs) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Recovery.PollIntervalMS) * time.Millisecond
}

func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.Duplex.KeepaliveSecs) * time.Second
}

func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Duplex.InitialBackoffMS) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Duplex.MaxBackoffMS) * time.Millisecond
}

// DuplexURL returns the websocket endpoint, deriving ws:// or wss:// from
// the base URL when no explicit ws_url is configured.
func (c *Config) DuplexURL() string {
	if c.Server.WSURL != "" {
		return c.Server.WSURL
	}
	u := c.Server.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimRight(u, "/") + "/api/chat/ws"
}

// DatabasePath resolves the SQLite path, defaulting under the config dir.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "courier.db"), nil
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// ConfigDir returns the courier configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".courier"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD
// =============================================================================

// Load loads configuration from the default config file. Missing file is
// not an error; defaults plus environment overrides are returned.
// CONFIG: values are clamped, not rejected, so startup always succeeds.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.Clamp()
		return cfg, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, statErr := os.Stat(path); statErr == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Clamp()
	return cfg, nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML file.
// RELIABILITY: Atomic write with fsync prevents a torn config on crash.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# courier configuration file")
	fmt.Fprintln(&buf, "# Generated by courier - edit with care")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the fields that cannot be clamped into shape.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: "must not be empty",
		})
	} else if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: fmt.Sprintf("invalid URL %q", c.Server.BaseURL),
		})
	}

	if c.Server.WSURL != "" {
		u, err := url.Parse(c.Server.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, ValidationError{
				Field:   "server.ws_url",
				Message: fmt.Sprintf("must be a ws:// or wss:// URL, got %q", c.Server.WSURL),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clamp forces every tunable into its documented range. Zero values take
// the default before clamping, so a sparse file behaves like defaults.
func (c *Config) Clamp() {
	d := Default()

	clampInt(&c.Delivery.TurnTimeoutSecs, d.Delivery.TurnTimeoutSecs, 30, 600)
	clampInt(&c.Delivery.HistoryLimit, d.Delivery.HistoryLimit, 20, 2000)
	clampInt(&c.Recovery.MarkerCeilingSecs, d.Recovery.MarkerCeilingSecs, 60, 1800)
	clampInt(&c.Recovery.PollIntervalMS, d.Recovery.PollIntervalMS, 1000, 10000)
	clampInt(&c.Recovery.MaxAttempts, d.Recovery.MaxAttempts, 1, 30)
	clampInt(&c.Duplex.KeepaliveSecs, d.Duplex.KeepaliveSecs, 5, 120)
	clampInt(&c.Duplex.InitialBackoffMS, d.Duplex.InitialBackoffMS, 250, 10000)
	clampInt(&c.Duplex.MaxBackoffMS, d.Duplex.MaxBackoffMS, c.Duplex.InitialBackoffMS, 120000)

	if c.Server.UserAgent == "" {
		c.Server.UserAgent = d.Server.UserAgent
	}
}

func clampInt(v *int, def, min, max int) {
	if *v == 0 {
		*v = def
	}
	if *v < min {
		*v = min
	}
	if *v > max {
		*v = max
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - COURIER_BASE_URL: overrides server.base_url
//   - COURIER_WS_URL: overrides server.ws_url
//   - COURIER_DB_PATH: overrides storage.db_path
//   - COURIER_TURN_TIMEOUT_SECS: overrides delivery.turn_timeout_secs
//   - COURIER_HISTORY_LIMIT: overrides delivery.history_limit
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COURIER_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("COURIER_WS_URL"); v != "" {
		c.Server.WSURL = v
	}
	if v := os.Getenv("COURIER_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("COURIER_TURN_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.TurnTimeoutSecs = n
		}
	}
	if v := os.Getenv("COURIER_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.HistoryLimit = n
		}
	}
}
