// Package config provides YAML configuration loading and validation for the
// pbl-server boot service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for pbl-server.
type Config struct {
	// Device is the serial character device to open (e.g. "/dev/ttyUSB0").
	// Required.
	Device string `yaml:"device"`

	// Manifest is the path to the boot manifest listing the kernel and its
	// modules. Required.
	Manifest string `yaml:"manifest"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// OpenRetryDelay is how long to wait between retries when the serial
	// device is absent or its permissions have not yet settled. Defaults to
	// 1s when omitted.
	OpenRetryDelay time.Duration `yaml:"open_retry_delay"`

	// AuditLogPath is the path to the tamper-evident audit log. Defaults to
	// "pbl-audit.log" when omitted.
	AuditLogPath string `yaml:"audit_log_path"`

	// HistoryDBPath is the path to the local SQLite transfer-history
	// database. Defaults to "pbl-history.db" when omitted.
	HistoryDBPath string `yaml:"history_db_path"`

	// StatusAddr is the listen address for the status and control HTTP API
	// (e.g. "127.0.0.1:8090"). Defaults to "127.0.0.1:8090" when omitted.
	StatusAddr string `yaml:"status_addr"`

	// JWTPublicKeyPath is the path to the RSA public key used to verify
	// bearer tokens presented to the status API's protected endpoints.
	// Leaving it empty disables authentication entirely, which is only
	// appropriate for local development.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// ConsoleAddr is the listen address for the WebSocket console mirror
	// (e.g. "127.0.0.1:8091"). Leaving it empty disables the console
	// mirror.
	ConsoleAddr string `yaml:"console_addr"`

	// FleetDSN is an optional PostgreSQL connection string for mirroring
	// transfer history fleet-wide. Leaving it empty disables the mirror.
	FleetDSN string `yaml:"fleet_dsn"`

	// WatchPaths lists additional files (besides Manifest) whose changes
	// should be logged as reload candidates. The kernel and module files
	// the manifest references are not watched unless listed here. Optional.
	WatchPaths []string `yaml:"watch_paths"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing the first validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OpenRetryDelay == 0 {
		cfg.OpenRetryDelay = time.Second
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "pbl-audit.log"
	}
	if cfg.HistoryDBPath == "" {
		cfg.HistoryDBPath = "pbl-history.db"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:8090"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if cfg.Manifest == "" {
		errs = append(errs, errors.New("manifest is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.OpenRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("open_retry_delay %s must not be negative", cfg.OpenRetryDelay))
	}

	return errors.Join(errs...)
}
