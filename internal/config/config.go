// Package config provides YAML configuration loading and validation for the
// cerberusd daemon. A missing or corrupt file is never fatal: callers fall
// back to Default() and write it back to disk so the device always boots with
// a usable configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for cerberusd.
type Config struct {
	// DataDir is the directory holding the SQLite database and the event
	// journal. Defaults to "/data/adb/cerberus".
	DataDir string `yaml:"data_dir"`

	// SocketName is the abstract-namespace unix socket name the admin/probe
	// IPC server binds. Defaults to the build-time default "cerberus_socket".
	SocketName string `yaml:"socket_name"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DebugHTTPAddr is the listen address for the loopback /healthz and
	// /statusz debug server (e.g. "127.0.0.1:9901"). Empty disables it.
	DebugHTTPAddr string `yaml:"debug_http_addr"`

	// Timeouts groups the per-policy background timeouts and the freeze
	// grace period.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Doze groups the device-wide idle escalation thresholds.
	Doze DozeConfig `yaml:"doze"`

	// Battery groups the battery sampling cadence and drain warning level.
	Battery BatteryConfig `yaml:"battery"`
}

// TimeoutConfig holds the policy-driven background timeouts, in seconds.
type TimeoutConfig struct {
	// ImportantSec is the background-idle timeout for Important apps.
	ImportantSec int `yaml:"important_sec"`
	// StandardSec is the background-idle timeout for Standard apps.
	StandardSec int `yaml:"standard_sec"`
	// StrictSec is the background-idle timeout for Strict apps.
	StrictSec int `yaml:"strict_sec"`
	// AwaitFreezeSec is the grace period spent in AwaitingFreeze before the
	// freeze is executed, giving user-visible activity a chance to cancel it.
	AwaitFreezeSec int `yaml:"await_freeze_sec"`
}

// DozeConfig holds the doze state machine thresholds, in seconds.
type DozeConfig struct {
	// IdleAfterSec is how long the screen must be off (and the device not
	// charging) before ACTIVE escalates to IDLE.
	IdleAfterSec int `yaml:"idle_after_sec"`
	// DeepIdleAfterSec is how long the device must stay in IDLE before it
	// escalates to DEEP_IDLE.
	DeepIdleAfterSec int `yaml:"deep_idle_after_sec"`
}

// BatteryConfig holds battery sampling settings.
type BatteryConfig struct {
	// SampleIntervalSec is how often battery capacity/temperature/power is
	// sampled. Defaults to 60.
	SampleIntervalSec int `yaml:"sample_interval_sec"`
	// DrainWarnPercentPerHour is the capacity drop rate, in percent per
	// hour, above which a power warning event is emitted. Defaults to 30.
	DrainWarnPercentPerHour int `yaml:"drain_warn_percent_per_hour"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Default returns the built-in configuration used when no file exists or the
// file on disk cannot be parsed.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults for omitted fields, and validates the result.
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

// WriteFile marshals cfg to YAML and writes it to path, creating parent
// directories as needed. Used to persist the substituted defaults when the
// on-disk file was missing or corrupt.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %q: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// ImportantTimeout returns the Important-policy timeout as a duration.
func (c *Config) ImportantTimeout() time.Duration {
	return time.Duration(c.Timeouts.ImportantSec) * time.Second
}

// StandardTimeout returns the Standard-policy timeout as a duration.
func (c *Config) StandardTimeout() time.Duration {
	return time.Duration(c.Timeouts.StandardSec) * time.Second
}

// StrictTimeout returns the Strict-policy timeout as a duration.
func (c *Config) StrictTimeout() time.Duration {
	return time.Duration(c.Timeouts.StrictSec) * time.Second
}

// AwaitFreeze returns the AwaitingFreeze grace period as a duration.
func (c *Config) AwaitFreeze() time.Duration {
	return time.Duration(c.Timeouts.AwaitFreezeSec) * time.Second
}

// IdleAfter returns the ACTIVE→IDLE doze threshold as a duration.
func (c *Config) IdleAfter() time.Duration {
	return time.Duration(c.Doze.IdleAfterSec) * time.Second
}

// DeepIdleAfter returns the IDLE→DEEP_IDLE doze threshold as a duration.
func (c *Config) DeepIdleAfter() time.Duration {
	return time.Duration(c.Doze.DeepIdleAfterSec) * time.Second
}

// BatterySampleInterval returns the battery sampling cadence as a duration.
func (c *Config) BatterySampleInterval() time.Duration {
	return time.Duration(c.Battery.SampleIntervalSec) * time.Second
}

// applyDefaults fills in zero-value optional fields with the built-in
// defaults. The doze and battery values mirror the constants the daemon
// shipped with before they were made configurable.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "/data/adb/cerberus"
	}
	if cfg.SocketName == "" {
		cfg.SocketName = DefaultSocketName
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timeouts.ImportantSec == 0 {
		cfg.Timeouts.ImportantSec = 180
	}
	if cfg.Timeouts.StandardSec == 0 {
		cfg.Timeouts.StandardSec = 30
	}
	if cfg.Timeouts.StrictSec == 0 {
		cfg.Timeouts.StrictSec = 10
	}
	if cfg.Timeouts.AwaitFreezeSec == 0 {
		cfg.Timeouts.AwaitFreezeSec = 5
	}
	if cfg.Doze.IdleAfterSec == 0 {
		cfg.Doze.IdleAfterSec = 60
	}
	if cfg.Doze.DeepIdleAfterSec == 0 {
		cfg.Doze.DeepIdleAfterSec = 3600
	}
	if cfg.Battery.SampleIntervalSec == 0 {
		cfg.Battery.SampleIntervalSec = 60
	}
	if cfg.Battery.DrainWarnPercentPerHour == 0 {
		cfg.Battery.DrainWarnPercentPerHour = 30
	}
}

// validate checks that enumerated fields contain only valid values and that
// every threshold is positive.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Timeouts.ImportantSec < 0 {
		errs = append(errs, errors.New("timeouts.important_sec must be positive"))
	}
	if cfg.Timeouts.StandardSec < 0 {
		errs = append(errs, errors.New("timeouts.standard_sec must be positive"))
	}
	if cfg.Timeouts.StrictSec < 0 {
		errs = append(errs, errors.New("timeouts.strict_sec must be positive"))
	}
	if cfg.Timeouts.AwaitFreezeSec < 0 {
		errs = append(errs, errors.New("timeouts.await_freeze_sec must be positive"))
	}
	if cfg.Doze.IdleAfterSec < 0 {
		errs = append(errs, errors.New("doze.idle_after_sec must be positive"))
	}
	if cfg.Doze.DeepIdleAfterSec < 0 {
		errs = append(errs, errors.New("doze.deep_idle_after_sec must be positive"))
	}
	if cfg.Battery.DrainWarnPercentPerHour < 0 {
		errs = append(errs, errors.New("battery.drain_warn_percent_per_hour must be positive"))
	}

	return errors.Join(errs...)
}

// DefaultSocketName is the abstract-namespace socket the IPC server binds
// when the configuration does not override it. Kept as a var so release
// builds can stamp a different name with -ldflags "-X ...".
var DefaultSocketName = "cerberus_socket"
