// Package config provides configuration loading for the vigil monitor.
//
// Precedence, lowest first: DefaultConfig, the YAML file, VIGIL_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VIGIL_"

// Config represents the complete monitor configuration
type Config struct {
	State    StateConfig    `yaml:"state" envPrefix:"STATE_"`
	Ledger   LedgerConfig   `yaml:"ledger" envPrefix:"LEDGER_"`
	Policy   PolicyConfig   `yaml:"policy" envPrefix:"POLICY_"`
	Schedule ScheduleConfig `yaml:"schedule" envPrefix:"SCHEDULE_"`
	Limits   LimitsConfig   `yaml:"limits" envPrefix:"LIMITS_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// StateConfig configures the state store and its persisted document
type StateConfig struct {
	// File is the persisted document path (empty = in-memory only)
	File string `yaml:"file" env:"FILE"`
	// Backup copies the previous document to <file>.backup before each save
	Backup bool `yaml:"backup" env:"BACKUP"`
	// HistoryCapacity bounds the in-memory change log
	HistoryCapacity int `yaml:"historyCapacity" env:"HISTORY_CAPACITY"`
	// EventLogLimit bounds how many recent events are persisted
	EventLogLimit int `yaml:"eventLogLimit" env:"EVENT_LOG_LIMIT"`
}

// LedgerConfig configures the SQLite issue ledger
type LedgerConfig struct {
	// Path is the database file (empty = no ledger, no fix knowledge base)
	Path string `yaml:"path" env:"PATH"`
}

// PolicyConfig locates the CUE detection policy
type PolicyConfig struct {
	// File overrides the embedded default policy
	File string `yaml:"file" env:"FILE"`
	// Watch reloads the policy when the file changes
	Watch bool `yaml:"watch" env:"WATCH"`
}

// ScheduleConfig sets the cadence of each periodic subsystem
type ScheduleConfig struct {
	ContractInterval time.Duration `yaml:"contractInterval" env:"CONTRACT_INTERVAL"`
	VerifyInterval   time.Duration `yaml:"verifyInterval" env:"VERIFY_INTERVAL"`
	AnomalyInterval  time.Duration `yaml:"anomalyInterval" env:"ANOMALY_INTERVAL"`
	SaveInterval     time.Duration `yaml:"saveInterval" env:"SAVE_INTERVAL"`
}

// LimitsConfig bounds the in-memory buffers
type LimitsConfig struct {
	// ViolationBuffer is the rolling violation buffer capacity
	ViolationBuffer int `yaml:"violationBuffer" env:"VIOLATION_BUFFER"`
	// Transactions bounds ledger.transactions in the state tree
	Transactions int `yaml:"transactions" env:"TRANSACTIONS"`
	// DetectedMirror bounds issues.detected in the state tree
	DetectedMirror int `yaml:"detectedMirror" env:"DETECTED_MIRROR"`
	// LogQueue bounds pending log events (0 = unbounded)
	LogQueue int `yaml:"logQueue" env:"LOG_QUEUE"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr" env:"ADDR"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		State: StateConfig{
			File:            "",
			Backup:          true,
			HistoryCapacity: 10000,
			EventLogLimit:   1000,
		},
		Schedule: ScheduleConfig{
			ContractInterval: 2 * time.Second,
			VerifyInterval:   time.Second,
			AnomalyInterval:  5 * time.Second,
			SaveInterval:     30 * time.Second,
		},
		Limits: LimitsConfig{
			ViolationBuffer: 1000,
			Transactions:    1000,
			DetectedMirror:  500,
			LogQueue:        10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.State.HistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("state.historyCapacity must be positive"))
	}
	if c.State.EventLogLimit < 0 {
		errs = append(errs, fmt.Errorf("state.eventLogLimit must not be negative"))
	}
	intervals := []struct {
		name string
		d    time.Duration
	}{
		{"schedule.contractInterval", c.Schedule.ContractInterval},
		{"schedule.verifyInterval", c.Schedule.VerifyInterval},
		{"schedule.anomalyInterval", c.Schedule.AnomalyInterval},
		{"schedule.saveInterval", c.Schedule.SaveInterval},
	}
	for _, iv := range intervals {
		if iv.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", iv.name))
		}
	}
	if c.Limits.ViolationBuffer <= 0 {
		errs = append(errs, fmt.Errorf("limits.violationBuffer must be positive"))
	}
	if c.Limits.Transactions <= 0 {
		errs = append(errs, fmt.Errorf("limits.transactions must be positive"))
	}
	if c.Limits.DetectedMirror <= 0 {
		errs = append(errs, fmt.Errorf("limits.detectedMirror must be positive"))
	}
	if c.Limits.LogQueue < 0 {
		errs = append(errs, fmt.Errorf("limits.logQueue must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error"))
	}
	if c.Policy.Watch && c.Policy.File == "" {
		errs = append(errs, fmt.Errorf("policy.watch requires policy.file"))
	}
	return errors.Join(errs...)
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file without environment
// overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := decodeYAML(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ParseEnv applies VIGIL_* environment variables to target. Unset
// variables leave the existing values alone.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// decodeYAML rejects unknown keys so typos do not silently fall back to
// defaults. An empty document is allowed.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
