// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the harness.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"OLLY_SERVICE_NAME, overwrite"`
	LogLevel    string          `yaml:"log_level" env:"OLLY_LOG_LEVEL, overwrite"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Pool        PoolConfig      `yaml:"pool"`
	Verify      VerifyConfig    `yaml:"verify"`
	Exporters   ExportersConfig `yaml:"exporters"`
	Health      HealthConfig    `yaml:"health"`
	Soak        SoakConfig      `yaml:"soak"`
}

// RecorderConfig bounds how long verification waits for async work.
type RecorderConfig struct {
	WaitTimeout  time.Duration `yaml:"wait_timeout" env:"OLLY_RECORDER_WAIT_TIMEOUT, overwrite"`
	PollInterval time.Duration `yaml:"poll_interval" env:"OLLY_RECORDER_POLL_INTERVAL, overwrite"`
}

// PoolConfig sizes the command worker pool. Nested command execution needs
// at least two workers.
type PoolConfig struct {
	Workers   int `yaml:"workers" env:"OLLY_POOL_WORKERS, overwrite"`
	QueueSize int `yaml:"queue_size" env:"OLLY_POOL_QUEUE_SIZE, overwrite"`
}

// VerifyConfig controls verification output.
type VerifyConfig struct {
	DumpOnFailure bool   `yaml:"dump_on_failure" env:"OLLY_VERIFY_DUMP_ON_FAILURE, overwrite"`
	DumpFormat    string `yaml:"dump_format" env:"OLLY_VERIFY_DUMP_FORMAT, overwrite"` // "text" or "json"
	PrintCache    bool   `yaml:"print_cache" env:"OLLY_VERIFY_PRINT_CACHE, overwrite"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
	Retry  RetryConfig  `yaml:"retry"`
	// SampleRate is the fraction of passing traces exported (0.0-1.0).
	// Traces with errors are always exported.
	SampleRate float64      `yaml:"sample_rate" env:"OLLY_EXPORTERS_SAMPLE_RATE, overwrite"`
	Redact     RedactConfig `yaml:"redact"`
}

// RedactConfig masks sensitive annotation values before export.
type RedactConfig struct {
	Enabled bool `yaml:"enabled" env:"OLLY_EXPORTERS_REDACT_ENABLED, overwrite"`
	// Patterns are extra regular expressions replaced with "[REDACTED]".
	Patterns []string `yaml:"patterns"`
}

type OTLPConfig struct {
	Enabled     bool          `yaml:"enabled" env:"OLLY_EXPORTERS_OTLP_ENABLED, overwrite"`
	Endpoint    string        `yaml:"endpoint" env:"OLLY_EXPORTERS_OTLP_ENDPOINT, overwrite"`
	Insecure    bool          `yaml:"insecure"`
	Compression string        `yaml:"compression"` // "gzip" or "none"
	Timeout     time.Duration `yaml:"timeout"`
	// Consecutive failures before the exporter stops trying for OpenTimeout.
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled" env:"OLLY_EXPORTERS_STDOUT_ENABLED, overwrite"`
	Format  string `yaml:"format"` // "text" or "json"
}

// RetryConfig applies to every exporter.
type RetryConfig struct {
	MaxRetries uint64        `yaml:"max_retries"`
	Interval   time.Duration `yaml:"interval"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" env:"OLLY_HEALTH_ENABLED, overwrite"`
	Port    string `yaml:"port" env:"OLLY_HEALTH_PORT, overwrite"` // e.g. ":8686"
}

// SoakConfig configures the serve command's repeated scenario runs.
type SoakConfig struct {
	Interval  time.Duration `yaml:"interval" env:"OLLY_SOAK_INTERVAL, overwrite"`
	Scenarios []string      `yaml:"scenarios"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnvOverrides(context.Background()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "olly-harness",
		LogLevel:    "info",
		Recorder: RecorderConfig{
			WaitTimeout:  5 * time.Second,
			PollInterval: 5 * time.Millisecond,
		},
		Pool: PoolConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Verify: VerifyConfig{
			DumpOnFailure: true,
			DumpFormat:    "text",
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
				Timeout:     5 * time.Second,
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
			Retry: RetryConfig{
				MaxRetries: 3,
				Interval:   100 * time.Millisecond,
			},
			SampleRate: 1.0,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
		Soak: SoakConfig{
			Interval: 10 * time.Second,
		},
	}
}

// DirFiles are the files LoadDir merges, in merge order.
var DirFiles = []string{"base.yaml", "recorder.yaml", "exporters.yaml"}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → service_name, log_level, pool, health, soak
//   - recorder.yaml  → recorder, verify
//   - exporters.yaml → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range DirFiles {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(context.Background()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads OLLY_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides(ctx context.Context) error {
	if err := envconfig.Process(ctx, c); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.Recorder.WaitTimeout <= 0 {
		return fmt.Errorf("recorder.wait_timeout must be positive")
	}
	if c.Recorder.PollInterval <= 0 || c.Recorder.PollInterval > c.Recorder.WaitTimeout {
		return fmt.Errorf("recorder.poll_interval must be positive and below wait_timeout")
	}

	if c.Pool.Workers < 2 {
		return fmt.Errorf("pool.workers must be at least 2")
	}
	if c.Pool.QueueSize < 0 {
		return fmt.Errorf("pool.queue_size must not be negative")
	}

	if f := c.Verify.DumpFormat; f != "text" && f != "json" {
		return fmt.Errorf("verify.dump_format must be 'text' or 'json'")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if comp := c.Exporters.OTLP.Compression; comp != "" && comp != "gzip" && comp != "none" {
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}
	if r := c.Exporters.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("exporters.sample_rate must be between 0 and 1")
	}
	for _, p := range c.Exporters.Redact.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("exporters.redact.patterns: %w", err)
		}
	}
	if f := c.Exporters.Stdout.Format; c.Exporters.Stdout.Enabled && f != "text" && f != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	if c.Soak.Interval <= 0 {
		return fmt.Errorf("soak.interval must be positive")
	}

	return nil
}
