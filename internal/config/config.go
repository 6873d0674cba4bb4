// Package config loads pysight settings: built-in defaults, optionally
// overridden by a YAML config file, optionally overridden again by CLI
// flags.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunable pysight settings.
type Config struct {
	// SampleInterval is the time between sampling ticks.
	SampleInterval time.Duration `yaml:"sample_interval"`
	// MemberTimeout bounds one process's stack capture within a tick.
	MemberTimeout time.Duration `yaml:"member_timeout"`
	// Parallelism bounds concurrent per-process sampling within a tick.
	Parallelism int `yaml:"parallelism"`
	// PySpyPath is the py-spy binary used for stack capture.
	PySpyPath string `yaml:"py_spy_path"`
	// Native also captures native extension frames.
	Native bool `yaml:"native"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// PrettyLogs enables human-readable console logging.
	PrettyLogs bool `yaml:"pretty_logs"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		SampleInterval: time.Second,
		MemberTimeout:  900 * time.Millisecond,
		Parallelism:    8,
		PySpyPath:      "py-spy",
		LogLevel:       "info",
		PrettyLogs:     true,
	}
}

// Load returns the defaults merged with the config file at path. An empty
// path skips the file layer; a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive, got %s", c.SampleInterval)
	}
	if c.SampleInterval < 10*time.Millisecond {
		return fmt.Errorf("sample_interval below 10ms is not supported, got %s", c.SampleInterval)
	}
	if c.MemberTimeout <= 0 {
		return fmt.Errorf("member_timeout must be positive, got %s", c.MemberTimeout)
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
