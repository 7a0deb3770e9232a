// Package config provides configuration loading and validation for the
// reclaim service. Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dray-io/reclaim/internal/alloc"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. RECLAIM_WORKER_PERIOD_MS.
const EnvPrefix = "RECLAIM"

// EnvConfigPath names the environment variable Load reads the config file
// path from.
const EnvConfigPath = "RECLAIM_CONFIG"

// Config holds all configuration for a reclaim service.
type Config struct {
	Worker        WorkerConfig        `yaml:"worker" envconfig:"WORKER"`
	Allocator     AllocatorConfig     `yaml:"allocator" envconfig:"ALLOCATOR"`
	Observability ObservabilityConfig `yaml:"observability" envconfig:"OBSERVABILITY"`
}

type WorkerConfig struct {
	// PeriodMs is the sweep cadence.
	PeriodMs int64 `yaml:"periodMs" envconfig:"PERIOD_MS"`
	// ThresholdMs is the minimum block age before a sweep reclaims it.
	ThresholdMs int64 `yaml:"thresholdMs" envconfig:"THRESHOLD_MS"`
}

type AllocatorConfig struct {
	// Kind is "mmap" or "heap". Empty picks the platform default.
	Kind string `yaml:"kind" envconfig:"KIND"`
	// ReserveBytes is the size of the untracked block the service
	// allocates for itself at construction. Zero disables it.
	ReserveBytes int `yaml:"reserveBytes" envconfig:"RESERVE_BYTES"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" envconfig:"METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" envconfig:"LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" envconfig:"LOG_FORMAT"`
	// MaxListed caps how many remaining identities each sweep log line
	// lists. Zero lists all of them.
	MaxListed int `yaml:"maxListed" envconfig:"MAX_LISTED"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			PeriodMs:    900,
			ThresholdMs: 5000,
		},
		Allocator: AllocatorConfig{
			Kind:         "",
			ReserveBytes: 4096,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
			MaxListed:   64,
		},
	}
}

// Load builds a config from defaults, the file named by RECLAIM_CONFIG if
// set, and environment overrides.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromPath builds a config from defaults, the YAML file at path, and
// environment overrides, in that order.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("couldn't unmarshal config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to process config env vars: %w", err)
	}
	return nil
}

// Validate checks that the config values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.PeriodMs <= 0 {
		errs = append(errs, fmt.Errorf("worker.periodMs must be positive, got %d", c.Worker.PeriodMs))
	}
	if c.Worker.ThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("worker.thresholdMs must not be negative, got %d", c.Worker.ThresholdMs))
	}
	switch alloc.Kind(c.Allocator.Kind) {
	case "", alloc.KindMmap, alloc.KindHeap:
	default:
		errs = append(errs, fmt.Errorf("allocator.kind must be mmap or heap, got %q", c.Allocator.Kind))
	}
	if c.Allocator.ReserveBytes < 0 {
		errs = append(errs, fmt.Errorf("allocator.reserveBytes must not be negative, got %d", c.Allocator.ReserveBytes))
	}
	return errors.Join(errs...)
}
