// Package config loads the enforcer's own configuration file. The policy
// document the enforcer reconciles is a separate artifact owned by
// pkg/fwpolicy; this file configures how the tool itself runs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudfw/enforcer/pkg/telemetry"
)

// Config is the tool configuration. Every field has a usable default;
// command-line flags override file values.
type Config struct {
	// Project is the default project to enforce.
	Project string `yaml:"project"`

	// PolicyFile is the default policy locator (path or gs:// URI).
	PolicyFile string `yaml:"policy_file"`

	// Token is the bearer token for provider and Cloud Storage calls.
	// Usually injected via ENFORCER_TOKEN instead of the file.
	Token string `yaml:"token"`

	// Parallelism bounds concurrent mutations within an enforcement phase.
	Parallelism int `yaml:"parallelism" validate:"min=1,max=64"`

	// MaxRetries caps retries of retryable provider failures per rule.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`

	// CallTimeout is the deadline around each provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// HistoryDB is the path of the run-history database. Empty disables
	// history recording.
	HistoryDB string `yaml:"history_db"`

	// WatchInterval is the poll interval for gs:// sources in watch mode.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// tokenEnv is the environment variable consulted for the bearer token.
const tokenEnv = "ENFORCER_TOKEN"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Parallelism:   4,
		MaxRetries:    3,
		CallTimeout:   2 * time.Minute,
		HistoryDB:     "enforcer.db",
		WatchInterval: 5 * time.Minute,
		Telemetry:     telemetry.DefaultConfig(),
	}
}

var validate = validator.New()

// Load reads the configuration file at path, merged over defaults.
// An empty path returns the defaults. The token environment variable, when
// set, takes precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("malformed config file %s: %w", path, err)
		}
	}

	if token := os.Getenv(tokenEnv); token != "" {
		cfg.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the nested telemetry config.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("watch_interval must be positive")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
