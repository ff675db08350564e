// Package config loads the process configuration file. Durations are kept
// as strings in the YAML and validated here; component packages receive
// parsed values from the composition root. Provider API keys never appear
// in config files, they come from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chronolab configuration.
type Config struct {
	Name string `yaml:"name"`

	// Path to the model catalog (models.yaml).
	Models string `yaml:"models"`

	Gateway      GatewayConfig      `yaml:"gateway"`
	Guard        GuardConfig        `yaml:"guard"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Chronolog    ChronologConfig    `yaml:"chronolog"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// GatewayConfig configures retries, backoff, and admission waits.
type GatewayConfig struct {
	MaxRetries       int    `yaml:"max_retries"`
	BackoffBase      string `yaml:"backoff_base"`
	BackoffCap       string `yaml:"backoff_cap"`
	MaxAdmissionWait string `yaml:"max_admission_wait"`
	DefaultMaxTokens int    `yaml:"default_max_tokens"`
}

// GuardConfig configures the rate window and session budget.
type GuardConfig struct {
	Window              string  `yaml:"window"`
	SessionCostLimitUSD float64 `yaml:"session_cost_limit_usd"`
}

// SandboxConfig configures fragment execution limits.
type SandboxConfig struct {
	Timeout        string `yaml:"timeout"`
	MemoryLimitMB  int    `yaml:"memory_limit_mb"`
	MaxStdoutBytes int    `yaml:"max_stdout_bytes"`
}

// OrchestratorConfig bounds step concurrency.
type OrchestratorConfig struct {
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`
}

// ChronologConfig configures provenance logging.
type ChronologConfig struct {
	GitMirror      bool   `yaml:"git_mirror"`
	SigningKeyPath string `yaml:"signing_key_path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		Name:   "chronolab",
		Models: "models.yaml",
		Gateway: GatewayConfig{
			MaxRetries:       3,
			BackoffBase:      "100ms",
			BackoffCap:       "5s",
			MaxAdmissionWait: "30s",
			DefaultMaxTokens: 4096,
		},
		Guard: GuardConfig{
			Window:              "60s",
			SessionCostLimitUSD: 0,
		},
		Sandbox: SandboxConfig{
			Timeout:        "30s",
			MemoryLimitMB:  256,
			MaxStdoutBytes: 1 << 20,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSteps: 4,
		},
		Chronolog: ChronologConfig{
			GitMirror: false,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and validates a config file. Fields absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks durations, bounds, and the log level.
func (c Config) Validate() error {
	if c.Models == "" {
		return fmt.Errorf("config: models path is required")
	}
	for name, d := range map[string]string{
		"gateway.backoff_base":       c.Gateway.BackoffBase,
		"gateway.backoff_cap":        c.Gateway.BackoffCap,
		"gateway.max_admission_wait": c.Gateway.MaxAdmissionWait,
		"guard.window":               c.Guard.Window,
		"sandbox.timeout":            c.Sandbox.Timeout,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("config: %s: invalid duration %q", name, d)
		}
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("config: gateway.max_retries must be >= 0")
	}
	if c.Guard.SessionCostLimitUSD < 0 {
		return fmt.Errorf("config: guard.session_cost_limit_usd must be >= 0")
	}
	if c.Orchestrator.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("config: orchestrator.max_concurrent_steps must be > 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be debug, info, warn, or error")
	}
	return nil
}

// Duration parses a duration field that Validate has already accepted.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
