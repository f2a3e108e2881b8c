// Package config defines the ccbridge configuration model and loaders.
// Configuration files are YAML by default; .json/.jsonc/.hujson files are
// accepted and standardized through hujson before decoding.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/ccbridge/ccbridge/internal/json"
)

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultPort            = 8180
	DefaultCLICommand      = "claude"
	DefaultCLITimeout      = 5 * time.Minute
	DefaultInlineThreshold = 50 * 1024 // bytes of prompt passed inline on argv
	DefaultReuseThreshold  = 256      // min system-content bytes to bother with a session
	DefaultSessionTTL      = 30 * time.Minute
	DefaultSessionCapacity = 256
	DefaultSweepInterval   = time.Minute
)

// Config is the root configuration object.
type Config struct {
	Host          string          `yaml:"host,omitempty" json:"host,omitempty"`
	Port          int             `yaml:"port,omitempty" json:"port,omitempty"`
	Debug         bool            `yaml:"debug,omitempty" json:"debug,omitempty"`
	LoggingToFile string          `yaml:"logging-file,omitempty" json:"logging-file,omitempty"`
	APIKeys       []string        `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`
	RateLimit     RateLimitConfig `yaml:"rate-limit,omitempty" json:"rate-limit,omitempty"`
	CLI           CLIConfig       `yaml:"cli,omitempty" json:"cli,omitempty"`
	Session       SessionConfig   `yaml:"session,omitempty" json:"session,omitempty"`
	Usage         UsageConfig     `yaml:"usage,omitempty" json:"usage,omitempty"`
	Models        []ModelAlias    `yaml:"models,omitempty" json:"models,omitempty"`
}

// RateLimitConfig bounds request throughput per client key.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests-per-second,omitempty" json:"requests-per-second,omitempty"`

	// Burst is the token-bucket burst size. Defaults to the ceiling of the
	// rate when unset.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// CLIConfig describes the external CLI binary and how prompts are handed to it.
type CLIConfig struct {
	// Command is the executable invoked for every completion. Resolved via
	// PATH when not absolute.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are extra arguments appended to every invocation, before the
	// per-request flags.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Timeout bounds a single invocation (e.g. "5m"). Expired invocations
	// are killed and reported as execution errors.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// InlineThreshold is the max prompt size in bytes passed as an argv
	// element; larger prompts go through stdin and large system content
	// through an owner-only temp file.
	InlineThreshold int `yaml:"inline-threshold,omitempty" json:"inline-threshold,omitempty"`
}

// SessionConfig tunes the system-prompt session cache.
type SessionConfig struct {
	// TTL is how long an unused session stays cached (e.g. "30m").
	TTL string `yaml:"ttl,omitempty" json:"ttl,omitempty"`

	// Capacity bounds the number of cached sessions; LRU eviction applies
	// beyond it.
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty"`

	// SweepInterval is how often expired entries are collected.
	SweepInterval string `yaml:"sweep-interval,omitempty" json:"sweep-interval,omitempty"`

	// ReuseThreshold is the minimum system-content size in bytes for which
	// establishing a reusable session pays off; smaller prompts go
	// single-shot.
	ReuseThreshold int `yaml:"reuse-threshold,omitempty" json:"reuse-threshold,omitempty"`
}

// UsageConfig configures the usage persistence backend.
type UsageConfig struct {
	// DSN selects the backend: sqlite://path or postgres://... Empty
	// disables persistence (in-memory counters still run).
	DSN           string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	BatchSize     int    `yaml:"batch-size,omitempty" json:"batch-size,omitempty"`
	FlushInterval string `yaml:"flush-interval,omitempty" json:"flush-interval,omitempty"`
	RetentionDays int    `yaml:"retention-days,omitempty" json:"retention-days,omitempty"`
}

// ModelAlias maps an OpenAI-visible model name onto the CLI's model flag.
type ModelAlias struct {
	Name  string `yaml:"name" json:"name"`
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`
}

// Load reads, decodes and validates the configuration file at path. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(os.ExpandEnv(path))
		switch {
		case err == nil:
			if decodeErr := decode(path, data, cfg); decodeErr != nil {
				return nil, decodeErr
			}
		case os.IsNotExist(err):
			// Defaults only.
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		std, err := hujson.Standardize(data)
		if err != nil {
			return fmt.Errorf("standardize config: %w", err)
		}
		if err := json.Unmarshal(std, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.CLI.Command == "" {
		c.CLI.Command = DefaultCLICommand
	}
	if c.CLI.InlineThreshold == 0 {
		c.CLI.InlineThreshold = DefaultInlineThreshold
	}
	if c.Session.Capacity == 0 {
		c.Session.Capacity = DefaultSessionCapacity
	}
	if c.Session.ReuseThreshold == 0 {
		c.Session.ReuseThreshold = DefaultReuseThreshold
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.CLI.Command == "" {
		return fmt.Errorf("cli.command is required")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"cli.timeout", c.CLI.Timeout},
		{"session.ttl", c.Session.TTL},
		{"session.sweep-interval", c.Session.SweepInterval},
		{"usage.flush-interval", c.Usage.FlushInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

// CLITimeout returns the parsed invocation timeout.
func (c *Config) CLITimeout() time.Duration {
	return parseDuration(c.CLI.Timeout, DefaultCLITimeout)
}

// SessionTTL returns the parsed session TTL.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, DefaultSessionTTL)
}

// SweepInterval returns the parsed cache sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Session.SweepInterval, DefaultSweepInterval)
}

// ResolveModel maps an OpenAI-visible model name to the CLI model flag.
// Unknown names pass through unchanged so new CLI models work without a
// config change.
func (c *Config) ResolveModel(name string) string {
	for _, m := range c.Models {
		if m.Name == name || m.Alias == name {
			return m.Name
		}
	}
	return name
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
