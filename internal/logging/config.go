package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level     zapcore.Level
	Format    string // "json" or "console"
	Stdout    bool
	OTEL      bool
	Sampling  SamplingConfig
	Caller    bool
	Fields    map[string]string
	Redaction RedactionConfig
}

// SamplingConfig controls log volume reduction below Error.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists keys and value patterns that are masked on output.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{"service": "plangate"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key",
				"authorization", "credential", "private_key", "audit_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
	}
}

// FromSettings builds a Config from the level/format pair exposed in the
// plangate configuration file.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > 200 {
				return fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
