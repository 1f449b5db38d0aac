// Package config provides configuration loading for plangate.
//
// Values come from three layers, highest precedence first: PLANGATE_*
// environment variables, a YAML file, and the defaults in Default().
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete plangate configuration.
type Config struct {
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Store        StoreConfig        `koanf:"store"`
	Blackboard   BlackboardConfig   `koanf:"blackboard"`
	Evidence     EvidenceConfig     `koanf:"evidence"`
	Audit        AuditConfig        `koanf:"audit"`
	Security     SecurityConfig     `koanf:"security"`
	Index        IndexConfig        `koanf:"index"`
	Events       EventsConfig       `koanf:"events"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// OrchestratorConfig controls retry bounds, timeouts and approval defaults.
type OrchestratorConfig struct {
	MaxRetries           int      `koanf:"max_retries"`
	MaxAdmissionAttempts int      `koanf:"max_admission_attempts"`
	CommandTimeout       Duration `koanf:"command_timeout"`
	VerificationTimeout  Duration `koanf:"verification_timeout"`
	// GateNonWriteSteps makes read, run_command and external_scan steps
	// require approval as well.
	GateNonWriteSteps bool   `koanf:"gate_non_write_steps"`
	WorkDir           string `koanf:"work_dir"`
	OutputLimit       int    `koanf:"output_limit"`
	ErrorOutputLimit  int    `koanf:"error_output_limit"`
}

// StoreConfig selects the Plan State Store backend.
type StoreConfig struct {
	Backend    string `koanf:"backend"` // "file" or "sqlite"
	Dir        string `koanf:"dir"`
	SQLitePath string `koanf:"sqlite_path"`
}

// BlackboardConfig locates the blackboard snapshot and history.
type BlackboardConfig struct {
	Dir string `koanf:"dir"`
}

// EvidenceConfig locates evidence records.
type EvidenceConfig struct {
	Dir string `koanf:"dir"`
}

// AuditConfig configures the hash-chained audit trail.
type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
	Key     Secret `koanf:"key"`
}

// SecurityConfig locates gitleaks allowlists.
type SecurityConfig struct {
	ProjectAllowlistDir string `koanf:"project_allowlist_dir"`
	UserAllowlistPath   string `koanf:"user_allowlist_path"`
}

// IndexConfig enables the fsnotify-maintained path index.
type IndexConfig struct {
	Enabled bool   `koanf:"enabled"`
	Root    string `koanf:"root"`
}

// EventsConfig configures NATS event publishing. Empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Listen          string   `koanf:"listen"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
}

// LoggingConfig is the subset of logging options exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry options exposed in the file.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	base := DataDir()
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxRetries:           3,
			MaxAdmissionAttempts: 3,
			CommandTimeout:       Duration(2 * time.Minute),
			VerificationTimeout:  Duration(120 * time.Second),
			WorkDir:              ".",
			OutputLimit:          5000,
			ErrorOutputLimit:     2000,
		},
		Store: StoreConfig{
			Backend:    "file",
			Dir:        filepath.Join(base, "plans"),
			SQLitePath: filepath.Join(base, "plans.db"),
		},
		Blackboard: BlackboardConfig{Dir: filepath.Join(base, "blackboard")},
		Evidence:   EvidenceConfig{Dir: filepath.Join(base, "evidence")},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(base, "audit", "audit.jsonl"),
		},
		Index:  IndexConfig{Root: "."},
		Events: EventsConfig{SubjectPrefix: "plangate"},
		Server: ServerConfig{
			Listen:          "127.0.0.1:9190",
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       20,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "plangate",
			SampleRate:  1.0,
		},
	}
}

// DataDir returns the root directory for persisted state. It shares the
// configuration directory so one 0700 tree holds everything.
func DataDir() string {
	return ConfigDir()
}

// Validate checks the configuration for values the orchestrator cannot run with.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.MaxRetries < 1 {
		return fmt.Errorf("orchestrator.max_retries must be >= 1, got %d", o.MaxRetries)
	}
	if o.MaxAdmissionAttempts < 1 {
		return fmt.Errorf("orchestrator.max_admission_attempts must be >= 1, got %d", o.MaxAdmissionAttempts)
	}
	if o.CommandTimeout.Duration() <= 0 {
		return errors.New("orchestrator.command_timeout must be positive")
	}
	if o.VerificationTimeout.Duration() <= 0 {
		return errors.New("orchestrator.verification_timeout must be positive")
	}
	if o.OutputLimit <= 0 || o.ErrorOutputLimit <= 0 {
		return errors.New("orchestrator output limits must be positive")
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file backend")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be 'file' or 'sqlite', got %q", c.Store.Backend)
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		return errors.New("audit.path is required when audit is enabled")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}
	return nil
}
