package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // "grpc" or "http/protobuf"
	Insecure        bool
	ServiceName     string
	ServiceVersion  string
	SampleRate      float64
	MetricsEnabled  bool
	MetricsInterval config.Duration
	ShutdownTimeout config.Duration
}

// NewDefaultConfig returns defaults with export disabled.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "plangate",
		ServiceVersion:  "0.1.0",
		SampleRate:      1.0,
		MetricsEnabled:  true,
		MetricsInterval: config.Duration(15 * time.Second),
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// FromSettings maps the telemetry section of the plangate config.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.Enabled
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if s.Protocol != "" {
		cfg.Protocol = s.Protocol
	}
	cfg.Insecure = s.Insecure
	if s.ServiceName != "" {
		cfg.ServiceName = s.ServiceName
	}
	cfg.SampleRate = s.SampleRate
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks configuration for errors. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("protocol must be 'grpc' or 'http/protobuf', got %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure connections are only allowed to local endpoints")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.MetricsEnabled && c.MetricsInterval.Duration() <= 0 {
		return fmt.Errorf("metrics interval must be positive when metrics enabled")
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	switch {
	case strings.HasPrefix(host, "["):
		if i := strings.Index(host, "]"); i > 0 {
			host = host[1:i]
		}
	case strings.Count(host, ":") == 1:
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
