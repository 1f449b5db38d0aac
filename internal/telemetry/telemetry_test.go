package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/plangate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "disabled always valid", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "enabled local insecure", mutate: func(c *Config) { c.Enabled = true }},
		{name: "enabled remote insecure", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, wantErr: true},
		{name: "enabled remote tls", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false }},
		{name: "bad protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, wantErr: true},
		{name: "bad sample rate", mutate: func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.False(t, isLocalEndpoint("collector.internal:4317"))
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{Enabled: true, Endpoint: "127.0.0.1:4318", Protocol: "http/protobuf", Insecure: true, SampleRate: 0.5}, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "plangate", cfg.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.Health().Enabled)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Degraded)
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()
	_, span := tt.Tracer("test").Start(context.Background(), "plan.run")
	span.End()

	tt.AssertSpanExists(t, "plan.run")
}

func TestNewResource(t *testing.T) {
	res := newResource(NewDefaultConfig())
	found := false
	for _, attr := range res.Attributes() {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, "plangate", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found)
}
