package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero retries", mutate: func(c *Config) { c.Orchestrator.MaxRetries = 0 }, wantErr: "max_retries"},
		{name: "zero admission attempts", mutate: func(c *Config) { c.Orchestrator.MaxAdmissionAttempts = 0 }, wantErr: "max_admission_attempts"},
		{name: "zero command timeout", mutate: func(c *Config) { c.Orchestrator.CommandTimeout = 0 }, wantErr: "command_timeout"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "redis" }, wantErr: "store.backend"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Backend = "sqlite"; c.Store.SQLitePath = "" }, wantErr: "sqlite_path"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "bad sample rate", mutate: func(c *Config) { c.Telemetry.SampleRate = 2 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestDuration_JSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"2m","b":1000000000}`), &v))
	assert.Equal(t, 2*time.Minute, v.A.Duration())
	assert.Equal(t, time.Second, v.B.Duration())

	out, err := json.Marshal(v.A)
	require.NoError(t, err)
	assert.Equal(t, `"2m0s"`, string(out))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", s, s, s), "hunter2")

	out, err := json.Marshal(struct{ K Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}
