package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the config dir inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "plangate")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestLoadWithFile_Defaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAdmissionAttempts)
	assert.Equal(t, 120*time.Second, cfg.Orchestrator.VerificationTimeout.Duration())
	assert.False(t, cfg.Orchestrator.GateNonWriteSteps)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, filepath.Join(dir, "plans"), cfg.Store.Dir)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `orchestrator:
  max_retries: 5
  command_timeout: 30s
  gate_non_write_steps: true
store:
  backend: sqlite
  sqlite_path: /tmp/plans.db
audit:
  key: super-secret
logging:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.CommandTimeout.Duration())
	assert.True(t, cfg.Orchestrator.GateNonWriteSteps)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/plans.db", cfg.Store.SQLitePath)
	assert.Equal(t, "super-secret", cfg.Audit.Key.Value())
	assert.Equal(t, "json", cfg.Logging.Format)
	// untouched keys keep defaults
	assert.Equal(t, 3, cfg.Orchestrator.MaxAdmissionAttempts)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_retries: 5\n"), 0600))

	t.Setenv("PLANGATE_ORCHESTRATOR_MAX_RETRIES", "7")
	t.Setenv("PLANGATE_EVENTS_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: file\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_RejectsInvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: postgres\n"), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PLANGATE_ORCHESTRATOR_MAX_RETRIES": "orchestrator.max_retries",
		"PLANGATE_STORE_BACKEND":            "store.backend",
		"PLANGATE_CONFIG":                   "config",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestEnsureDirs(t *testing.T) {
	setupTestHome(t)
	cfg := Default()
	root := t.TempDir()
	cfg.Store.Dir = filepath.Join(root, "plans")
	cfg.Blackboard.Dir = filepath.Join(root, "bb")
	cfg.Evidence.Dir = filepath.Join(root, "ev")
	cfg.Audit.Path = filepath.Join(root, "audit", "audit.jsonl")

	require.NoError(t, EnsureDirs(cfg))
	for _, d := range []string{"plans", "bb", "ev", "audit"} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
