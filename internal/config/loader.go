package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PLANGATE_"
)

// LoadWithFile loads configuration from a YAML file and then applies
// environment overrides on top of Default().
//
// An empty configPath means ~/.config/plangate/config.yaml. A missing file
// is not an error. The file must live under ~/.config/plangate/ or
// /etc/plangate/, be mode 0600 or 0400, and be at most 1MB.
//
// Environment variables map to keys by stripping the prefix and splitting
// on the first underscore:
//
//	PLANGATE_ORCHESTRATOR_MAX_RETRIES -> orchestrator.max_retries
//	PLANGATE_STORE_BACKEND            -> store.backend
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = filepath.Join(ConfigDir(), "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Decoding onto the defaults leaves unset keys untouched.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".plangate")
	}
	return filepath.Join(home, ".config", "plangate")
}

// EnsureDirs creates every directory the configured state layout needs.
func EnsureDirs(cfg *Config) error {
	dirs := []string{cfg.Blackboard.Dir, cfg.Evidence.Dir}
	if cfg.Store.Backend == "sqlite" {
		dirs = append(dirs, filepath.Dir(cfg.Store.SQLitePath))
	} else {
		dirs = append(dirs, cfg.Store.Dir)
	}
	if cfg.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(cfg.Audit.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile validates and reads through one descriptor so the checks
// apply to the bytes actually loaded.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	allowed := []string{ConfigDir(), "/etc/plangate"}
	for _, dir := range allowed {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/plangate/ or /etc/plangate/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
