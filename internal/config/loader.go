// Package config loads, validates and saves routeloop configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override configuration.
// A double underscore separates nesting levels: ROUTELOOP_RETRY__MAX_ATTEMPTS -> retry.max_attempts.
const EnvPrefix = "ROUTELOOP_"

const maxConfigFileSize = 1024 * 1024

// Load reads and merges configuration from the global and project paths, then the environment.
// Precedence (highest to lowest): environment, project file, global file, defaults.
// Missing files are not errors. A malformed file or an invalid result returns *ConfigError.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	// Defaults are seeded into the tree so a file or env key overrides one
	// field of a capability instead of replacing the whole entry.
	if err := loadDefaults(k); err != nil {
		return nil, &ConfigError{Problems: []string{fmt.Sprintf("defaults: %v", err)}}
	}

	if globalPath != "" {
		if err := loadFile(k, globalPath); err != nil {
			return nil, &ConfigError{Problems: []string{fmt.Sprintf("global config: %v", err)}}
		}
	}
	if projectPath != "" {
		if err := loadFile(k, projectPath); err != nil {
			return nil, &ConfigError{Problems: []string{fmt.Sprintf("project config: %v", err)}}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, &ConfigError{Problems: []string{fmt.Sprintf("environment: %v", err)}}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &ConfigError{Problems: []string{fmt.Sprintf("decoding config: %v", err)}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional global and project config paths.
// Global: ~/.routeloop/config.yaml
// Project: .routeloop/config.yaml (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".routeloop", "config.yaml"), filepath.Join(".routeloop", "config.yaml"), nil
}

// LoadDefault loads configuration from the conventional paths.
// A non-empty projectOverride replaces the project path.
func LoadDefault(projectOverride string) (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	if projectOverride != "" {
		project = projectOverride
	}
	return Load(global, project)
}

func loadDefaults(k *koanf.Koanf) error {
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return k.Load(rawbytes.Provider(data), yaml.Parser())
}

func loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%s is too large: %d bytes (max %d)", path, info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// envKey maps ROUTELOOP_GATEWAY__RATE_PER_MINUTE to gateway.rate_per_minute.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
