// Package config loads calcline settings: confmap defaults, then the
// project's calcline.yaml, then CALCLINE_* environment variables, then
// command-line flags, each layer overriding the one before it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = "calcline.yaml"

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "calcline.yml"

// envPrefix namespaces environment overrides, e.g. CALCLINE_DATABASE_PATH.
const envPrefix = "CALCLINE_"

// Config holds all runtime settings.
type Config struct {
	// DatabasePath is the SQLite database file; ":memory:" works too.
	DatabasePath string `koanf:"database_path"`
	// BlobDir is the directory holding row caches, reports, and unit
	// records.
	BlobDir string `koanf:"blob_dir"`
	// SeedFile is an optional yaml seed document loaded on demand.
	SeedFile string `koanf:"seed_file"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
}

func defaults() map[string]any {
	return map[string]any{
		"database_path": "calcline.db",
		"blob_dir":      ".calcline/blobs",
		"seed_file":     "",
		"log_level":     "info",
	}
}

// Load assembles the configuration. dir is the project root (where
// calcline.yaml may live); flags may be nil.
func Load(dir string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(dir); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// findConfigFile finds the config file in the given directory. Returns
// empty string if not found.
func findConfigFile(dir string) string {
	yamlPath := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	ymlPath := filepath.Join(dir, ConfigFileNameAlt)
	if _, err := os.Stat(ymlPath); err == nil {
		return ymlPath
	}
	return ""
}

// FindProjectRoot walks up from the given directory to find a directory
// containing calcline.yaml or calcline.yml. Returns empty string if not
// found.
func FindProjectRoot(startDir string) string {
	dir := startDir
	for {
		if findConfigFile(dir) != "" {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
