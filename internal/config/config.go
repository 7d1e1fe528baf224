// Package config loads the global settings and the package request file.
// Request files are schema-validated before any other component sees them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Retry controls the download retry schedule for transient failures.
type Retry struct {
	Attempts    int      `yaml:"attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// Global holds the settings that apply to every run.
type Global struct {
	Workers      int      `yaml:"workers"`
	Retry        Retry    `yaml:"retry"`
	Timeout      Duration `yaml:"timeout"`
	CacheDir     string   `yaml:"cache_dir"`
	WorkDir      string   `yaml:"work_dir"`
	Architecture string   `yaml:"architecture"`
	LogLevel     string   `yaml:"log_level"`
}

// DefaultGlobal returns the settings used when no config file is given.
func DefaultGlobal() Global {
	return Global{
		Workers: 4,
		Retry: Retry{
			Attempts:    3,
			BackoffBase: Duration(500 * time.Millisecond),
			BackoffCap:  Duration(10 * time.Second),
		},
		Timeout:      Duration(15 * time.Minute),
		Architecture: "amd64",
		LogLevel:     "info",
	}
}

// LoadGlobal reads a global config file, filling unset fields with
// defaults. An empty path returns the defaults unchanged.
func LoadGlobal(path string) (Global, error) {
	global := DefaultGlobal()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Global{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &global); err != nil {
			return Global{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if global.Workers <= 0 {
		global.Workers = 4
	}
	if global.Retry.Attempts <= 0 {
		global.Retry.Attempts = 3
	}
	if global.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return Global{}, fmt.Errorf("determining cache directory: %w", err)
		}
		global.CacheDir = filepath.Join(base, "debstage")
	}
	if global.WorkDir == "" {
		global.WorkDir = filepath.Join(os.TempDir(), "debstage")
	}
	return global, nil
}
