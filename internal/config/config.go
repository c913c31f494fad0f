// SPDX-License-Identifier: MIT

// Package config loads the daemon's startup configuration: log levels, the
// environment block naming the external binaries Players and the bus daemon
// exec, the level ladder, and the input adapter list. Configuration is read
// once at startup and never reloaded — there is no hot-reload or watch path
// here, unlike the teacher's koanf.go, because this spec's configuration is
// a fixed document for the daemon's whole lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/vela-project/vela-daemon/internal/vela"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/vela/config.yaml"

// Config is the complete parsed startup configuration.
type Config struct {
	LogLevel    string                 `yaml:"loglevel" koanf:"loglevel"`
	LogLevels   map[string]string      `yaml:"loglevels" koanf:"loglevels"`
	Environment EnvironmentConfig      `yaml:"environment" koanf:"environment"`
	Levels      map[string]LevelConfig `yaml:"levels" koanf:"levels"` // keyed by level number, "0".."N-1"
	Inputs      []InputConfig          `yaml:"inputs" koanf:"inputs"`
}

// EnvironmentConfig names the external binaries and library path the
// daemon's child processes need.
type EnvironmentConfig struct {
	DBusDaemonBin string `yaml:"dbus_daemon_bin" koanf:"dbus_daemon_bin"`
	OmxplayerBin  string `yaml:"omxplayer_bin" koanf:"omxplayer_bin"`
	LDLibraryPath string `yaml:"ld_library_path" koanf:"ld_library_path"`
}

// LevelConfig describes one configured play level.
type LevelConfig struct {
	Folder  string        `yaml:"folder" koanf:"folder"`
	FadeIn  time.Duration `yaml:"fadein" koanf:"fadein"`
	FadeOut time.Duration `yaml:"fadeout" koanf:"fadeout"`
}

// InputConfig describes one configured input adapter. Type selects which
// fields apply; unused fields are zero-valued for adapter types that don't
// need them. AGDCapacity/AGDThresholds configure the Aggregated Derivative
// detector fed by "serial" and "hid" readings; "netline" and "web" publish
// change_play_level directly and ignore them.
type InputConfig struct {
	Type           string        `yaml:"type" koanf:"type"` // "serial", "hid", "netline", "web"
	Name           string        `yaml:"name" koanf:"name"`
	Path           string        `yaml:"path" koanf:"path"`
	Addr           string        `yaml:"addr" koanf:"addr"`
	Scale          float64       `yaml:"scale" koanf:"scale"`
	Offset         float64       `yaml:"offset" koanf:"offset"`
	SampleInterval time.Duration `yaml:"sample_interval" koanf:"sample_interval"`
	AGDCapacity    int           `yaml:"agd_capacity" koanf:"agd_capacity"`
	AGDThresholds  []float64     `yaml:"agd_thresholds" koanf:"agd_thresholds"`
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w: %w", vela.ErrConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ResolveLevelFolders rewrites every relative level folder to be relative
// to execDir, per spec §6's "level folders if relative are resolved
// against the executable directory".
func (c *Config) ResolveLevelFolders(execDir string) {
	for k, lvl := range c.Levels {
		if !filepath.IsAbs(lvl.Folder) {
			lvl.Folder = filepath.Join(execDir, lvl.Folder)
			c.Levels[k] = lvl
		}
	}
}

// SortedLevelNumbers returns the configured level numbers (the Levels map's
// keys, parsed as integers) in ascending order. A key that doesn't parse as
// an integer is skipped.
func (c *Config) SortedLevelNumbers() []int {
	numbers := make([]int, 0, len(c.Levels))
	for k := range c.Levels {
		if n, err := strconv.Atoi(k); err == nil {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	return numbers
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if len(c.Levels) == 0 {
		return fmt.Errorf("at least one level must be configured: %w", vela.ErrConfigInvalid)
	}
	for k, lvl := range c.Levels {
		if lvl.Folder == "" {
			return fmt.Errorf("level %q: folder must not be empty: %w", k, vela.ErrConfigInvalid)
		}
	}
	for i, in := range c.Inputs {
		switch in.Type {
		case "serial":
			if in.Path == "" {
				return fmt.Errorf("input %d (serial): path must not be empty: %w", i, vela.ErrConfigInvalid)
			}
		case "hid":
			if in.Path == "" {
				return fmt.Errorf("input %d (hid): path must not be empty: %w", i, vela.ErrConfigInvalid)
			}
		case "netline":
			if in.Addr == "" {
				return fmt.Errorf("input %d (netline): addr must not be empty: %w", i, vela.ErrConfigInvalid)
			}
		case "web":
			// no required fields
		default:
			return fmt.Errorf("input %d: unknown type %q: %w", i, in.Type, vela.ErrConfigInvalid)
		}
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults, used when no
// config file exists or for testing.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogLevels: map[string]string{},
		Environment: EnvironmentConfig{
			DBusDaemonBin: "/usr/bin/dbus-daemon",
			OmxplayerBin:  "/usr/bin/omxplayer.bin",
		},
		Levels: map[string]LevelConfig{
			"0": {Folder: "media/0"},
			"1": {Folder: "media/1", FadeIn: 500 * time.Millisecond, FadeOut: 500 * time.Millisecond},
			"2": {Folder: "media/2", FadeIn: 500 * time.Millisecond, FadeOut: 500 * time.Millisecond},
			"3": {Folder: "media/3", FadeIn: 500 * time.Millisecond, FadeOut: 500 * time.Millisecond},
		},
		Inputs: []InputConfig{
			{Type: "web", Name: "control"},
		},
	}
}
