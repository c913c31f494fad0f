// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment variable prefix recognized by
// LoadWithEnvOverrides when none is given.
const DefaultEnvPrefix = "VELA"

// LoadWithEnvOverrides loads the YAML document at path (if non-empty),
// layers environment-variable overrides on top under prefix, and returns
// the unmarshaled, validated Config.
//
// Precedence (highest to lowest): environment variables, YAML file, struct
// zero values. This mirrors the teacher's koanf.go env-override behavior,
// generalized from the `devices_<name>_<field>` transform to this domain's
// `levels_<n>_<field>` and `inputs_<n>_<field>` nested-list shape.
func LoadWithEnvOverrides(path, prefix string) (*Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading YAML file: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix:        prefix + "_",
		TransformFunc: envTransform(prefix),
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// envTransform converts VELA_LOGLEVEL, VELA_LEVELS_0_FOLDER,
// VELA_INPUTS_2_ADDR, etc. (env.Provider passes the full variable name; the
// prefix is trimmed here) into koanf's dotted-path key shape: loglevel,
// levels.0.folder, inputs.2.addr.
func envTransform(prefix string) func(k, v string) (string, any) {
	return func(k, v string) (string, any) {
		k = strings.TrimPrefix(k, prefix+"_")
		k = strings.ToLower(k)

		for _, top := range []string{"levels_", "inputs_"} {
			if strings.HasPrefix(k, top) {
				rest := strings.TrimPrefix(k, top)
				topLevel := strings.TrimSuffix(top, "_")
				// rest is "<index>_<field...>"; split on the first underscore.
				idx := strings.IndexByte(rest, '_')
				if idx < 0 {
					return topLevel + "." + rest, v
				}
				number, field := rest[:idx], rest[idx+1:]
				return topLevel + "." + number + "." + field, v
			}
		}

		return strings.ReplaceAll(k, "_", "."), v
	}
}
