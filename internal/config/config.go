// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package config loads host configuration: defaults, an optional YAML
// file, and command-line flag overrides, in that order.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full host configuration.
type Config struct {
	Extensions    ExtensionsConfig    `koanf:"extensions"`
	Sandbox       SandboxConfig       `koanf:"sandbox"`
	Log           LogConfig           `koanf:"log"`
	Observability ObservabilityConfig `koanf:"observability"`
	Storage       StorageConfig       `koanf:"storage"`
}

// ExtensionsConfig locates extensions on disk.
type ExtensionsConfig struct {
	// Dir holds one subdirectory per extension, each with an
	// extension.yaml and its Lua sources.
	Dir string `koanf:"dir"`
}

// SandboxConfig bounds extension execution.
type SandboxConfig struct {
	// Timeout is the per-call deadline for extension code.
	Timeout time.Duration `koanf:"timeout"`
	// Modules maps whitelisted require names to Lua files. Empty means
	// extensions have no require at all.
	Modules map[string]string `koanf:"modules"`
}

// LogConfig shapes host logging.
type LogConfig struct {
	Format string `koanf:"format"` // "json" or "text"
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
}

// ObservabilityConfig controls the metrics/health endpoint.
type ObservabilityConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// StorageConfig selects the extension storage backend.
type StorageConfig struct {
	// DSN is a Postgres connection string. Empty selects the in-memory
	// store.
	DSN string `koanf:"dsn"`
}

// Default returns the baseline configuration a host starts from.
func Default() Config {
	return Config{
		Extensions: ExtensionsConfig{
			Dir: "extensions",
		},
		Sandbox: SandboxConfig{
			Timeout: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Observability: ObservabilityConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (optional; empty path skips it), then flag overrides (nil skips
// them). Flag names use dotted keys, e.g. --extensions.dir.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	errb := oops.In("config").With("path", path)

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, errb.Hint("failed to read config file").Wrap(err)
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return cfg, errb.Hint("failed to read flags").Wrap(err)
		}
	}

	// Unmarshal over the defaults; keys absent from file and flags keep
	// their baseline values.
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, errb.Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	errb := oops.In("config")

	if c.Extensions.Dir == "" {
		return errb.New("extensions.dir cannot be empty")
	}
	if c.Sandbox.Timeout <= 0 {
		return errb.With("timeout", c.Sandbox.Timeout.String()).
			New("sandbox.timeout must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errb.With("format", c.Log.Format).
			New(`log.format must be "json" or "text"`)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errb.With("level", c.Log.Level).
			New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	if c.Observability.Enabled && c.Observability.Addr == "" {
		return errb.New("observability.addr cannot be empty when enabled")
	}
	return nil
}
