// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storykit/storykit/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storykit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "extensions", cfg.Extensions.Dir)
	assert.Equal(t, 100*time.Millisecond, cfg.Sandbox.Timeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Observability.Enabled)
	assert.Empty(t, cfg.Storage.DSN)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
extensions:
  dir: /srv/extensions
sandbox:
  timeout: 250ms
  modules:
    mathx: modules/mathx.lua
log:
  format: text
  level: debug
storage:
  dsn: postgres://localhost/storykit
`)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/srv/extensions", cfg.Extensions.Dir)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.Timeout)
	assert.Equal(t, "modules/mathx.lua", cfg.Sandbox.Modules["mathx"])
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres://localhost/storykit", cfg.Storage.DSN)

	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1:9090", cfg.Observability.Addr)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
extensions:
  dir: /from/file
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("extensions.dir", "", "")
	flags.String("log.format", "", "")
	require.NoError(t, flags.Parse([]string{
		"--extensions.dir=/from/flag",
		"--log.format=text",
	}))

	cfg, err := config.Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.Extensions.Dir)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{"defaults are valid", func(*config.Config) {}, true},
		{"empty extensions dir", func(c *config.Config) { c.Extensions.Dir = "" }, false},
		{"zero timeout", func(c *config.Config) { c.Sandbox.Timeout = 0 }, false},
		{"negative timeout", func(c *config.Config) { c.Sandbox.Timeout = -time.Second }, false},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }, false},
		{"bad log level", func(c *config.Config) { c.Log.Level = "verbose" }, false},
		{"enabled observability without addr", func(c *config.Config) {
			c.Observability.Addr = ""
		}, false},
		{"disabled observability without addr", func(c *config.Config) {
			c.Observability.Enabled = false
			c.Observability.Addr = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
