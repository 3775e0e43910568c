// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package extension

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/storykit/storykit/internal/extension/capability"
	"github.com/storykit/storykit/internal/extension/resolver"
)

// Manifest represents an extension.yaml file: the static half of an
// extension, consumed before any of its code runs.
type Manifest struct {
	Name         string            `yaml:"name" json:"name" jsonschema:"required,maxLength=64,pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,description=Unique extension name"`
	Version      string            `yaml:"version" json:"version" jsonschema:"required,pattern=^[0-9]+\\.[0-9]+\\.[0-9]+$,description=Semantic version triple (X.Y.Z)"`
	Entry        string            `yaml:"entry" json:"entry" jsonschema:"required,description=Lua entry file relative to the extension directory"`
	Dependencies map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty" jsonschema:"description=Extension name to version constraint"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty" jsonschema:"description=Capability tags the extension requests"`
}

// ParseManifest parses and validates an extension.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := resolver.ParseVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version triple: %w", m.Version, err)
	}

	if m.Entry == "" {
		return fmt.Errorf("entry is required")
	}

	for dep, constraint := range m.Dependencies {
		if dep == "" {
			return fmt.Errorf("dependency with empty name")
		}
		if _, err := resolver.ParseConstraint(constraint); err != nil {
			return fmt.Errorf("dependency %q: %w", dep, err)
		}
	}

	for _, tag := range m.Capabilities {
		if err := capability.ValidateTag(tag); err != nil {
			return err
		}
	}

	return nil
}

// manifestFileName is the per-extension manifest file the discoverer
// looks for.
const manifestFileName = "extension.yaml"

// Discovered pairs a parsed manifest with its directory.
type Discovered struct {
	Manifest *Manifest
	Dir      string
}

// EntryPath returns the absolute path of the extension's Lua entry
// file.
func (d *Discovered) EntryPath() string {
	return filepath.Join(d.Dir, d.Manifest.Entry)
}

// Discover finds all valid extensions under dir (one subdirectory per
// extension). Directories without a manifest or with an invalid one are
// logged and skipped so a single broken extension never blocks startup.
func Discover(dir string) ([]*Discovered, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no extensions directory
		}
		return nil, fmt.Errorf("failed to read extensions directory: %w", err)
	}

	var found []*Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		extDir := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(filepath.Join(extDir, manifestFileName)) //nolint:gosec // path built from ReadDir entries
		if err != nil {
			slog.Warn("skipping extension without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping extension with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		found = append(found, &Discovered{Manifest: manifest, Dir: extDir})
	}

	return found, nil
}
