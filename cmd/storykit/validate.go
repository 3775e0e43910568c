// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/storykit/storykit/internal/extension"
	"github.com/storykit/storykit/internal/sandbox"
)

// newValidateCmd creates the validate subcommand.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <extension-dir>...",
		Short: "Validate extension manifests and entry files",
		Long: `Validate one or more extension directories: the extension.yaml is
checked against the manifest schema and semantic rules, and the Lua
entry file is compiled without being executed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := 0
			for _, dir := range args {
				if err := validateExtensionDir(dir); err != nil {
					failures++
					cmd.PrintErrf("FAIL %s: %v\n", dir, err)
					continue
				}
				cmd.Printf("OK   %s\n", dir)
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d extension(s) failed validation", failures, len(args))
			}
			return nil
		},
	}
}

// validateExtensionDir checks one extension directory end to end.
func validateExtensionDir(dir string) error {
	data, err := os.ReadFile(filepath.Join(filepath.Clean(dir), "extension.yaml"))
	if err != nil {
		return fmt.Errorf("missing manifest: %w", err)
	}

	if err := extension.ValidateSchema(data); err != nil {
		return fmt.Errorf("schema: %s", extension.FormatSchemaError(err))
	}

	manifest, err := extension.ParseManifest(data)
	if err != nil {
		return err
	}

	entryPath := filepath.Join(filepath.Clean(dir), manifest.Entry)
	source, err := os.ReadFile(entryPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("missing entry file %s: %w", manifest.Entry, err)
	}

	if _, err := sandbox.Compile(string(source), manifest.Name); err != nil {
		return err
	}
	return nil
}
