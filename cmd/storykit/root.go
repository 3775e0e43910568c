// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the StoryKit CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storykit",
		Short: "StoryKit - an extension host for interactive fiction engines",
		Long: `StoryKit runs Lua extensions for interactive fiction engines:
sandboxed execution, semver dependency resolution, and priority-ordered
event hooks.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newDepsCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
