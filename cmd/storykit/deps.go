// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/storykit/storykit/internal/config"
	"github.com/storykit/storykit/internal/extension"
	"github.com/storykit/storykit/internal/extension/resolver"
)

// depsConfig holds configuration for the deps command.
type depsConfig struct {
	reverse bool
}

// newDepsCmd creates the deps subcommand.
func newDepsCmd() *cobra.Command {
	cfg := &depsConfig{}

	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Show extension dependency resolution",
		Long: `Discover extensions and print their activation order: every
extension appears after the extensions it depends on. Cycles, missing
dependencies, and constraint violations are reported as errors.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hostCfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runDeps(cmd, hostCfg.Extensions.Dir, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.reverse, "reverse", false, "print teardown order instead")
	cmd.Flags().String("extensions.dir", config.Default().Extensions.Dir, "extensions directory")
	return cmd
}

// runDeps resolves discovered manifests and prints the order.
func runDeps(cmd *cobra.Command, dir string, cfg *depsConfig) error {
	discovered, err := extension.Discover(dir)
	if err != nil {
		return err
	}
	if len(discovered) == 0 {
		cmd.Printf("no extensions found in %s\n", dir)
		return nil
	}

	specs := make([]resolver.Spec, 0, len(discovered))
	byName := make(map[string]*extension.Manifest, len(discovered))
	for _, disc := range discovered {
		m := disc.Manifest
		specs = append(specs, resolver.Spec{
			Name:         m.Name,
			Version:      m.Version,
			Dependencies: m.Dependencies,
		})
		byName[m.Name] = m
	}

	order, err := resolver.Resolve(specs)
	if err != nil {
		return err
	}
	if cfg.reverse {
		order = resolver.ReverseOrder(order)
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tEXTENSION\tVERSION\tDEPENDS ON")
	for i, name := range order {
		m := byName[name]
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, m.Name, m.Version, formatDeps(m.Dependencies))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to format table: %w", err)
	}

	cmd.Print(buf.String())
	return nil
}

// formatDeps renders a dependency map as "name constraint" pairs in
// stable order.
func formatDeps(deps map[string]string) string {
	if len(deps) == 0 {
		return "-"
	}
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+deps[name])
	}
	return strings.Join(parts, ", ")
}
