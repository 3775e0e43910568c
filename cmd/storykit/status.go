// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/storykit/storykit/internal/config"
)

// HostStatus holds the probe results for a running host.
type HostStatus struct {
	Addr  string `json:"addr"`
	Live  bool   `json:"live"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running StoryKit host",
		Long:  `Probe a running host's observability endpoint for liveness and readiness.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hostCfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			status := probeHost(hostCfg.Observability.Addr)
			if cfg.jsonOutput {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Println(formatStatus(status))
			return nil
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().String("observability.addr", config.Default().Observability.Addr, "observability address to probe")
	return cmd
}

// probeHost queries the liveness and readiness endpoints.
func probeHost(addr string) HostStatus {
	status := HostStatus{Addr: addr}
	client := &http.Client{Timeout: 2 * time.Second}

	live, err := probe(client, "http://"+addr+"/healthz/liveness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Live = live

	ready, err := probe(client, "http://"+addr+"/healthz/readiness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Ready = ready

	return status
}

func probe(client *http.Client, url string) (bool, error) {
	resp, err := client.Get(url) //nolint:noctx // short one-shot probe with client timeout
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

// formatStatus renders the probe result for humans.
func formatStatus(status HostStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "host %s\n", status.Addr)
	switch {
	case status.Error != "":
		fmt.Fprintf(&b, "  status: unreachable (%s)", status.Error)
	case status.Ready:
		b.WriteString("  status: running, ready")
	case status.Live:
		b.WriteString("  status: running, not ready")
	default:
		b.WriteString("  status: unhealthy")
	}
	return b.String()
}
