/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package cmd is hortatorctl's cobra command tree: the human entry point
// onto the orchestrator's external HTTP interfaces. Every command is a
// plain HTTP call against the gateway binary (cmd/gateway).
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
	httpClient   = &http.Client{Timeout: 15 * time.Second}
)

var rootCmd = &cobra.Command{
	Use:   "hortatorctl",
	Short: "CLI for Hortator - autonomous agent orchestration",
	Long: `hortatorctl drives the orchestrator's external HTTP surface: submit
goals, inspect task status, nudge an unassigned task, or trip the
emergency stop for an organization.

Examples:
  # Submit a goal and let the control plane decompose it
  hortatorctl goal submit --org <id> --project <id> --owner <id> --title "Add feature X"

  # Check a task's status
  hortatorctl task get <task-id>

  # List tasks by status for a project
  hortatorctl task list <project-id> --status READY

  # Emergency-stop an organization
  hortatorctl org stop <org-id> --reason "investigating a bad deploy"`,
	Version: Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL(), "Gateway base URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")
}

func defaultServerURL() string {
	if v := os.Getenv("HORTATOR_GATEWAY_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// doJSON performs an HTTP request against the gateway and decodes a JSON
// response into out (nil skips decoding), mapping a non-2xx response into
// the gateway's ErrorResponse shape.
func doJSON(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("gateway returned %d (%s): %s", resp.StatusCode, errResp.Code, errResp.Error)
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
