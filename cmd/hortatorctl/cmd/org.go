/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopReason string

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage organization-level emergency stop",
}

var orgStopCmd = &cobra.Command{
	Use:   "stop <org-id>",
	Short: "Trip the emergency stop for an organization",
	Long: `Sets the organization's autonomous-execution flag to false. The
execute loop's concurrency governor will refuse to start any new
execution cycle for this organization until it is resumed.

Examples:
  hortatorctl org stop 6f1c...  --reason "investigating a bad deploy"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := doJSON("POST", "/orgs/"+args[0]+"/stop", map[string]string{"reason": stopReason}, &result); err != nil {
			return err
		}
		fmt.Printf("organization %s: %s\n", args[0], result["status"])
		return nil
	},
}

var orgResumeCmd = &cobra.Command{
	Use:   "resume <org-id>",
	Short: "Clear an emergency stop for an organization",
	Long: `Sets the organization's autonomous-execution flag back on, whether
the stop was tripped by an operator or by the governor's own daily-cap check.
Resuming is human-only — the core never clears its own stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := doJSON("POST", "/orgs/"+args[0]+"/resume", nil, &result); err != nil {
			return err
		}
		fmt.Printf("organization %s: %s\n", args[0], result["status"])
		return nil
	},
}

func init() {
	orgStopCmd.Flags().StringVar(&stopReason, "reason", "", "Human-readable reason recorded as last_stop_reason")
	orgCmd.AddCommand(orgStopCmd, orgResumeCmd)
	rootCmd.AddCommand(orgCmd)
}
