/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	goalOrgID     string
	goalProjectID string
	goalOwnerID   string
	goalTitle     string
	goalDesc      string
	goalCriteria  []string
)

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Submit and inspect goals",
}

var goalSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new goal for the decomposition engine to pick up",
	Long: `Submit a goal with decomposed=false; the next decompose-loop tick
picks it up and runs Phase A of the decomposition engine.

Examples:
  hortatorctl goal submit --org <id> --project <id> --owner <id> \
      --title "Add feature X" --criteria "X is merged"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"organization_id":  goalOrgID,
			"project_id":       goalProjectID,
			"owner_agent_id":   goalOwnerID,
			"title":            goalTitle,
			"description":      goalDesc,
			"success_criteria": goalCriteria,
		}
		var result map[string]string
		if err := doJSON("POST", "/goals", body, &result); err != nil {
			return err
		}
		fmt.Printf("goal submitted: %s\n", result["id"])
		return nil
	},
}

func init() {
	goalSubmitCmd.Flags().StringVar(&goalOrgID, "org", "", "Organization id (required)")
	goalSubmitCmd.Flags().StringVar(&goalProjectID, "project", "", "Project id (required)")
	goalSubmitCmd.Flags().StringVar(&goalOwnerID, "owner", "", "Owner agent id (required)")
	goalSubmitCmd.Flags().StringVar(&goalTitle, "title", "", "Goal title (required)")
	goalSubmitCmd.Flags().StringVar(&goalDesc, "description", "", "Goal description")
	goalSubmitCmd.Flags().StringArrayVar(&goalCriteria, "criteria", nil, "Success criterion (repeatable)")
	_ = goalSubmitCmd.MarkFlagRequired("org")
	_ = goalSubmitCmd.MarkFlagRequired("project")
	_ = goalSubmitCmd.MarkFlagRequired("owner")
	_ = goalSubmitCmd.MarkFlagRequired("title")

	goalCmd.AddCommand(goalSubmitCmd)
	rootCmd.AddCommand(goalCmd)
}
