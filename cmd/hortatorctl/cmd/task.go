/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// taskView mirrors internal/gateway.TaskView; duplicated rather than
// imported so the CLI binary never needs to link the server-side gateway
// package.
type taskView struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	GoalID          *string `json:"goal_id,omitempty"`
	ParentTaskID    *string `json:"parent_task_id,omitempty"`
	AssignedTeamID  *string `json:"assigned_team_id,omitempty"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	ChangeSetID     *string `json:"change_set_id,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

var taskListStatus string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and nudge tasks",
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Get a single task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t taskView
		if err := doJSON("GET", "/tasks/"+args[0], nil, &t); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(t)
		}
		printTaskDetail(t)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List tasks in a project by status",
	Long: `Lists tasks under a project, filtered by status (default READY).
Mirrors the claim query's status filter, but read-only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tasks []taskView
		if err := doJSON("GET", "/projects/"+args[0]+"/tasks?status="+taskListStatus, nil, &tasks); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(tasks)
		}
		printTaskTable(tasks)
		return nil
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <task-id> <agent-id>",
	Short: "Assign an agent to an unassigned task",
	Long: `Operator override for a task the decomposition engine left with
neither team nor agent assigned (the "draft task" case surfaced by
FindUnassignedDraftTasks — see DESIGN.md). Fails if the task is already
assigned: a task is owned by a team or an agent, never both.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t taskView
		body := map[string]string{"agent_id": args[1]}
		if err := doJSON("PATCH", "/tasks/"+args[0]+"/assign", body, &t); err != nil {
			return err
		}
		fmt.Printf("task %s assigned to agent %s\n", t.ID, args[1])
		return nil
	},
}

func init() {
	taskListCmd.Flags().StringVar(&taskListStatus, "status", "READY", "Task status to filter by")
	taskCmd.AddCommand(taskGetCmd, taskListCmd, taskAssignCmd)
	rootCmd.AddCommand(taskCmd)
}

func printTaskDetail(t taskView) {
	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Project:     %s\n", t.ProjectID)
	fmt.Printf("Type:        %s\n", t.Type)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Title:       %s\n", t.Title)
	if t.Description != "" {
		fmt.Printf("Description: %s\n", truncate(t.Description, 200))
	}
	if t.AssignedAgentID != nil {
		fmt.Printf("Agent:       %s\n", *t.AssignedAgentID)
	}
	if t.AssignedTeamID != nil {
		fmt.Printf("Team:        %s\n", *t.AssignedTeamID)
	}
	if t.ChangeSetID != nil {
		fmt.Printf("Change-set:  %s\n", *t.ChangeSetID)
	}
	if t.ErrorMessage != "" {
		fmt.Printf("Error:       %s\n", t.ErrorMessage)
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt)
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", *t.CompletedAt)
	}
}

func printTaskTable(tasks []taskView) {
	if len(tasks) == 0 {
		fmt.Println("no tasks found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tTITLE")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Status, truncate(t.Title, 50))
	}
	_ = w.Flush()
}
