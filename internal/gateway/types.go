/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package gateway is the external HTTP surface: goal/org control
// endpoints, task CRUD reads, and a websocket goal-status feed, behind
// chi routing, cors, and a per-tenant sliding-window rate limiter.
package gateway

import "time"

// StopRequest is the body of POST /orgs/{id}/stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

// GoalRequest is the body of POST /goals.
type GoalRequest struct {
	OrganizationID  string   `json:"organization_id"`
	ProjectID       string   `json:"project_id"`
	OwnerAgentID    string   `json:"owner_agent_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// AssignRequest is the body of PATCH /tasks/{id}/assign.
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// TaskView is the JSON shape returned for task reads — a projection of
// domain.Task, not the struct itself, so the wire format doesn't shift
// every time an internal field is added.
type TaskView struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	GoalID          *string    `json:"goal_id,omitempty"`
	ParentTaskID    *string    `json:"parent_task_id,omitempty"`
	AssignedTeamID  *string    `json:"assigned_team_id,omitempty"`
	AssignedAgentID *string    `json:"assigned_agent_id,omitempty"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	ChangeSetID     *string    `json:"change_set_id,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// GoalStatusEvent is one message pushed over the watch websocket: a
// snapshot of every task under the watched goal at the moment of the push.
type GoalStatusEvent struct {
	GoalID string     `json:"goal_id"`
	Tasks  []TaskView `json:"tasks"`
}

// ErrorResponse is the JSON error envelope for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
