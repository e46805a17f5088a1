/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package domain holds the plain Go types for every persisted entity
// described by the data model: Organization, Role, Team, Agent, Project,
// Goal, Task, ChangeSet, ExecutionRecord, CostRecord, and EscalationRecord.
// These are row shapes, not an ORM — internal/store owns the SQL.
package domain

import (
	"time"

	"github.com/hortator-ai/orchestrator/internal/ids"
)

// Organization is the tenancy boundary. AutonomousExecution is the
// emergency-stop flag: false means the concurrency governor refuses to
// start new execution cycles for any agent in this organization.
type Organization struct {
	ID                  ids.ID
	Name                string
	ContextPrompt       string // layer 1 of the prompt composer
	DailyCapSubCents    int64
	MonthlyCapSubCents  int64
	MaxConcurrentAgents int
	AutonomousExecution bool
	LastStopReason      string
	CreatedAt           time.Time
}

// Role is a capability profile. Capabilities are free-text tags matched by
// set containment, never substring, and compared case-insensitively and
// normalized (see taskpool.NormalizeCapabilities).
type Role struct {
	ID                         ids.ID
	OrganizationID             ids.ID
	Name                       string
	SystemPrompt               string // layer 3
	Capabilities               []string
	EligibleForTransientCreate bool
	CreatedAt                  time.Time
}

// Team groups agents under an optional parent, for prompt layer 2 and for
// reviewer/teammate selection in the escalation ladder and review loop.
type Team struct {
	ID                ids.ID
	OrganizationID    ids.ID
	Name              string
	ParentTeamID      *ids.ID
	ManagerAgentID    *ids.ID
	DescriptionPrompt string // layer 2
	CreatedAt         time.Time
}
