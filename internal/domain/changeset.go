/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package domain

import (
	"time"

	"github.com/hortator-ai/orchestrator/internal/ids"
)

// ChangeSetStatus mirrors a typical forge pull/merge-request lifecycle.
type ChangeSetStatus string

const (
	ChangeSetDraft            ChangeSetStatus = "DRAFT"
	ChangeSetReadyForReview   ChangeSetStatus = "READY_FOR_REVIEW"
	ChangeSetChangesRequested ChangeSetStatus = "CHANGES_REQUESTED"
	ChangeSetApproved         ChangeSetStatus = "APPROVED"
	ChangeSetMerged           ChangeSetStatus = "MERGED"
	ChangeSetClosed           ChangeSetStatus = "CLOSED"
)

// ChangeSet references an external branch + review handle on the forge.
type ChangeSet struct {
	ID              ids.ID
	TaskID          ids.ID
	BranchName      string
	ReviewNumber    int
	ReviewURL       string
	AuthorAgentID   ids.ID
	ReviewerAgentID *ids.ID
	Status          ChangeSetStatus
	ReviewComments  []string
	ApprovedAt      *time.Time
	MergedAt        *time.Time
	CreatedAt       time.Time
}

// ExecutionRecord is an append-only record of one execution-cycle attempt.
type ExecutionRecord struct {
	ID            ids.ID
	TaskID        ids.ID
	AgentID       ids.ID
	StartedAt     time.Time
	EndedAt       time.Time
	Outcome       string
	InputTokens   int64
	OutputTokens  int64
	CostSubCents  int64
	BrainDuration time.Duration
}

// CostRecord is the organization-granularity roll-up consumed by the
// quality/cost gate and the concurrency governor. It is derived from
// ExecutionRecord, not independently authoritative — see DESIGN.md Open
// Question decision 2.
type CostRecord struct {
	OrganizationID       ids.ID
	Day                  time.Time // truncated to UTC day
	Month                time.Time // truncated to UTC month
	DailyTotalSubCents   int64
	MonthlyTotalSubCents int64
	UpdatedAt            time.Time
}

// EscalationLevel is the 1-5 rung on the escalation ladder.
type EscalationLevel int

const (
	EscalationSelfRetry  EscalationLevel = 1
	EscalationTeammate   EscalationLevel = 2
	EscalationManager    EscalationLevel = 3
	EscalationHumanReady EscalationLevel = 4
	EscalationTerminal   EscalationLevel = 5
)

// EscalationRecord captures a single rung's resolution.
type EscalationRecord struct {
	ID             ids.ID
	TaskID         ids.ID
	Level          EscalationLevel
	Reason         string
	RequestedAgent ids.ID
	Resolver       string // agent id or "human"
	Decision       string
	DecidedAt      *time.Time
	CreatedAt      time.Time
}
