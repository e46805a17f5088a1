/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hortator-ai/orchestrator/internal/ids"
)

// TaskType is a tagged variant, not a subtype: behavior differences (e.g.
// the quality gate's code-indicator check applying only to IMPLEMENTATION)
// are dispatched on this tag by the gate and the prompt composer.
type TaskType string

const (
	TaskTeamEpic       TaskType = "TEAM_EPIC"
	TaskImplementation TaskType = "IMPLEMENTATION"
	TaskReview         TaskType = "REVIEW"
	TaskTest           TaskType = "TEST"
	TaskDocumentation  TaskType = "DOCUMENTATION"
	TaskSpike          TaskType = "SPIKE"
	TaskOther          TaskType = "OTHER"
)

// Priority: lower numeric value is more urgent. P1 < P2 < P3 < P4.
type Priority int

const (
	P1 Priority = 1
	P2 Priority = 2
	P3 Priority = 3
	P4 Priority = 4
)

// UnmarshalJSON accepts both the numeric form (1) and the label form
// ("P1") — brain-authored plans use either freely.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "P")
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid priority %q", s)
	}
	*p = Priority(n)
	return nil
}

// Complexity is optional — nil/zero value means "not yet estimated".
type Complexity string

const (
	ComplexityLow    Complexity = "LOW"
	ComplexityMedium Complexity = "MEDIUM"
	ComplexityHigh   Complexity = "HIGH"
)

// TaskStatus is the execution-state lifecycle:
//
//	PENDING -> READY (dependencies clear) -> IN_PROGRESS (claimed) ->
//	IN_REVIEW (content produced) -> APPROVED (review passes) ->
//	COMPLETED (merged)
//
// any stage may instead transition to FAILED (terminal), CANCELLED
// (terminal, human-initiated), or BLOCKED (recoverable, with
// BlockedUntil set).
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskReady      TaskStatus = "READY"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskInReview   TaskStatus = "IN_REVIEW"
	TaskApproved   TaskStatus = "APPROVED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// MaxTaskDepth caps the parent/child forest at 3 (root = 0, leaf <= 3).
const MaxTaskDepth = 3

// MaxRetryCount and MaxCIRetryCount bound the self-retry and CI-feedback
// loops respectively; exceeding either is a terminal condition that the
// escalation ladder or review loop acts on.
const (
	MaxRetryCount   = 3
	MaxCIRetryCount = 3
)

// Task is the central work record. Assignment is XOR: AssignedTeamID and
// AssignedAgentID are never both non-nil — see taskpool.ValidateAssignment.
// Both may be nil (an unassigned "draft" task, intentionally invisible to
// the claim query; see DESIGN.md Open Question decision 3).
type Task struct {
	ID        ids.ID
	ProjectID ids.ID
	GoalID    *ids.ID

	ParentTaskID *ids.ID
	Depth        int

	AssignedTeamID  *ids.ID
	AssignedAgentID *ids.ID

	Type                 TaskType
	Priority             Priority
	Complexity           Complexity
	RequiredCapabilities []string
	AffectedFiles        []string

	Status                  TaskStatus
	RetryCount              int
	LastFailureAt           *time.Time
	BlockedUntil            *time.Time
	ConsecutiveFailureCount int
	// DecomposeFailureCount counts consecutive Phase B parse failures for a
	// TEAM_EPIC task; it goes terminal (Status -> TaskBlocked, level-3
	// escalation) once it reaches decompose.MaxParseRetries.
	DecomposeFailureCount int

	CIRetryCount    int
	LastCIFailureAt *time.Time
	LastCIFeedback  string

	ChangeSetID  *ids.ID
	ErrorMessage string

	Dependencies []ids.ID // unordered set of task ids; READY requires all COMPLETED

	Title           string
	Description     string
	SuccessCriteria []string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// IsLeaf reports whether t is a leaf task (not a team epic).
func (t *Task) IsLeaf() bool {
	return t.Type != TaskTeamEpic
}

// IsUnassigned reports whether neither team nor agent is assigned.
func (t *Task) IsUnassigned() bool {
	return t.AssignedTeamID == nil && t.AssignedAgentID == nil
}

// IsTerminal reports whether t has reached a status the control plane no
// longer acts on.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}
