/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package domain

import (
	"time"

	"github.com/hortator-ai/orchestrator/internal/ids"
)

// GoalStatus tracks a goal from submission through decomposition to
// completion. Decomposed is a separate monotonic flag, not derived from
// Status, because a goal can be ACTIVE both before and after decomposition
// (decomposition just stops being re-triggered).
type GoalStatus string

const (
	GoalActive     GoalStatus = "ACTIVE"
	GoalDecomposed GoalStatus = "DECOMPOSED"
	GoalCompleted  GoalStatus = "COMPLETED"
	GoalAbandoned  GoalStatus = "ABANDONED"
	GoalFailed     GoalStatus = "FAILED"
)

// Goal is the top-level unit of work filed by a human.
type Goal struct {
	ID              ids.ID
	OrganizationID  ids.ID
	ProjectID       ids.ID
	OwnerAgentID    ids.ID
	Title           string
	Description     string
	SuccessCriteria []string
	Status          GoalStatus
	Decomposed      bool // monotonic false -> true, flipped by CAS in decompose.PhaseA
	// DecomposeFailureCount counts consecutive Phase A parse failures; it
	// goes terminal (Status -> GoalFailed) once it reaches MaxParseRetries.
	DecomposeFailureCount int
	CreatedAt             time.Time
	DecomposedAt          *time.Time
}
