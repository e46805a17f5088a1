/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package domain

import (
	"time"

	"github.com/hortator-ai/orchestrator/internal/ids"
)

// AgentLifecycle distinguishes permanent org members from ephemeral
// transient subordinates spawned for a single task.
type AgentLifecycle string

const (
	LifecyclePermanent AgentLifecycle = "PERMANENT"
	LifecycleTransient AgentLifecycle = "TRANSIENT"
)

// AgentStatus tracks what an agent is presently doing. The invariant
// Status == Working implies CurrentTaskID != nil is enforced by every
// writer, not just checked at read time — see taskpool.Claim and
// execution.Cycle's release path.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "IDLE"
	AgentWorking   AgentStatus = "WORKING"
	AgentBlocked   AgentStatus = "BLOCKED"
	AgentReviewing AgentStatus = "REVIEWING"
	AgentOffline   AgentStatus = "OFFLINE"
	AgentError     AgentStatus = "ERROR"
)

// MaxTransientDepth is the hard cap on the transient-subordinate tree:
// a depth-0 permanent agent may create depth-1 transients,
// which may create depth-2, which may create depth-3 — no deeper.
const MaxTransientDepth = 3

// Agent is the execution principal.
type Agent struct {
	ID                  ids.ID
	OrganizationID      ids.ID
	TeamID              ids.ID
	RoleID              ids.ID
	Name                string
	BrainProvider       string
	CustomPrompt        string // layer 4, optional
	Lifecycle           AgentLifecycle
	Status              AgentStatus
	CreatorAgentID      *ids.ID // set for TRANSIENT agents
	Depth               int     // 0 for PERMANENT, parent depth+1 for TRANSIENT
	CurrentTaskID       *ids.ID
	MaxConcurrentTasks  int
	TasksCompleted      int64
	TasksFailed         int64
	TotalDurationMillis int64
	CreatedAt           time.Time
}

// SuccessRate returns completed/(completed+failed), or 1.0 with no attempts
// yet — an idle agent has not failed anything.
func (a *Agent) SuccessRate() float64 {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(a.TasksCompleted) / float64(total)
}

// AverageDurationMillis returns the mean completed-task duration, or 0.
func (a *Agent) AverageDurationMillis() int64 {
	if a.TasksCompleted == 0 {
		return 0
	}
	return a.TotalDurationMillis / a.TasksCompleted
}

// CanSpawnTransient reports whether a has room in the subordination tree
// to create another transient agent.
func (a *Agent) CanSpawnTransient() bool {
	return a.Depth < MaxTransientDepth
}
