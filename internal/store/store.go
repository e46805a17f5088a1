/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package store is the store gateway: typed operations over every
// persisted entity, plus the specialized operations the rest of the
// control plane depends on (claim_ready_task, find_dependents,
// record_execution, roll_up_cost, set_task_status, find_similar_knowledge).
// Every guarded write goes through an optimistic CAS on the row's current
// status (or decomposed flag, or empty reviewer) or a single serializable
// transaction; the per-row version column is incremented but not compared.
package store

import (
	"context"
	"time"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/vectorstore"
)

// Store is implemented by Postgres (production) and SQLite (tests, and the
// HORTATOR_SCHEDULER_DISABLED local/dev mode).
type Store interface {
	// Organizations.
	CreateOrganization(ctx context.Context, org *domain.Organization) error
	GetOrganization(ctx context.Context, id ids.ID) (*domain.Organization, error)
	SetAutonomousExecution(ctx context.Context, orgID ids.ID, enabled bool, reason string) error

	// Roles, teams, agents, projects.
	CreateRole(ctx context.Context, role *domain.Role) error
	GetRole(ctx context.Context, id ids.ID) (*domain.Role, error)
	// FindRoleByName resolves a role by its case-insensitive name within
	// an organization; reviewer selection uses it to spawn a transient
	// reviewer with the class-matching role.
	FindRoleByName(ctx context.Context, orgID ids.ID, name string) (*domain.Role, error)
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeam(ctx context.Context, id ids.ID) (*domain.Team, error)
	// SetTeamManager points a team at its manager agent. Teams are
	// usually created before the manager agent exists (the agent row
	// references the team), so the manager is attached afterwards.
	SetTeamManager(ctx context.Context, teamID, managerAgentID ids.ID) error
	// FindTeamByName resolves the by-name team references Phase A reads
	// out of the brain's plan (the brain names teams, never IDs).
	FindTeamByName(ctx context.Context, orgID ids.ID, name string) (*domain.Team, error)
	ListTeamMembers(ctx context.Context, teamID ids.ID) ([]*domain.Agent, error)
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id ids.ID) (*domain.Agent, error)
	DeleteAgent(ctx context.Context, id ids.ID) error
	// ListAgentsByCreator lists the transient agents created by
	// creatorID, the input to the creator sweep that tears a
	// subordinate tree down when its originating task terminates.
	ListAgentsByCreator(ctx context.Context, creatorID ids.ID) ([]*domain.Agent, error)
	// UpdateAgentStatus CASes an agent's status, failing with CONFLICT if
	// the agent's current status != from.
	UpdateAgentStatus(ctx context.Context, agentID ids.ID, from, to domain.AgentStatus, currentTask *ids.ID) error
	ListIdleAgents(ctx context.Context, orgID ids.ID) ([]*domain.Agent, error)
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id ids.ID) (*domain.Project, error)

	// Goals.
	CreateGoal(ctx context.Context, goal *domain.Goal) error
	GetGoal(ctx context.Context, id ids.ID) (*domain.Goal, error)
	// UpdateGoal persists goal's mutable fields — status and
	// decompose_failure_count — for the Phase A retry/terminal path.
	UpdateGoal(ctx context.Context, goal *domain.Goal) error
	ListUndecomposedGoals(ctx context.Context, limit int) ([]*domain.Goal, error)
	// MarkGoalDecomposed CASes decomposed false->true; returns false if
	// already decomposed (the double-decomposition no-op law).
	MarkGoalDecomposed(ctx context.Context, goalID ids.ID) (bool, error)

	// Tasks.
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id ids.ID) (*domain.Task, error)
	UpdateTask(ctx context.Context, task *domain.Task) error
	// SetTaskStatus CASes status; fails with CONFLICT if current != from.
	SetTaskStatus(ctx context.Context, taskID ids.ID, from, to domain.TaskStatus) (bool, error)
	// ClaimReadyTask claims the highest-priority, oldest eligible task
	// for an agent in a single serializable transaction.
	ClaimReadyTask(ctx context.Context, agent *domain.Agent) (*domain.Task, error)
	FindDependents(ctx context.Context, taskID ids.ID) ([]*domain.Task, error)
	FindDependencies(ctx context.Context, taskID ids.ID) ([]*domain.Task, error)
	ListReadyTeamEpics(ctx context.Context, limit int) ([]*domain.Task, error)
	ListTasksByStatus(ctx context.Context, projectID ids.ID, status domain.TaskStatus, limit int) ([]*domain.Task, error)
	ListChildTasks(ctx context.Context, parentTaskID ids.ID) ([]*domain.Task, error)
	// ListGoalRootTasks lists a goal's depth-0 tasks (its team epics),
	// the set the review loop checks when deciding whether the goal
	// itself is complete.
	ListGoalRootTasks(ctx context.Context, goalID ids.ID) ([]*domain.Task, error)
	FindUnassignedDraftTasks(ctx context.Context, orgID ids.ID) ([]*domain.Task, error)

	// Execution & cost accounting.
	RecordExecution(ctx context.Context, record *domain.ExecutionRecord) error
	RollUpCost(ctx context.Context, orgID ids.ID, deltaSubCents int64, at time.Time) error
	GetCostRecord(ctx context.Context, orgID ids.ID, day time.Time) (*domain.CostRecord, error)
	ReconcileCostRollup(ctx context.Context, orgID ids.ID) error

	// Change-sets.
	CreateChangeSet(ctx context.Context, cs *domain.ChangeSet) error
	GetChangeSet(ctx context.Context, id ids.ID) (*domain.ChangeSet, error)
	UpdateChangeSetStatus(ctx context.Context, id ids.ID, from, to domain.ChangeSetStatus) (bool, error)
	// AssignChangeSetReviewer CASes reviewer_agent_id from NULL to
	// reviewerAgentID; it returns false, nil (not an error) if a reviewer
	// was already assigned, for the review loop's belt-and-braces sweep
	// over change-sets that published without one.
	AssignChangeSetReviewer(ctx context.Context, id ids.ID, reviewerAgentID ids.ID) (bool, error)
	ListChangeSetsByStatus(ctx context.Context, statuses ...domain.ChangeSetStatus) ([]*domain.ChangeSet, error)

	// Escalation.
	CreateEscalationRecord(ctx context.Context, rec *domain.EscalationRecord) error
	ListEscalationRecords(ctx context.Context, taskID ids.ID) ([]*domain.EscalationRecord, error)
	// ListPendingEscalations lists every undecided record at level, oldest
	// first: the level-5 terminal sweep's input, paired with
	// escalation.IsTerminalWindowExpired to find ones past the 48h window.
	ListPendingEscalations(ctx context.Context, level domain.EscalationLevel) ([]*domain.EscalationRecord, error)

	// Knowledge / vector search — delegates embedding search to
	// internal/vectorstore and resolves the tenancy/min-score filter here
	// (see DESIGN.md Open Question decision 5).
	IndexKnowledge(ctx context.Context, doc vectorstore.Document) error
	FindSimilarKnowledge(ctx context.Context, orgID ids.ID, embedding []float32, topK int, minScore float32) ([]vectorstore.SearchResult, error)

	Close() error
}

// DependenciesSatisfied reports whether every task in deps has reached
// COMPLETED, the precondition for a dependent's PENDING -> READY
// transition.
func DependenciesSatisfied(ctx context.Context, s Store, deps []ids.ID) (bool, error) {
	for _, id := range deps {
		dep, err := s.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if dep.Status != domain.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// UnblockDependents promotes every PENDING dependent of completedTaskID to
// READY once all of its dependencies have reached COMPLETED. Call this
// once a task transitions to COMPLETED (see review.Loop.AutoMerge); it is
// the dependent-unblock primitive, complementing the PENDING-candidate
// promotion ClaimReadyTask also runs per tick.
func UnblockDependents(ctx context.Context, s Store, completedTaskID ids.ID) error {
	dependents, err := s.FindDependents(ctx, completedTaskID)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if dep.Status != domain.TaskPending {
			continue
		}
		satisfied, err := DependenciesSatisfied(ctx, s, dep.Dependencies)
		if err != nil || !satisfied {
			continue
		}
		if _, err := s.SetTaskStatus(ctx, dep.ID, domain.TaskPending, domain.TaskReady); err != nil {
			return err
		}
	}
	return nil
}
