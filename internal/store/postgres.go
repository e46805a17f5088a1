/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/vectorstore"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the production Store backend: pgx/v5 over a connection pool,
// SERIALIZABLE transactions for the claim protocol and optimistic CAS
// (status, decomposed or reviewer column) for every other guarded write.
type Postgres struct {
	pool   *pgxpool.Pool
	vector vectorstore.Store
}

// NewPostgres opens a pool against dsn and applies the embedded schema.
// Schema application is idempotent (CREATE TABLE IF NOT EXISTS) so it is
// safe to call on every process start.
func NewPostgres(ctx context.Context, dsn string, vector vectorstore.Store) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "open postgres pool", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, orcherr.Wrap(orcherr.Transient, "apply schema", err)
	}
	return &Postgres{pool: pool, vector: vector}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func noRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

// --- Organizations ---

func (p *Postgres) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO organizations (id, name, context_prompt, daily_cap_sub_cents,
			monthly_cap_sub_cents, max_concurrent_agents, autonomous_execution,
			last_stop_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		org.ID, org.Name, org.ContextPrompt, org.DailyCapSubCents, org.MonthlyCapSubCents,
		org.MaxConcurrentAgents, org.AutonomousExecution, org.LastStopReason, org.CreatedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create organization", err)
	}
	return nil
}

func (p *Postgres) GetOrganization(ctx context.Context, id ids.ID) (*domain.Organization, error) {
	var o domain.Organization
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, context_prompt, daily_cap_sub_cents, monthly_cap_sub_cents,
			max_concurrent_agents, autonomous_execution, last_stop_reason, created_at
		FROM organizations WHERE id = $1`, id).Scan(
		&o.ID, &o.Name, &o.ContextPrompt, &o.DailyCapSubCents, &o.MonthlyCapSubCents,
		&o.MaxConcurrentAgents, &o.AutonomousExecution, &o.LastStopReason, &o.CreatedAt)
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "organization not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get organization", err)
	}
	return &o, nil
}

func (p *Postgres) SetAutonomousExecution(ctx context.Context, orgID ids.ID, enabled bool, reason string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE organizations SET autonomous_execution = $2, last_stop_reason = $3, version = version + 1
		WHERE id = $1`, orgID, enabled, reason)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "set autonomous_execution", err)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.New(orcherr.NotFound, "organization not found")
	}
	return nil
}

// --- Roles, teams, agents, projects ---

func (p *Postgres) CreateRole(ctx context.Context, role *domain.Role) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO roles (id, organization_id, name, system_prompt, capabilities,
			eligible_for_transient_create, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		role.ID, role.OrganizationID, role.Name, role.SystemPrompt, role.Capabilities,
		role.EligibleForTransientCreate, role.CreatedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create role", err)
	}
	return nil
}

func (p *Postgres) GetRole(ctx context.Context, id ids.ID) (*domain.Role, error) {
	var r domain.Role
	err := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, system_prompt, capabilities,
			eligible_for_transient_create, created_at
		FROM roles WHERE id = $1`, id).Scan(
		&r.ID, &r.OrganizationID, &r.Name, &r.SystemPrompt, &r.Capabilities,
		&r.EligibleForTransientCreate, &r.CreatedAt)
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "role not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get role", err)
	}
	return &r, nil
}

func (p *Postgres) FindRoleByName(ctx context.Context, orgID ids.ID, name string) (*domain.Role, error) {
	var r domain.Role
	err := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, system_prompt, capabilities,
			eligible_for_transient_create, created_at
		FROM roles WHERE organization_id = $1 AND lower(name) = lower($2)`, orgID, name).Scan(
		&r.ID, &r.OrganizationID, &r.Name, &r.SystemPrompt, &r.Capabilities,
		&r.EligibleForTransientCreate, &r.CreatedAt)
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "role not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find role by name", err)
	}
	return &r, nil
}

func (p *Postgres) CreateTeam(ctx context.Context, team *domain.Team) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO teams (id, organization_id, name, parent_team_id, manager_agent_id,
			description_prompt, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		team.ID, team.OrganizationID, team.Name, team.ParentTeamID, team.ManagerAgentID,
		team.DescriptionPrompt, team.CreatedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create team", err)
	}
	return nil
}

func (p *Postgres) SetTeamManager(ctx context.Context, teamID, managerAgentID ids.ID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE teams SET manager_agent_id = $2 WHERE id = $1`, teamID, managerAgentID)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "set team manager", err)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.New(orcherr.NotFound, "team not found")
	}
	return nil
}

func (p *Postgres) GetTeam(ctx context.Context, id ids.ID) (*domain.Team, error) {
	var t domain.Team
	err := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, parent_team_id, manager_agent_id,
			description_prompt, created_at
		FROM teams WHERE id = $1`, id).Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.ParentTeamID, &t.ManagerAgentID,
		&t.DescriptionPrompt, &t.CreatedAt)
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "team not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get team", err)
	}
	return &t, nil
}

func (p *Postgres) FindTeamByName(ctx context.Context, orgID ids.ID, name string) (*domain.Team, error) {
	var t domain.Team
	err := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, parent_team_id, manager_agent_id,
			description_prompt, created_at
		FROM teams WHERE organization_id = $1 AND name = $2`, orgID, name).Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.ParentTeamID, &t.ManagerAgentID,
		&t.DescriptionPrompt, &t.CreatedAt)
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "team not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find team by name", err)
	}
	return &t, nil
}

func (p *Postgres) ListTeamMembers(ctx context.Context, teamID ids.ID) ([]*domain.Agent, error) {
	rows, err := p.pool.Query(ctx, agentSelect+` WHERE team_id = $1 ORDER BY created_at`, teamID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list team members", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

const agentSelect = `
	SELECT id, organization_id, team_id, role_id, name, brain_provider, custom_prompt,
		lifecycle, status, creator_agent_id, depth, current_task_id, max_concurrent_tasks,
		tasks_completed, tasks_failed, total_duration_millis, created_at
	FROM agents`

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.OrganizationID, &a.TeamID, &a.RoleID, &a.Name, &a.BrainProvider,
		&a.CustomPrompt, &a.Lifecycle, &a.Status, &a.CreatorAgentID, &a.Depth, &a.CurrentTaskID,
		&a.MaxConcurrentTasks, &a.TasksCompleted, &a.TasksFailed, &a.TotalDurationMillis, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAgents(rows pgx.Rows) ([]*domain.Agent, error) {
	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO agents (id, organization_id, team_id, role_id, name, brain_provider,
			custom_prompt, lifecycle, status, creator_agent_id, depth, current_task_id,
			max_concurrent_tasks, tasks_completed, tasks_failed, total_duration_millis, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		agent.ID, agent.OrganizationID, agent.TeamID, agent.RoleID, agent.Name, agent.BrainProvider,
		agent.CustomPrompt, agent.Lifecycle, agent.Status, agent.CreatorAgentID, agent.Depth,
		agent.CurrentTaskID, agent.MaxConcurrentTasks, agent.TasksCompleted, agent.TasksFailed,
		agent.TotalDurationMillis, agent.CreatedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create agent", err)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, id ids.ID) (*domain.Agent, error) {
	a, err := scanAgent(p.pool.QueryRow(ctx, agentSelect+` WHERE id = $1`, id))
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "agent not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get agent", err)
	}
	return a, nil
}

func (p *Postgres) DeleteAgent(ctx context.Context, id ids.ID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "delete agent", err)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.New(orcherr.NotFound, "agent not found")
	}
	return nil
}

func (p *Postgres) ListAgentsByCreator(ctx context.Context, creatorID ids.ID) ([]*domain.Agent, error) {
	rows, err := p.pool.Query(ctx, agentSelect+` WHERE creator_agent_id = $1 ORDER BY created_at`, creatorID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list agents by creator", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func (p *Postgres) UpdateAgentStatus(ctx context.Context, agentID ids.ID, from, to domain.AgentStatus, currentTask *ids.ID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE agents SET status = $3, current_task_id = $4, version = version + 1
		WHERE id = $1 AND status = $2`, agentID, from, to, currentTask)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "update agent status", err)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.New(orcherr.Conflict, fmt.Sprintf("agent %s not in status %s", agentID, from))
	}
	return nil
}

func (p *Postgres) ListIdleAgents(ctx context.Context, orgID ids.ID) ([]*domain.Agent, error) {
	rows, err := p.pool.Query(ctx, agentSelect+` WHERE organization_id = $1 AND status = $2 ORDER BY created_at`,
		orgID, domain.AgentIdle)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list idle agents", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func (p *Postgres) CreateProject(ctx context.Context, project *domain.Project) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO projects (id, organization_id, name, host_url, working_dir_root, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		project.ID, project.OrganizationID, project.Name, project.HostURL, project.WorkingDirRoot,
		project.Status, project.CreatedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create project", err)
	}
	return nil
}

func (p *Postgres) GetProject(ctx context.Context, id ids.ID) (*domain.Project, error) {
	var pr domain.Project
	err := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, host_url, working_dir_root, status, created_at
		FROM projects WHERE id = $1`, id).Scan(
		&pr.ID, &pr.OrganizationID, &pr.Name, &pr.HostURL, &pr.WorkingDirRoot, &pr.Status, &pr.CreatedAt)
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "project not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get project", err)
	}
	return &pr, nil
}

// --- Goals ---

func (p *Postgres) CreateGoal(ctx context.Context, goal *domain.Goal) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO goals (id, organization_id, project_id, owner_agent_id, title, description,
			success_criteria, status, decomposed, decompose_failure_count, created_at, decomposed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		goal.ID, goal.OrganizationID, goal.ProjectID, goal.OwnerAgentID, goal.Title, goal.Description,
		goal.SuccessCriteria, goal.Status, goal.Decomposed, goal.DecomposeFailureCount, goal.CreatedAt, goal.DecomposedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create goal", err)
	}
	return nil
}

func (p *Postgres) GetGoal(ctx context.Context, id ids.ID) (*domain.Goal, error) {
	var g domain.Goal
	err := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, project_id, owner_agent_id, title, description,
			success_criteria, status, decomposed, decompose_failure_count, created_at, decomposed_at
		FROM goals WHERE id = $1`, id).Scan(
		&g.ID, &g.OrganizationID, &g.ProjectID, &g.OwnerAgentID, &g.Title, &g.Description,
		&g.SuccessCriteria, &g.Status, &g.Decomposed, &g.DecomposeFailureCount, &g.CreatedAt, &g.DecomposedAt)
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "goal not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get goal", err)
	}
	return &g, nil
}

// UpdateGoal persists the mutable fields touched by the Phase A
// retry/terminal path (status, decompose_failure_count).
func (p *Postgres) UpdateGoal(ctx context.Context, goal *domain.Goal) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE goals SET status = $2, decompose_failure_count = $3, version = version + 1
		WHERE id = $1`, goal.ID, goal.Status, goal.DecomposeFailureCount)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "update goal", err)
	}
	return nil
}

func (p *Postgres) ListUndecomposedGoals(ctx context.Context, limit int) ([]*domain.Goal, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, organization_id, project_id, owner_agent_id, title, description,
			success_criteria, status, decomposed, decompose_failure_count, created_at, decomposed_at
		FROM goals WHERE decomposed = false AND status = $1 ORDER BY created_at LIMIT $2`,
		domain.GoalActive, limit)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list undecomposed goals", err)
	}
	defer rows.Close()
	var out []*domain.Goal
	for rows.Next() {
		var g domain.Goal
		if err := rows.Scan(&g.ID, &g.OrganizationID, &g.ProjectID, &g.OwnerAgentID, &g.Title,
			&g.Description, &g.SuccessCriteria, &g.Status, &g.Decomposed, &g.DecomposeFailureCount, &g.CreatedAt, &g.DecomposedAt); err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan goal", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkGoalDecomposed(ctx context.Context, goalID ids.ID) (bool, error) {
	now := ids.Now()
	tag, err := p.pool.Exec(ctx, `
		UPDATE goals SET decomposed = true, decomposed_at = $2, version = version + 1
		WHERE id = $1 AND decomposed = false`, goalID, now)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "mark goal decomposed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Tasks ---

const taskSelect = `
	SELECT id, project_id, goal_id, parent_task_id, depth, assigned_team_id, assigned_agent_id,
		type, priority, complexity, required_capabilities, affected_files, status, retry_count,
		last_failure_at, blocked_until, consecutive_failure_count, decompose_failure_count,
		ci_retry_count, last_ci_failure_at, last_ci_feedback, change_set_id, error_message,
		dependencies, title, description, success_criteria, created_at, completed_at
	FROM tasks`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.GoalID, &t.ParentTaskID, &t.Depth, &t.AssignedTeamID,
		&t.AssignedAgentID, &t.Type, &t.Priority, &t.Complexity, &t.RequiredCapabilities,
		&t.AffectedFiles, &t.Status, &t.RetryCount, &t.LastFailureAt, &t.BlockedUntil,
		&t.ConsecutiveFailureCount, &t.DecomposeFailureCount, &t.CIRetryCount, &t.LastCIFailureAt, &t.LastCIFeedback,
		&t.ChangeSetID, &t.ErrorMessage, &t.Dependencies, &t.Title, &t.Description,
		&t.SuccessCriteria, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateTask(ctx context.Context, t *domain.Task) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tasks (id, project_id, goal_id, parent_task_id, depth, assigned_team_id,
			assigned_agent_id, type, priority, complexity, required_capabilities, affected_files,
			status, retry_count, last_failure_at, blocked_until, consecutive_failure_count,
			decompose_failure_count, ci_retry_count, last_ci_failure_at, last_ci_feedback,
			change_set_id, error_message, dependencies, title, description, success_criteria,
			created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,
			$23,$24,$25,$26,$27,$28,$29)`,
		t.ID, t.ProjectID, t.GoalID, t.ParentTaskID, t.Depth, t.AssignedTeamID, t.AssignedAgentID,
		t.Type, t.Priority, t.Complexity, t.RequiredCapabilities, t.AffectedFiles, t.Status,
		t.RetryCount, t.LastFailureAt, t.BlockedUntil, t.ConsecutiveFailureCount, t.DecomposeFailureCount,
		t.CIRetryCount, t.LastCIFailureAt, t.LastCIFeedback, t.ChangeSetID, t.ErrorMessage, t.Dependencies,
		t.Title, t.Description, t.SuccessCriteria, t.CreatedAt, t.CompletedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create task", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id ids.ID) (*domain.Task, error) {
	t, err := scanTask(p.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id))
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "task not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get task", err)
	}
	return t, nil
}

func (p *Postgres) UpdateTask(ctx context.Context, t *domain.Task) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET assigned_team_id = $2, assigned_agent_id = $3, status = $4,
			retry_count = $5, last_failure_at = $6, blocked_until = $7,
			consecutive_failure_count = $8, decompose_failure_count = $9, ci_retry_count = $10,
			last_ci_failure_at = $11, last_ci_feedback = $12, change_set_id = $13,
			error_message = $14, complexity = $15, completed_at = $16, version = version + 1
		WHERE id = $1`,
		t.ID, t.AssignedTeamID, t.AssignedAgentID, t.Status, t.RetryCount, t.LastFailureAt,
		t.BlockedUntil, t.ConsecutiveFailureCount, t.DecomposeFailureCount, t.CIRetryCount, t.LastCIFailureAt,
		t.LastCIFeedback, t.ChangeSetID, t.ErrorMessage, t.Complexity, t.CompletedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "update task", err)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.New(orcherr.NotFound, "task not found")
	}
	return nil
}

func (p *Postgres) SetTaskStatus(ctx context.Context, taskID ids.ID, from, to domain.TaskStatus) (bool, error) {
	var completedAt any
	if to == domain.TaskCompleted {
		completedAt = ids.Now()
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET status = $3, completed_at = COALESCE($4, completed_at), version = version + 1
		WHERE id = $1 AND status = $2`, taskID, from, to, completedAt)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "set task status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimReadyTask implements the claim protocol in one SERIALIZABLE
// transaction: candidate selection (priority, then age), capability subset,
// file-conflict exclusion against every other IN_PROGRESS task in the same
// project, and the agent's own concurrency cap, finishing with a CAS flip
// to IN_PROGRESS. A serialization failure at commit is surfaced as
// TRANSIENT; the caller is not retried here and the agent waits for the
// next tick.
func (p *Postgres) ClaimReadyTask(ctx context.Context, agent *domain.Agent) (*domain.Task, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "begin claim tx", err)
	}
	defer tx.Rollback(ctx)

	var inFlight int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM tasks WHERE assigned_agent_id = $1 AND status = $2`,
		agent.ID, domain.TaskInProgress).Scan(&inFlight); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "count in-flight tasks", err)
	}
	if inFlight >= agent.MaxConcurrentTasks {
		return nil, nil
	}

	if err := promotePendingCandidates(ctx, tx, agent); err != nil {
		return nil, err
	}

	var roleCaps []string
	if err := tx.QueryRow(ctx, `SELECT capabilities FROM roles WHERE id = $1`, agent.RoleID).Scan(&roleCaps); err != nil && !noRows(err) {
		return nil, orcherr.Wrap(orcherr.Transient, "load role capabilities", err)
	}

	rows, err := tx.Query(ctx, taskSelect+`
		WHERE status = $1
		  AND (assigned_agent_id = $2 OR (assigned_agent_id IS NULL AND assigned_team_id IS NULL))
		ORDER BY priority ASC, created_at ASC
		LIMIT 50`, domain.TaskReady, agent.ID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "query candidates", err)
	}
	candidates, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	normalized := normalizeCapabilities(roleCaps)
	for _, t := range candidates {
		if !capabilitiesSubset(t.RequiredCapabilities, normalized) {
			continue
		}
		conflict, err := hasFileConflict(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		if conflict {
			continue
		}
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $3, assigned_agent_id = $2, version = version + 1
			WHERE id = $1 AND status = $4`,
			t.ID, agent.ID, domain.TaskInProgress, domain.TaskReady)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "claim task", err)
		}
		if tag.RowsAffected() == 0 {
			continue // lost the race to another claimant within this retry window
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "commit claim", err)
		}
		t.Status = domain.TaskInProgress
		t.AssignedAgentID = &agent.ID
		return t, nil
	}
	return nil, nil
}

// promotePendingCandidates lets the claim consider PENDING tasks, not
// just READY ones, inside the same serializable transaction
// as the claim itself: a PENDING task assignable to agent whose
// dependencies have all reached COMPLETED is promoted to READY so the
// READY-only select below can see it this tick, without waiting for the
// dependency-completing task's own UnblockDependents call to have run.
func promotePendingCandidates(ctx context.Context, tx pgx.Tx, agent *domain.Agent) error {
	rows, err := tx.Query(ctx, taskSelect+`
		WHERE status = $1
		  AND (assigned_agent_id = $2 OR (assigned_agent_id IS NULL AND assigned_team_id IS NULL))`,
		domain.TaskPending, agent.ID)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "query pending candidates", err)
	}
	candidates, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return err
	}
	for _, t := range candidates {
		satisfied, err := dependenciesSatisfiedTx(ctx, tx, t.Dependencies)
		if err != nil || !satisfied {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $2, version = version + 1
			WHERE id = $1 AND status = $3`,
			t.ID, domain.TaskReady, domain.TaskPending); err != nil {
			return orcherr.Wrap(orcherr.Transient, "promote pending task", err)
		}
	}
	return nil
}

func dependenciesSatisfiedTx(ctx context.Context, tx pgx.Tx, deps []ids.ID) (bool, error) {
	for _, id := range deps {
		var status domain.TaskStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status); err != nil {
			return false, orcherr.Wrap(orcherr.Transient, "check dependency status", err)
		}
		if status != domain.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// normalizeCapabilities builds a lower-cased, whitespace-trimmed tag set
// from the agent's role capabilities, so the subset check below is
// case-insensitive set containment, never substring match.
func normalizeCapabilities(caps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

func capabilitiesSubset(required []string, have map[string]struct{}) bool {
	for _, r := range required {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

func hasFileConflict(ctx context.Context, tx pgx.Tx, candidate *domain.Task) (bool, error) {
	if len(candidate.AffectedFiles) == 0 {
		return false, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT affected_files FROM tasks
		WHERE project_id = $1 AND status = $2 AND id != $3`,
		candidate.ProjectID, domain.TaskInProgress, candidate.ID)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "query file conflicts", err)
	}
	defer rows.Close()
	want := make(map[string]struct{}, len(candidate.AffectedFiles))
	for _, f := range candidate.AffectedFiles {
		want[f] = struct{}{}
	}
	for rows.Next() {
		var files []string
		if err := rows.Scan(&files); err != nil {
			return false, orcherr.Wrap(orcherr.Transient, "scan affected_files", err)
		}
		for _, f := range files {
			if _, ok := want[f]; ok {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

func (p *Postgres) FindDependents(ctx context.Context, taskID ids.ID) ([]*domain.Task, error) {
	rows, err := p.pool.Query(ctx, taskSelect+` WHERE $1 = ANY(dependencies)`, taskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find dependents", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) FindDependencies(ctx context.Context, taskID ids.ID) ([]*domain.Task, error) {
	t, err := p.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(t.Dependencies) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, taskSelect+` WHERE id = ANY($1)`, t.Dependencies)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find dependencies", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) ListReadyTeamEpics(ctx context.Context, limit int) ([]*domain.Task, error) {
	rows, err := p.pool.Query(ctx, taskSelect+`
		WHERE type = $1 AND status = $2 ORDER BY created_at LIMIT $3`,
		domain.TaskTeamEpic, domain.TaskReady, limit)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list ready team epics", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) ListTasksByStatus(ctx context.Context, projectID ids.ID, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	rows, err := p.pool.Query(ctx, taskSelect+`
		WHERE project_id = $1 AND status = $2 ORDER BY priority ASC, created_at ASC LIMIT $3`,
		projectID, status, limit)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list tasks by status", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) ListChildTasks(ctx context.Context, parentTaskID ids.ID) ([]*domain.Task, error) {
	rows, err := p.pool.Query(ctx, taskSelect+` WHERE parent_task_id = $1 ORDER BY created_at`, parentTaskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list child tasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) ListGoalRootTasks(ctx context.Context, goalID ids.ID) ([]*domain.Task, error) {
	rows, err := p.pool.Query(ctx, taskSelect+`
		WHERE goal_id = $1 AND parent_task_id IS NULL ORDER BY created_at`, goalID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list goal root tasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) FindUnassignedDraftTasks(ctx context.Context, orgID ids.ID) ([]*domain.Task, error) {
	rows, err := p.pool.Query(ctx, taskSelect+`
		WHERE assigned_team_id IS NULL AND assigned_agent_id IS NULL
		  AND project_id IN (SELECT id FROM projects WHERE organization_id = $1)
		ORDER BY created_at`, orgID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find unassigned draft tasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// --- Execution & cost accounting ---

func (p *Postgres) RecordExecution(ctx context.Context, r *domain.ExecutionRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO execution_records (id, task_id, agent_id, started_at, ended_at, outcome,
			input_tokens, output_tokens, cost_sub_cents, brain_duration_millis)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.TaskID, r.AgentID, r.StartedAt, r.EndedAt, r.Outcome, r.InputTokens,
		r.OutputTokens, r.CostSubCents, r.BrainDuration.Milliseconds())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "record execution", err)
	}
	return nil
}

func (p *Postgres) RollUpCost(ctx context.Context, orgID ids.ID, deltaSubCents int64, at time.Time) error {
	day := at.UTC().Truncate(24 * time.Hour)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cost_records (organization_id, day, daily_total_sub_cents, monthly_total_sub_cents, updated_at)
		VALUES ($1,$2,$3,$3,$4)
		ON CONFLICT (organization_id, day) DO UPDATE SET
			daily_total_sub_cents = cost_records.daily_total_sub_cents + EXCLUDED.daily_total_sub_cents,
			monthly_total_sub_cents = cost_records.monthly_total_sub_cents + EXCLUDED.monthly_total_sub_cents,
			updated_at = EXCLUDED.updated_at`,
		orgID, day, deltaSubCents, at)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "roll up cost", err)
	}
	return nil
}

func (p *Postgres) GetCostRecord(ctx context.Context, orgID ids.ID, day time.Time) (*domain.CostRecord, error) {
	d := day.UTC().Truncate(24 * time.Hour)
	var c domain.CostRecord
	err := p.pool.QueryRow(ctx, `
		SELECT organization_id, day, daily_total_sub_cents, monthly_total_sub_cents, updated_at
		FROM cost_records WHERE organization_id = $1 AND day = $2`, orgID, d).Scan(
		&c.OrganizationID, &c.Day, &c.DailyTotalSubCents, &c.MonthlyTotalSubCents, &c.UpdatedAt)
	if noRows(err) {
		return &domain.CostRecord{OrganizationID: orgID, Day: d, Month: d.Truncate(24 * time.Hour)}, nil
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get cost record", err)
	}
	c.Month = c.Day
	return &c, nil
}

// ReconcileCostRollup recomputes cost_records for orgID from
// execution_records, the append-only source of truth — see DESIGN.md Open
// Question decision 2. Intended to run offline/out-of-band, not on every
// execution.
func (p *Postgres) ReconcileCostRollup(ctx context.Context, orgID ids.ID) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cost_records (organization_id, day, daily_total_sub_cents, monthly_total_sub_cents, updated_at)
		SELECT p.organization_id, date_trunc('day', er.ended_at), sum(er.cost_sub_cents), sum(er.cost_sub_cents), now()
		FROM execution_records er
		JOIN tasks t ON t.id = er.task_id
		JOIN projects p ON p.id = t.project_id
		WHERE p.organization_id = $1
		GROUP BY p.organization_id, date_trunc('day', er.ended_at)
		ON CONFLICT (organization_id, day) DO UPDATE SET
			daily_total_sub_cents = EXCLUDED.daily_total_sub_cents,
			monthly_total_sub_cents = EXCLUDED.monthly_total_sub_cents,
			updated_at = EXCLUDED.updated_at`, orgID)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "reconcile cost rollup", err)
	}
	return nil
}

// --- Change-sets ---

func (p *Postgres) CreateChangeSet(ctx context.Context, cs *domain.ChangeSet) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO change_sets (id, task_id, branch_name, review_number, review_url,
			author_agent_id, reviewer_agent_id, status, review_comments, approved_at,
			merged_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		cs.ID, cs.TaskID, cs.BranchName, cs.ReviewNumber, cs.ReviewURL, cs.AuthorAgentID,
		cs.ReviewerAgentID, cs.Status, cs.ReviewComments, cs.ApprovedAt, cs.MergedAt, cs.CreatedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create change set", err)
	}
	return nil
}

const changeSetSelect = `
	SELECT id, task_id, branch_name, review_number, review_url, author_agent_id,
		reviewer_agent_id, status, review_comments, approved_at, merged_at, created_at
	FROM change_sets`

func scanChangeSet(row pgx.Row) (*domain.ChangeSet, error) {
	var c domain.ChangeSet
	err := row.Scan(&c.ID, &c.TaskID, &c.BranchName, &c.ReviewNumber, &c.ReviewURL, &c.AuthorAgentID,
		&c.ReviewerAgentID, &c.Status, &c.ReviewComments, &c.ApprovedAt, &c.MergedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) GetChangeSet(ctx context.Context, id ids.ID) (*domain.ChangeSet, error) {
	c, err := scanChangeSet(p.pool.QueryRow(ctx, changeSetSelect+` WHERE id = $1`, id))
	if noRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "change set not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get change set", err)
	}
	return c, nil
}

func (p *Postgres) UpdateChangeSetStatus(ctx context.Context, id ids.ID, from, to domain.ChangeSetStatus) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE change_sets SET status = $3, version = version + 1 WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "update change set status", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) AssignChangeSetReviewer(ctx context.Context, id ids.ID, reviewerAgentID ids.ID) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE change_sets SET reviewer_agent_id = $2, version = version + 1 WHERE id = $1 AND reviewer_agent_id IS NULL`,
		id, reviewerAgentID)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "assign change set reviewer", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ListChangeSetsByStatus(ctx context.Context, statuses ...domain.ChangeSetStatus) ([]*domain.ChangeSet, error) {
	rows, err := p.pool.Query(ctx, changeSetSelect+` WHERE status = ANY($1) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list change sets by status", err)
	}
	defer rows.Close()
	var out []*domain.ChangeSet
	for rows.Next() {
		c, err := scanChangeSet(rows)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan change set", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Escalation ---

func (p *Postgres) CreateEscalationRecord(ctx context.Context, rec *domain.EscalationRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO escalation_records (id, task_id, level, reason, requested_agent, resolver,
			decision, decided_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.TaskID, rec.Level, rec.Reason, rec.RequestedAgent, rec.Resolver,
		rec.Decision, rec.DecidedAt, rec.CreatedAt)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create escalation record", err)
	}
	return nil
}

func (p *Postgres) ListEscalationRecords(ctx context.Context, taskID ids.ID) ([]*domain.EscalationRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, level, reason, requested_agent, resolver, decision, decided_at, created_at
		FROM escalation_records WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list escalation records", err)
	}
	defer rows.Close()
	var out []*domain.EscalationRecord
	for rows.Next() {
		var e domain.EscalationRecord
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Level, &e.Reason, &e.RequestedAgent, &e.Resolver,
			&e.Decision, &e.DecidedAt, &e.CreatedAt); err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan escalation record", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) ListPendingEscalations(ctx context.Context, level domain.EscalationLevel) ([]*domain.EscalationRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, level, reason, requested_agent, resolver, decision, decided_at, created_at
		FROM escalation_records WHERE level = $1 AND decided_at IS NULL ORDER BY created_at`, level)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list pending escalations", err)
	}
	defer rows.Close()
	var out []*domain.EscalationRecord
	for rows.Next() {
		var e domain.EscalationRecord
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Level, &e.Reason, &e.RequestedAgent, &e.Resolver,
			&e.Decision, &e.DecidedAt, &e.CreatedAt); err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan escalation record", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Knowledge / vector search ---

func (p *Postgres) IndexKnowledge(ctx context.Context, doc vectorstore.Document) error {
	if p.vector == nil {
		return orcherr.New(orcherr.ProviderError, "no vector store configured")
	}
	return p.vector.Upsert(ctx, doc)
}

func (p *Postgres) FindSimilarKnowledge(ctx context.Context, orgID ids.ID, embedding []float32, topK int, minScore float32) ([]vectorstore.SearchResult, error) {
	if p.vector == nil {
		return nil, nil
	}
	results, err := p.vector.SearchByVector(ctx, embedding, topK*4, nil) // over-fetch, then tenancy/score-filter below
	if err != nil {
		return nil, orcherr.Wrap(orcherr.ProviderError, "search similar knowledge", err)
	}
	out := make([]vectorstore.SearchResult, 0, topK)
	for _, r := range results {
		if r.Document.OrganizationID != orgID.String() {
			continue
		}
		if r.Score < minScore {
			continue
		}
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
