/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/vectorstore"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is the embedded fallback Store backend, used by package tests
// and by HORTATOR_SCHEDULER_DISABLED dev mode. A single connection
// plus a claim mutex stands in for Postgres's SERIALIZABLE transactions:
// modernc.org/sqlite has no real multi-writer isolation, so correctness
// here rests on never running two writes concurrently.
type SQLite struct {
	db     *sql.DB
	vector vectorstore.Store
	mu     sync.Mutex
}

// NewSQLite opens dsn (e.g. "file:orchestrator.db?_pragma=foreign_keys(1)"
// or ":memory:") and applies the embedded schema.
func NewSQLite(dsn string, vector vectorstore.Store) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "open sqlite", err)
	}
	db.SetMaxOpenConns(1) // single writer; see type doc
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, orcherr.Wrap(orcherr.Transient, "apply schema", err)
	}
	return &SQLite{db: db, vector: vector}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func sqliteNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSON[T any](s string) T {
	var v T
	if s != "" {
		_ = json.Unmarshal([]byte(s), &v)
	}
	return v
}

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTimeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullIDStr(id *ids.ID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullID(s sql.NullString) *ids.ID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id, err := ids.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}

// --- Organizations ---

func (s *SQLite) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, context_prompt, daily_cap_sub_cents,
			monthly_cap_sub_cents, max_concurrent_agents, autonomous_execution,
			last_stop_reason, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		org.ID.String(), org.Name, org.ContextPrompt, org.DailyCapSubCents, org.MonthlyCapSubCents,
		org.MaxConcurrentAgents, org.AutonomousExecution, org.LastStopReason, timeStr(org.CreatedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create organization", err)
	}
	return nil
}

func (s *SQLite) GetOrganization(ctx context.Context, id ids.ID) (*domain.Organization, error) {
	var o domain.Organization
	var idStr, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, context_prompt, daily_cap_sub_cents, monthly_cap_sub_cents,
			max_concurrent_agents, autonomous_execution, last_stop_reason, created_at
		FROM organizations WHERE id = ?`, id.String()).Scan(
		&idStr, &o.Name, &o.ContextPrompt, &o.DailyCapSubCents, &o.MonthlyCapSubCents,
		&o.MaxConcurrentAgents, &o.AutonomousExecution, &o.LastStopReason, &createdAt)
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "organization not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get organization", err)
	}
	o.ID, _ = ids.Parse(idStr)
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

func (s *SQLite) SetAutonomousExecution(ctx context.Context, orgID ids.ID, enabled bool, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET autonomous_execution = ?, last_stop_reason = ?, version = version + 1
		WHERE id = ?`, enabled, reason, orgID.String())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "set autonomous_execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcherr.New(orcherr.NotFound, "organization not found")
	}
	return nil
}

// --- Roles, teams, agents, projects ---

func (s *SQLite) CreateRole(ctx context.Context, role *domain.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, organization_id, name, system_prompt, capabilities,
			eligible_for_transient_create, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		role.ID.String(), role.OrganizationID.String(), role.Name, role.SystemPrompt,
		toJSON(role.Capabilities), role.EligibleForTransientCreate, timeStr(role.CreatedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create role", err)
	}
	return nil
}

func (s *SQLite) GetRole(ctx context.Context, id ids.ID) (*domain.Role, error) {
	var r domain.Role
	var idStr, orgStr, caps, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, system_prompt, capabilities,
			eligible_for_transient_create, created_at
		FROM roles WHERE id = ?`, id.String()).Scan(
		&idStr, &orgStr, &r.Name, &r.SystemPrompt, &caps, &r.EligibleForTransientCreate, &createdAt)
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "role not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get role", err)
	}
	r.ID, _ = ids.Parse(idStr)
	r.OrganizationID, _ = ids.Parse(orgStr)
	r.Capabilities = fromJSON[[]string](caps)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *SQLite) FindRoleByName(ctx context.Context, orgID ids.ID, name string) (*domain.Role, error) {
	var r domain.Role
	var idStr, orgStr, caps, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, system_prompt, capabilities,
			eligible_for_transient_create, created_at
		FROM roles WHERE organization_id = ? AND lower(name) = lower(?)`, orgID.String(), name).Scan(
		&idStr, &orgStr, &r.Name, &r.SystemPrompt, &caps, &r.EligibleForTransientCreate, &createdAt)
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "role not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find role by name", err)
	}
	r.ID, _ = ids.Parse(idStr)
	r.OrganizationID, _ = ids.Parse(orgStr)
	r.Capabilities = fromJSON[[]string](caps)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *SQLite) CreateTeam(ctx context.Context, team *domain.Team) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, organization_id, name, parent_team_id, manager_agent_id,
			description_prompt, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		team.ID.String(), team.OrganizationID.String(), team.Name, nullIDStr(team.ParentTeamID),
		nullIDStr(team.ManagerAgentID), team.DescriptionPrompt, timeStr(team.CreatedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create team", err)
	}
	return nil
}

func (s *SQLite) SetTeamManager(ctx context.Context, teamID, managerAgentID ids.ID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE teams SET manager_agent_id = ? WHERE id = ?`, managerAgentID.String(), teamID.String())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "set team manager", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcherr.New(orcherr.NotFound, "team not found")
	}
	return nil
}

func (s *SQLite) GetTeam(ctx context.Context, id ids.ID) (*domain.Team, error) {
	var t domain.Team
	var idStr, orgStr, createdAt string
	var parentTeam, managerAgent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, parent_team_id, manager_agent_id,
			description_prompt, created_at
		FROM teams WHERE id = ?`, id.String()).Scan(
		&idStr, &orgStr, &t.Name, &parentTeam, &managerAgent, &t.DescriptionPrompt, &createdAt)
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "team not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get team", err)
	}
	t.ID, _ = ids.Parse(idStr)
	t.OrganizationID, _ = ids.Parse(orgStr)
	t.ParentTeamID = parseNullID(parentTeam)
	t.ManagerAgentID = parseNullID(managerAgent)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *SQLite) FindTeamByName(ctx context.Context, orgID ids.ID, name string) (*domain.Team, error) {
	var t domain.Team
	var idStr, orgStr, createdAt string
	var parentTeam, managerAgent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, parent_team_id, manager_agent_id,
			description_prompt, created_at
		FROM teams WHERE organization_id = ? AND name = ?`, orgID.String(), name).Scan(
		&idStr, &orgStr, &t.Name, &parentTeam, &managerAgent, &t.DescriptionPrompt, &createdAt)
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "team not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find team by name", err)
	}
	t.ID, _ = ids.Parse(idStr)
	t.OrganizationID, _ = ids.Parse(orgStr)
	t.ParentTeamID = parseNullID(parentTeam)
	t.ManagerAgentID = parseNullID(managerAgent)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

const sqliteAgentSelect = `
	SELECT id, organization_id, team_id, role_id, name, brain_provider, custom_prompt,
		lifecycle, status, creator_agent_id, depth, current_task_id, max_concurrent_tasks,
		tasks_completed, tasks_failed, total_duration_millis, created_at
	FROM agents`

func scanSQLiteAgent(row interface {
	Scan(dest ...any) error
}) (*domain.Agent, error) {
	var a domain.Agent
	var idStr, orgStr, teamStr, roleStr, createdAt string
	var creatorAgent, currentTask sql.NullString
	err := row.Scan(&idStr, &orgStr, &teamStr, &roleStr, &a.Name, &a.BrainProvider, &a.CustomPrompt,
		&a.Lifecycle, &a.Status, &creatorAgent, &a.Depth, &currentTask, &a.MaxConcurrentTasks,
		&a.TasksCompleted, &a.TasksFailed, &a.TotalDurationMillis, &createdAt)
	if err != nil {
		return nil, err
	}
	a.ID, _ = ids.Parse(idStr)
	a.OrganizationID, _ = ids.Parse(orgStr)
	a.TeamID, _ = ids.Parse(teamStr)
	a.RoleID, _ = ids.Parse(roleStr)
	a.CreatorAgentID = parseNullID(creatorAgent)
	a.CurrentTaskID = parseNullID(currentTask)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func scanSQLiteAgents(rows *sql.Rows) ([]*domain.Agent, error) {
	var out []*domain.Agent
	for rows.Next() {
		a, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) ListTeamMembers(ctx context.Context, teamID ids.ID) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAgentSelect+` WHERE team_id = ? ORDER BY created_at`, teamID.String())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list team members", err)
	}
	defer rows.Close()
	return scanSQLiteAgents(rows)
}

func (s *SQLite) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, organization_id, team_id, role_id, name, brain_provider,
			custom_prompt, lifecycle, status, creator_agent_id, depth, current_task_id,
			max_concurrent_tasks, tasks_completed, tasks_failed, total_duration_millis, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		agent.ID.String(), agent.OrganizationID.String(), agent.TeamID.String(), agent.RoleID.String(),
		agent.Name, agent.BrainProvider, agent.CustomPrompt, agent.Lifecycle, agent.Status,
		nullIDStr(agent.CreatorAgentID), agent.Depth, nullIDStr(agent.CurrentTaskID),
		agent.MaxConcurrentTasks, agent.TasksCompleted, agent.TasksFailed, agent.TotalDurationMillis,
		timeStr(agent.CreatedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create agent", err)
	}
	return nil
}

func (s *SQLite) GetAgent(ctx context.Context, id ids.ID) (*domain.Agent, error) {
	a, err := scanSQLiteAgent(s.db.QueryRowContext(ctx, sqliteAgentSelect+` WHERE id = ?`, id.String()))
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "agent not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get agent", err)
	}
	return a, nil
}

func (s *SQLite) DeleteAgent(ctx context.Context, id ids.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id.String())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "delete agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcherr.New(orcherr.NotFound, "agent not found")
	}
	return nil
}

func (s *SQLite) ListAgentsByCreator(ctx context.Context, creatorID ids.ID) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAgentSelect+` WHERE creator_agent_id = ? ORDER BY created_at`, creatorID.String())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list agents by creator", err)
	}
	defer rows.Close()
	return scanSQLiteAgents(rows)
}

func (s *SQLite) UpdateAgentStatus(ctx context.Context, agentID ids.ID, from, to domain.AgentStatus, currentTask *ids.ID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = ?, version = version + 1
		WHERE id = ? AND status = ?`, to, nullIDStr(currentTask), agentID.String(), from)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "update agent status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcherr.New(orcherr.Conflict, fmt.Sprintf("agent %s not in status %s", agentID, from))
	}
	return nil
}

func (s *SQLite) ListIdleAgents(ctx context.Context, orgID ids.ID) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAgentSelect+` WHERE organization_id = ? AND status = ? ORDER BY created_at`,
		orgID.String(), domain.AgentIdle)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list idle agents", err)
	}
	defer rows.Close()
	return scanSQLiteAgents(rows)
}

func (s *SQLite) CreateProject(ctx context.Context, project *domain.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, organization_id, name, host_url, working_dir_root, status, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		project.ID.String(), project.OrganizationID.String(), project.Name, project.HostURL,
		project.WorkingDirRoot, project.Status, timeStr(project.CreatedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create project", err)
	}
	return nil
}

func (s *SQLite) GetProject(ctx context.Context, id ids.ID) (*domain.Project, error) {
	var pr domain.Project
	var idStr, orgStr, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, host_url, working_dir_root, status, created_at
		FROM projects WHERE id = ?`, id.String()).Scan(
		&idStr, &orgStr, &pr.Name, &pr.HostURL, &pr.WorkingDirRoot, &pr.Status, &createdAt)
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "project not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get project", err)
	}
	pr.ID, _ = ids.Parse(idStr)
	pr.OrganizationID, _ = ids.Parse(orgStr)
	pr.CreatedAt = parseTime(createdAt)
	return &pr, nil
}

// --- Goals ---

func (s *SQLite) CreateGoal(ctx context.Context, goal *domain.Goal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, organization_id, project_id, owner_agent_id, title, description,
			success_criteria, status, decomposed, decompose_failure_count, created_at, decomposed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		goal.ID.String(), goal.OrganizationID.String(), goal.ProjectID.String(), goal.OwnerAgentID.String(),
		goal.Title, goal.Description, toJSON(goal.SuccessCriteria), goal.Status, goal.Decomposed,
		goal.DecomposeFailureCount, timeStr(goal.CreatedAt), nullTimeStr(goal.DecomposedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create goal", err)
	}
	return nil
}

func scanSQLiteGoal(row interface {
	Scan(dest ...any) error
}) (*domain.Goal, error) {
	var g domain.Goal
	var idStr, orgStr, projStr, ownerStr, criteria, createdAt string
	var decomposedAt sql.NullString
	err := row.Scan(&idStr, &orgStr, &projStr, &ownerStr, &g.Title, &g.Description, &criteria,
		&g.Status, &g.Decomposed, &g.DecomposeFailureCount, &createdAt, &decomposedAt)
	if err != nil {
		return nil, err
	}
	g.ID, _ = ids.Parse(idStr)
	g.OrganizationID, _ = ids.Parse(orgStr)
	g.ProjectID, _ = ids.Parse(projStr)
	g.OwnerAgentID, _ = ids.Parse(ownerStr)
	g.SuccessCriteria = fromJSON[[]string](criteria)
	g.CreatedAt = parseTime(createdAt)
	g.DecomposedAt = parseNullTime(decomposedAt)
	return &g, nil
}

const sqliteGoalSelect = `
	SELECT id, organization_id, project_id, owner_agent_id, title, description,
		success_criteria, status, decomposed, decompose_failure_count, created_at, decomposed_at
	FROM goals`

func (s *SQLite) GetGoal(ctx context.Context, id ids.ID) (*domain.Goal, error) {
	g, err := scanSQLiteGoal(s.db.QueryRowContext(ctx, sqliteGoalSelect+` WHERE id = ?`, id.String()))
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "goal not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get goal", err)
	}
	return g, nil
}

func (s *SQLite) ListUndecomposedGoals(ctx context.Context, limit int) ([]*domain.Goal, error) {
	rows, err := s.db.QueryContext(ctx, sqliteGoalSelect+`
		WHERE decomposed = 0 AND status = ? ORDER BY created_at LIMIT ?`, domain.GoalActive, limit)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list undecomposed goals", err)
	}
	defer rows.Close()
	var out []*domain.Goal
	for rows.Next() {
		g, err := scanSQLiteGoal(rows)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan goal", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGoal persists the mutable fields touched by the Phase A
// retry/terminal path (status, decompose_failure_count).
func (s *SQLite) UpdateGoal(ctx context.Context, goal *domain.Goal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE goals SET status = ?, decompose_failure_count = ?, version = version + 1
		WHERE id = ?`, goal.Status, goal.DecomposeFailureCount, goal.ID.String())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "update goal", err)
	}
	return nil
}

func (s *SQLite) MarkGoalDecomposed(ctx context.Context, goalID ids.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET decomposed = 1, decomposed_at = ?, version = version + 1
		WHERE id = ? AND decomposed = 0`, timeStr(ids.Now()), goalID.String())
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "mark goal decomposed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Tasks ---

const sqliteTaskSelect = `
	SELECT id, project_id, goal_id, parent_task_id, depth, assigned_team_id, assigned_agent_id,
		type, priority, complexity, required_capabilities, affected_files, status, retry_count,
		last_failure_at, blocked_until, consecutive_failure_count, decompose_failure_count,
		ci_retry_count, last_ci_failure_at, last_ci_feedback, change_set_id, error_message,
		dependencies, title, description, success_criteria, created_at, completed_at
	FROM tasks`

func scanSQLiteTask(row interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var t domain.Task
	var idStr, projStr, typeStr, statusStr, titleStr, descStr, createdAt string
	var goalID, parentID, teamID, agentID, changeSetID sql.NullString
	var lastFailureAt, blockedUntil, lastCIFailureAt, completedAt sql.NullString
	var complexity, reqCaps, affectedFiles, lastCIFeedback, errMsg, deps, successCriteria string
	err := row.Scan(&idStr, &projStr, &goalID, &parentID, &t.Depth, &teamID, &agentID,
		&typeStr, &t.Priority, &complexity, &reqCaps, &affectedFiles, &statusStr, &t.RetryCount,
		&lastFailureAt, &blockedUntil, &t.ConsecutiveFailureCount, &t.DecomposeFailureCount, &t.CIRetryCount,
		&lastCIFailureAt, &lastCIFeedback, &changeSetID, &errMsg, &deps,
		&titleStr, &descStr, &successCriteria, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.ID, _ = ids.Parse(idStr)
	t.ProjectID, _ = ids.Parse(projStr)
	t.GoalID = parseNullID(goalID)
	t.ParentTaskID = parseNullID(parentID)
	t.AssignedTeamID = parseNullID(teamID)
	t.AssignedAgentID = parseNullID(agentID)
	t.Type = domain.TaskType(typeStr)
	t.Complexity = domain.Complexity(complexity)
	t.RequiredCapabilities = fromJSON[[]string](reqCaps)
	t.AffectedFiles = fromJSON[[]string](affectedFiles)
	t.Status = domain.TaskStatus(statusStr)
	t.LastFailureAt = parseNullTime(lastFailureAt)
	t.BlockedUntil = parseNullTime(blockedUntil)
	t.LastCIFailureAt = parseNullTime(lastCIFailureAt)
	t.LastCIFeedback = lastCIFeedback
	t.ChangeSetID = parseNullID(changeSetID)
	t.ErrorMessage = errMsg
	t.Dependencies = fromJSON[[]ids.ID](deps)
	t.Title = titleStr
	t.Description = descStr
	t.SuccessCriteria = fromJSON[[]string](successCriteria)
	t.CreatedAt = parseTime(createdAt)
	t.CompletedAt = parseNullTime(completedAt)
	return &t, nil
}

func scanSQLiteTasks(rows *sql.Rows) ([]*domain.Task, error) {
	var out []*domain.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateTask(ctx context.Context, t *domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, goal_id, parent_task_id, depth, assigned_team_id,
			assigned_agent_id, type, priority, complexity, required_capabilities, affected_files,
			status, retry_count, last_failure_at, blocked_until, consecutive_failure_count,
			decompose_failure_count, ci_retry_count, last_ci_failure_at, last_ci_feedback,
			change_set_id, error_message, dependencies, title, description, success_criteria,
			created_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID.String(), t.ProjectID.String(), nullIDStr(t.GoalID), nullIDStr(t.ParentTaskID), t.Depth,
		nullIDStr(t.AssignedTeamID), nullIDStr(t.AssignedAgentID), t.Type, t.Priority, t.Complexity,
		toJSON(t.RequiredCapabilities), toJSON(t.AffectedFiles), t.Status, t.RetryCount,
		nullTimeStr(t.LastFailureAt), nullTimeStr(t.BlockedUntil), t.ConsecutiveFailureCount,
		t.DecomposeFailureCount, t.CIRetryCount, nullTimeStr(t.LastCIFailureAt), t.LastCIFeedback, nullIDStr(t.ChangeSetID),
		t.ErrorMessage, toJSON(t.Dependencies), t.Title, t.Description, toJSON(t.SuccessCriteria),
		timeStr(t.CreatedAt), nullTimeStr(t.CompletedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create task", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id ids.ID) (*domain.Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, sqliteTaskSelect+` WHERE id = ?`, id.String()))
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "task not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get task", err)
	}
	return t, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, t *domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET assigned_team_id = ?, assigned_agent_id = ?, status = ?,
			retry_count = ?, last_failure_at = ?, blocked_until = ?,
			consecutive_failure_count = ?, decompose_failure_count = ?, ci_retry_count = ?, last_ci_failure_at = ?,
			last_ci_feedback = ?, change_set_id = ?, error_message = ?,
			complexity = ?, completed_at = ?, version = version + 1
		WHERE id = ?`,
		nullIDStr(t.AssignedTeamID), nullIDStr(t.AssignedAgentID), t.Status, t.RetryCount,
		nullTimeStr(t.LastFailureAt), nullTimeStr(t.BlockedUntil), t.ConsecutiveFailureCount, t.DecomposeFailureCount,
		t.CIRetryCount, nullTimeStr(t.LastCIFailureAt), t.LastCIFeedback, nullIDStr(t.ChangeSetID),
		t.ErrorMessage, t.Complexity, nullTimeStr(t.CompletedAt), t.ID.String())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcherr.New(orcherr.NotFound, "task not found")
	}
	return nil
}

func (s *SQLite) SetTaskStatus(ctx context.Context, taskID ids.ID, from, to domain.TaskStatus) (bool, error) {
	var completedAt any
	if to == domain.TaskCompleted {
		completedAt = timeStr(ids.Now())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = COALESCE(?, completed_at), version = version + 1
		WHERE id = ? AND status = ?`, to, completedAt, taskID.String(), from)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "set task status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimReadyTask mirrors Postgres.ClaimReadyTask's candidate-selection and
// CAS-flip logic, guarded by a mutex instead of a SERIALIZABLE transaction
// since this backend has a single open connection.
func (s *SQLite) ClaimReadyTask(ctx context.Context, agent *domain.Agent) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inFlight int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks WHERE assigned_agent_id = ? AND status = ?`,
		agent.ID.String(), domain.TaskInProgress).Scan(&inFlight); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "count in-flight tasks", err)
	}
	if inFlight >= agent.MaxConcurrentTasks {
		return nil, nil
	}

	if err := s.promotePendingCandidates(ctx, agent); err != nil {
		return nil, err
	}

	var rawCaps string
	if err := s.db.QueryRowContext(ctx, `SELECT capabilities FROM roles WHERE id = ?`, agent.RoleID.String()).Scan(&rawCaps); err != nil && !sqliteNoRows(err) {
		return nil, orcherr.Wrap(orcherr.Transient, "load role capabilities", err)
	}
	roleCaps := normalizeCapabilities(fromJSON[[]string](rawCaps))

	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect+`
		WHERE status = ?
		  AND (assigned_agent_id = ? OR (assigned_agent_id IS NULL AND assigned_team_id IS NULL))
		ORDER BY priority ASC, created_at ASC
		LIMIT 50`, domain.TaskReady, agent.ID.String())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "query candidates", err)
	}
	candidates, err := scanSQLiteTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, t := range candidates {
		if !capabilitiesSubset(t.RequiredCapabilities, roleCaps) {
			continue
		}
		conflict, err := s.hasFileConflict(ctx, t)
		if err != nil {
			return nil, err
		}
		if conflict {
			continue
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_agent_id = ?, version = version + 1
			WHERE id = ? AND status = ?`,
			domain.TaskInProgress, agent.ID.String(), t.ID.String(), domain.TaskReady)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "claim task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		t.Status = domain.TaskInProgress
		t.AssignedAgentID = &agent.ID
		return t, nil
	}
	return nil, nil
}

// promotePendingCandidates lets the claim consider PENDING tasks, not
// just READY ones: a PENDING task assignable to agent whose
// dependencies have all reached COMPLETED is promoted to READY so the
// caller's READY-only select below can see it this tick, without waiting
// for the dependency-completing task's own UnblockDependents call to have
// already run.
func (s *SQLite) promotePendingCandidates(ctx context.Context, agent *domain.Agent) error {
	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect+`
		WHERE status = ?
		  AND (assigned_agent_id = ? OR (assigned_agent_id IS NULL AND assigned_team_id IS NULL))`,
		domain.TaskPending, agent.ID.String())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "query pending candidates", err)
	}
	candidates, err := scanSQLiteTasks(rows)
	rows.Close()
	if err != nil {
		return err
	}
	for _, t := range candidates {
		satisfied, err := DependenciesSatisfied(ctx, s, t.Dependencies)
		if err != nil || !satisfied {
			continue
		}
		if _, err := s.SetTaskStatus(ctx, t.ID, domain.TaskPending, domain.TaskReady); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) hasFileConflict(ctx context.Context, candidate *domain.Task) (bool, error) {
	if len(candidate.AffectedFiles) == 0 {
		return false, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT affected_files FROM tasks
		WHERE project_id = ? AND status = ? AND id != ?`,
		candidate.ProjectID.String(), domain.TaskInProgress, candidate.ID.String())
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "query file conflicts", err)
	}
	defer rows.Close()
	want := make(map[string]struct{}, len(candidate.AffectedFiles))
	for _, f := range candidate.AffectedFiles {
		want[f] = struct{}{}
	}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return false, orcherr.Wrap(orcherr.Transient, "scan affected_files", err)
		}
		for _, f := range fromJSON[[]string](raw) {
			if _, ok := want[f]; ok {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

func (s *SQLite) FindDependents(ctx context.Context, taskID ids.ID) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find dependents", err)
	}
	defer rows.Close()
	all, err := scanSQLiteTasks(rows)
	if err != nil {
		return nil, err
	}
	var out []*domain.Task
	for _, t := range all {
		for _, d := range t.Dependencies {
			if d == taskID {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (s *SQLite) FindDependencies(ctx context.Context, taskID ids.ID) ([]*domain.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Task
	for _, d := range t.Dependencies {
		dep, err := s.GetTask(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, nil
}

func (s *SQLite) ListReadyTeamEpics(ctx context.Context, limit int) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect+`
		WHERE type = ? AND status = ? ORDER BY created_at LIMIT ?`,
		domain.TaskTeamEpic, domain.TaskReady, limit)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list ready team epics", err)
	}
	defer rows.Close()
	return scanSQLiteTasks(rows)
}

func (s *SQLite) ListTasksByStatus(ctx context.Context, projectID ids.ID, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect+`
		WHERE project_id = ? AND status = ? ORDER BY priority ASC, created_at ASC LIMIT ?`,
		projectID.String(), status, limit)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list tasks by status", err)
	}
	defer rows.Close()
	return scanSQLiteTasks(rows)
}

func (s *SQLite) ListChildTasks(ctx context.Context, parentTaskID ids.ID) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect+` WHERE parent_task_id = ? ORDER BY created_at`, parentTaskID.String())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list child tasks", err)
	}
	defer rows.Close()
	return scanSQLiteTasks(rows)
}

func (s *SQLite) ListGoalRootTasks(ctx context.Context, goalID ids.ID) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect+`
		WHERE goal_id = ? AND parent_task_id IS NULL ORDER BY created_at`, goalID.String())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list goal root tasks", err)
	}
	defer rows.Close()
	return scanSQLiteTasks(rows)
}

func (s *SQLite) FindUnassignedDraftTasks(ctx context.Context, orgID ids.ID) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, sqliteTaskSelect+`
		WHERE assigned_team_id IS NULL AND assigned_agent_id IS NULL
		  AND project_id IN (SELECT id FROM projects WHERE organization_id = ?)
		ORDER BY created_at`, orgID.String())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "find unassigned draft tasks", err)
	}
	defer rows.Close()
	return scanSQLiteTasks(rows)
}

// --- Execution & cost accounting ---

func (s *SQLite) RecordExecution(ctx context.Context, r *domain.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (id, task_id, agent_id, started_at, ended_at, outcome,
			input_tokens, output_tokens, cost_sub_cents, brain_duration_millis)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID.String(), r.TaskID.String(), r.AgentID.String(), timeStr(r.StartedAt), timeStr(r.EndedAt),
		r.Outcome, r.InputTokens, r.OutputTokens, r.CostSubCents, r.BrainDuration.Milliseconds())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "record execution", err)
	}
	return nil
}

func (s *SQLite) RollUpCost(ctx context.Context, orgID ids.ID, deltaSubCents int64, at time.Time) error {
	day := timeStr(at.UTC().Truncate(24 * time.Hour))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_records (organization_id, day, daily_total_sub_cents, monthly_total_sub_cents, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (organization_id, day) DO UPDATE SET
			daily_total_sub_cents = daily_total_sub_cents + excluded.daily_total_sub_cents,
			monthly_total_sub_cents = monthly_total_sub_cents + excluded.monthly_total_sub_cents,
			updated_at = excluded.updated_at`,
		orgID.String(), day, deltaSubCents, deltaSubCents, timeStr(at))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "roll up cost", err)
	}
	return nil
}

func (s *SQLite) GetCostRecord(ctx context.Context, orgID ids.ID, day time.Time) (*domain.CostRecord, error) {
	d := day.UTC().Truncate(24 * time.Hour)
	var c domain.CostRecord
	var orgStr, dayStr, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, day, daily_total_sub_cents, monthly_total_sub_cents, updated_at
		FROM cost_records WHERE organization_id = ? AND day = ?`, orgID.String(), timeStr(d)).Scan(
		&orgStr, &dayStr, &c.DailyTotalSubCents, &c.MonthlyTotalSubCents, &updatedAt)
	if sqliteNoRows(err) {
		return &domain.CostRecord{OrganizationID: orgID, Day: d, Month: d}, nil
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get cost record", err)
	}
	c.OrganizationID, _ = ids.Parse(orgStr)
	c.Day = parseTime(dayStr)
	c.Month = c.Day
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// ReconcileCostRollup recomputes cost_records for orgID from
// execution_records — see DESIGN.md Open Question decision 2.
func (s *SQLite) ReconcileCostRollup(ctx context.Context, orgID ids.ID) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT er.ended_at, er.cost_sub_cents FROM execution_records er
		JOIN tasks t ON t.id = er.task_id
		JOIN projects p ON p.id = t.project_id
		WHERE p.organization_id = ?`, orgID.String())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "reconcile cost rollup", err)
	}
	totals := map[string]int64{}
	for rows.Next() {
		var endedAt string
		var cost int64
		if err := rows.Scan(&endedAt, &cost); err != nil {
			rows.Close()
			return orcherr.Wrap(orcherr.Transient, "scan execution record", err)
		}
		day := timeStr(parseTime(endedAt).Truncate(24 * time.Hour))
		totals[day] += cost
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return orcherr.Wrap(orcherr.Transient, "reconcile cost rollup", err)
	}
	now := timeStr(ids.Now())
	for day, total := range totals {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO cost_records (organization_id, day, daily_total_sub_cents, monthly_total_sub_cents, updated_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT (organization_id, day) DO UPDATE SET
				daily_total_sub_cents = excluded.daily_total_sub_cents,
				monthly_total_sub_cents = excluded.monthly_total_sub_cents,
				updated_at = excluded.updated_at`,
			orgID.String(), day, total, total, now); err != nil {
			return orcherr.Wrap(orcherr.Transient, "upsert cost record", err)
		}
	}
	return nil
}

// --- Change-sets ---

func (s *SQLite) CreateChangeSet(ctx context.Context, cs *domain.ChangeSet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_sets (id, task_id, branch_name, review_number, review_url,
			author_agent_id, reviewer_agent_id, status, review_comments, approved_at,
			merged_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		cs.ID.String(), cs.TaskID.String(), cs.BranchName, cs.ReviewNumber, cs.ReviewURL,
		cs.AuthorAgentID.String(), nullIDStr(cs.ReviewerAgentID), cs.Status, toJSON(cs.ReviewComments),
		nullTimeStr(cs.ApprovedAt), nullTimeStr(cs.MergedAt), timeStr(cs.CreatedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create change set", err)
	}
	return nil
}

const sqliteChangeSetSelect = `
	SELECT id, task_id, branch_name, review_number, review_url, author_agent_id,
		reviewer_agent_id, status, review_comments, approved_at, merged_at, created_at
	FROM change_sets`

func scanSQLiteChangeSet(row interface {
	Scan(dest ...any) error
}) (*domain.ChangeSet, error) {
	var c domain.ChangeSet
	var idStr, taskStr, authorStr, statusStr, comments, createdAt string
	var reviewerID, approvedAt, mergedAt sql.NullString
	err := row.Scan(&idStr, &taskStr, &c.BranchName, &c.ReviewNumber, &c.ReviewURL, &authorStr,
		&reviewerID, &statusStr, &comments, &approvedAt, &mergedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	c.ID, _ = ids.Parse(idStr)
	c.TaskID, _ = ids.Parse(taskStr)
	c.AuthorAgentID, _ = ids.Parse(authorStr)
	c.ReviewerAgentID = parseNullID(reviewerID)
	c.Status = domain.ChangeSetStatus(statusStr)
	c.ReviewComments = fromJSON[[]string](comments)
	c.ApprovedAt = parseNullTime(approvedAt)
	c.MergedAt = parseNullTime(mergedAt)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (s *SQLite) GetChangeSet(ctx context.Context, id ids.ID) (*domain.ChangeSet, error) {
	c, err := scanSQLiteChangeSet(s.db.QueryRowContext(ctx, sqliteChangeSetSelect+` WHERE id = ?`, id.String()))
	if sqliteNoRows(err) {
		return nil, orcherr.New(orcherr.NotFound, "change set not found")
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get change set", err)
	}
	return c, nil
}

func (s *SQLite) UpdateChangeSetStatus(ctx context.Context, id ids.ID, from, to domain.ChangeSetStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE change_sets SET status = ?, version = version + 1 WHERE id = ? AND status = ?`,
		to, id.String(), from)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "update change set status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) AssignChangeSetReviewer(ctx context.Context, id ids.ID, reviewerAgentID ids.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE change_sets SET reviewer_agent_id = ?, version = version + 1 WHERE id = ? AND reviewer_agent_id IS NULL`,
		reviewerAgentID.String(), id.String())
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "assign change set reviewer", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) ListChangeSetsByStatus(ctx context.Context, statuses ...domain.ChangeSetStatus) ([]*domain.ChangeSet, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, sqliteChangeSetSelect+` WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list change sets by status", err)
	}
	defer rows.Close()
	var out []*domain.ChangeSet
	for rows.Next() {
		c, err := scanSQLiteChangeSet(rows)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan change set", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Escalation ---

func (s *SQLite) CreateEscalationRecord(ctx context.Context, rec *domain.EscalationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_records (id, task_id, level, reason, requested_agent, resolver,
			decision, decided_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID.String(), rec.TaskID.String(), rec.Level, rec.Reason, rec.RequestedAgent.String(),
		rec.Resolver, rec.Decision, nullTimeStr(rec.DecidedAt), timeStr(rec.CreatedAt))
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "create escalation record", err)
	}
	return nil
}

func (s *SQLite) ListPendingEscalations(ctx context.Context, level domain.EscalationLevel) ([]*domain.EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, level, reason, requested_agent, resolver, decision, decided_at, created_at
		FROM escalation_records WHERE level = ? AND decided_at IS NULL ORDER BY created_at`, level)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list pending escalations", err)
	}
	defer rows.Close()
	return scanSQLiteEscalationRecords(rows)
}

func (s *SQLite) ListEscalationRecords(ctx context.Context, taskID ids.ID) ([]*domain.EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, level, reason, requested_agent, resolver, decision, decided_at, created_at
		FROM escalation_records WHERE task_id = ? ORDER BY created_at`, taskID.String())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list escalation records", err)
	}
	defer rows.Close()
	return scanSQLiteEscalationRecords(rows)
}

func scanSQLiteEscalationRecords(rows *sql.Rows) ([]*domain.EscalationRecord, error) {
	var out []*domain.EscalationRecord
	for rows.Next() {
		var e domain.EscalationRecord
		var idStr, taskStr, reqAgentStr, createdAt string
		var decidedAt sql.NullString
		if err := rows.Scan(&idStr, &taskStr, &e.Level, &e.Reason, &reqAgentStr, &e.Resolver,
			&e.Decision, &decidedAt, &createdAt); err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "scan escalation record", err)
		}
		e.ID, _ = ids.Parse(idStr)
		e.TaskID, _ = ids.Parse(taskStr)
		e.RequestedAgent, _ = ids.Parse(reqAgentStr)
		e.DecidedAt = parseNullTime(decidedAt)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Knowledge / vector search ---

func (s *SQLite) IndexKnowledge(ctx context.Context, doc vectorstore.Document) error {
	if s.vector == nil {
		return orcherr.New(orcherr.ProviderError, "no vector store configured")
	}
	return s.vector.Upsert(ctx, doc)
}

func (s *SQLite) FindSimilarKnowledge(ctx context.Context, orgID ids.ID, embedding []float32, topK int, minScore float32) ([]vectorstore.SearchResult, error) {
	if s.vector == nil {
		return nil, nil
	}
	results, err := s.vector.SearchByVector(ctx, embedding, topK*4, nil)
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
