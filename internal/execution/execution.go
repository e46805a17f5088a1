/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package execution is the execution cycle: the seven-step
// claim -> sandbox -> prompt -> brain -> apply -> gate -> publish body
// run once per agent invocation, under a hard wall-clock ceiling.
// Cycle.Run drives the whole body inline inside one goroutine per
// invocation; context cancellation is the only teardown signal.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/escalation"
	"github.com/hortator-ai/orchestrator/internal/gate"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/prompt"
	"github.com/hortator-ai/orchestrator/internal/sandbox"
	"github.com/hortator-ai/orchestrator/internal/store"
	"github.com/hortator-ai/orchestrator/internal/taskpool"
	"github.com/hortator-ai/orchestrator/internal/telemetry"
)

// Outcome is the cycle's terminal status.
type Outcome string

const (
	OutcomeIdle             Outcome = "IDLE"
	OutcomePublished        Outcome = "PUBLISHED"
	OutcomeFailedValidation Outcome = "FAILED_VALIDATION"
	OutcomeWallClock        Outcome = "FAILED_WALL_CLOCK"
)

// KnowledgeSearch resolves layer-5 prior-knowledge results for a task; the
// cycle never talks to vectorstore directly, matching the prompt
// composer's "callers resolve every layer" contract.
type KnowledgeSearch func(ctx context.Context, task *domain.Task) ([]prompt.Input, error)

// Cycle wires the task pool, prompt composer, brain gateway, sandbox
// gateway, quality gate, and escalation ladder into the single per-agent
// invocation body.
type Cycle struct {
	Store      store.Store
	Pool       *taskpool.Pool
	Brain      brain.Gateway
	Sandbox    *sandbox.Gateway
	Gate       *gate.Gate
	Escalation *escalation.Ladder

	// BrainTimeout is the per-invocation brain call budget; the cycle's own
	// wall-clock ceiling is sandbox.WallClockCeiling(BrainTimeout).
	BrainTimeout time.Duration

	// ComposePrompt builds the six-layer prompt for (agent, task); injected
	// so the cycle never needs direct knowledge of team/role/org loading or
	// vector search, keeping the composer itself pure.
	ComposePrompt func(ctx context.Context, agent *domain.Agent, task *domain.Task) (string, error)

	// ApplyEnvelope parses response.Output as the brain-provider edit
	// envelope and writes every file through the sandbox gateway. A parse
	// failure is treated as a level-1 quality failure.
	ApplyEnvelope func(g *sandbox.Gateway, sb *sandbox.Sandbox, output string) error

	// AssignReviewer runs reviewer selection once a
	// change-set reaches READY_FOR_REVIEW. Optional; nil skips assignment
	// (the review loop's next tick will pick it up instead).
	AssignReviewer func(ctx context.Context, task *domain.Task, cs *domain.ChangeSet) error
}

// New builds a Cycle with every collaborator wired.
func New(s store.Store, b brain.Gateway, sb *sandbox.Gateway, brainTimeout time.Duration) *Cycle {
	return &Cycle{
		Store:        s,
		Pool:         taskpool.New(s),
		Brain:        b,
		Sandbox:      sb,
		Gate:         gate.New(),
		Escalation:   escalation.New(s),
		BrainTimeout: brainTimeout,
	}
}

// Run executes one full cycle for agent: it claims whatever task the pool
// offers (which determines the project) and runs the remaining six steps
// against it. It never blocks past sandbox.WallClockCeiling(c.BrainTimeout);
// on ceiling hit the task is marked FAILED with reason WALL_CLOCK and the
// agent released, regardless of which step was in flight.
func (c *Cycle) Run(ctx context.Context, agent *domain.Agent) (Outcome, error) {
	ceiling := sandbox.WallClockCeiling(c.effectiveBrainTimeout())
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	outcome, task, err := c.run(ctx, agent)
	if ctx.Err() == context.DeadlineExceeded {
		return c.wallClockTeardown(context.Background(), task, agent)
	}
	return outcome, err
}

func (c *Cycle) effectiveBrainTimeout() time.Duration {
	if c.BrainTimeout <= 0 {
		return 300 * time.Second
	}
	return c.BrainTimeout
}

func (c *Cycle) run(ctx context.Context, agent *domain.Agent) (Outcome, *domain.Task, error) {
	// Step 1: claim.
	task, err := c.Pool.Claim(ctx, agent)
	if err != nil {
		return "", nil, err
	}
	if task == nil {
		return OutcomeIdle, nil, nil
	}

	if err := c.Store.UpdateAgentStatus(ctx, agent.ID, agent.Status, domain.AgentWorking, &task.ID); err != nil {
		return "", task, orcherr.Wrap(orcherr.Transient, "marking agent working", err)
	}
	agent.Status = domain.AgentWorking
	agent.CurrentTaskID = &task.ID
	telemetry.TasksTotal.WithLabelValues(string(domain.TaskInProgress), agent.OrganizationID.String()).Inc()
	telemetry.TasksActive.WithLabelValues(agent.OrganizationID.String()).Inc()

	project, err := c.Store.GetProject(ctx, task.ProjectID)
	if err != nil {
		c.releaseAgent(ctx, agent)
		return "", task, orcherr.Wrap(orcherr.NotFound, "loading project for execution cycle", err)
	}

	// Step 2: acquire sandbox.
	var parentRoot string
	if task.ParentTaskID != nil {
		if parent, err := c.Store.GetTask(ctx, *task.ParentTaskID); err == nil && parent.AssignedAgentID != nil {
			parentRoot = sandbox.WorktreeRoot(project.WorkingDirRoot, *parent.AssignedAgentID, parent.ID)
		}
	}
	sb, err := c.Sandbox.Acquire(ctx, project, agent.ID, task, parentRoot)
	if err != nil {
		c.releaseAgent(ctx, agent)
		return "", task, err
	}

	// Step 3: compose prompt.
	promptText, err := c.ComposePrompt(ctx, agent, task)
	if err != nil {
		c.releaseAgent(ctx, agent)
		return "", task, err
	}

	// Step 4: execute brain, recording start/end.
	startedAt := ids.Now()
	resp, err := c.Brain.Execute(ctx, agent.BrainProvider, promptText, c.effectiveBrainTimeout())
	endedAt := ids.Now()
	if err != nil {
		c.recordExecution(ctx, task, agent, startedAt, endedAt, "ERROR", nil)
		return c.handleFailure(ctx, task, agent, gate.Result{Passed: false, ShouldRetry: orcherr.ShouldRetry(err), Reason: err.Error()}, sb)
	}
	c.recordExecution(ctx, task, agent, startedAt, endedAt, "COMPLETED", resp)

	// Step 5: apply the edit envelope.
	if c.ApplyEnvelope != nil {
		if err := c.ApplyEnvelope(c.Sandbox, sb, resp.Output); err != nil {
			return c.handleFailure(ctx, task, agent, gate.Result{Passed: false, ShouldRetry: true, Reason: "envelope parse failure: " + err.Error()}, sb)
		}
	}

	// Step 6: validate through the quality/cost gate.
	org, err := c.Store.GetOrganization(ctx, project.OrganizationID)
	if err != nil {
		return "", task, orcherr.Wrap(orcherr.NotFound, "loading organization for gate", err)
	}
	result := c.Gate.Validate(task, resp, org)
	if !result.Passed {
		return c.handleFailure(ctx, task, agent, result, sb)
	}

	// Step 7: publish.
	return c.publish(ctx, task, agent, sb)
}

func (c *Cycle) recordExecution(ctx context.Context, task *domain.Task, agent *domain.Agent, startedAt, endedAt time.Time, outcome string, resp *brain.Response) {
	rec := &domain.ExecutionRecord{
		ID:        ids.New(),
		TaskID:    task.ID,
		AgentID:   agent.ID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Outcome:   outcome,
	}
	if resp != nil {
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		rec.CostSubCents = resp.CostSubCents
		rec.BrainDuration = resp.Duration
	}
	_ = c.Store.RecordExecution(ctx, rec)
	telemetry.RecordExecution(ctx, task, rec)
	if resp != nil && resp.CostSubCents > 0 {
		_ = c.Store.RollUpCost(ctx, agent.OrganizationID, resp.CostSubCents, endedAt)
	}
}

// handleFailure routes a gate (or brain, or envelope) failure through the
// escalation ladder, releasing the sandbox unless the outcome needs it
// kept for diagnostics.
func (c *Cycle) handleFailure(ctx context.Context, task *domain.Task, agent *domain.Agent, result gate.Result, sb *sandbox.Sandbox) (Outcome, *domain.Task, error) {
	peers, _ := c.Store.ListIdleAgents(ctx, agent.OrganizationID)
	var managerID *ids.ID
	if team, err := c.Store.GetTeam(ctx, agent.TeamID); err == nil {
		managerID = team.ManagerAgentID
	}

	outcome, err := c.Escalation.Escalate(ctx, task, agent, result, peers, managerID)
	_ = c.Sandbox.Release(sb, outcome == escalation.OutcomeBlocked)
	c.releaseAgent(ctx, agent)
	if err != nil {
		return "", task, err
	}
	return OutcomeFailedValidation, task, nil
}

func (c *Cycle) publish(ctx context.Context, task *domain.Task, agent *domain.Agent, sb *sandbox.Sandbox) (Outcome, *domain.Task, error) {
	if _, err := c.Sandbox.StageAndCommit(sb, "task "+task.Title, agent.Name); err != nil {
		return "", task, err
	}
	ref, err := c.Sandbox.Publish(ctx, sb, task.Title, task.Description)
	if err != nil {
		return "", task, err
	}

	cs := &domain.ChangeSet{
		ID:            ids.New(),
		TaskID:        task.ID,
		BranchName:    ref.BranchName,
		ReviewNumber:  ref.ReviewNumber,
		ReviewURL:     ref.ReviewURL,
		AuthorAgentID: agent.ID,
		Status:        domain.ChangeSetDraft,
		CreatedAt:     ids.Now(),
	}
	if c.AssignReviewer != nil {
		// Reviewer selection runs before the change-set is first persisted
		// so assignment is just a field on the one CreateChangeSet insert;
		// a change-set born without a reviewer gets one later through
		// Store.AssignChangeSetReviewer.
		_ = c.AssignReviewer(ctx, task, cs)
	}
	if err := c.Store.CreateChangeSet(ctx, cs); err != nil {
		return "", task, orcherr.Wrap(orcherr.Transient, "creating change-set", err)
	}
	if _, err := c.Store.UpdateChangeSetStatus(ctx, cs.ID, domain.ChangeSetDraft, domain.ChangeSetReadyForReview); err != nil {
		return "", task, orcherr.Wrap(orcherr.Transient, "transitioning change-set to ready-for-review", err)
	}

	task.ChangeSetID = &cs.ID
	if _, err := c.Store.SetTaskStatus(ctx, task.ID, domain.TaskInProgress, domain.TaskInReview); err != nil {
		return "", task, orcherr.Wrap(orcherr.Conflict, "transitioning task to in-review", err)
	}
	task.Status = domain.TaskInReview
	escalation.ResetConsecutiveFailures(task)
	if err := c.Store.UpdateTask(ctx, task); err != nil {
		return "", task, orcherr.Wrap(orcherr.Transient, "persisting change-set reference", err)
	}

	c.releaseAgent(ctx, agent)
	return OutcomePublished, task, nil
}

func (c *Cycle) releaseAgent(ctx context.Context, agent *domain.Agent) {
	_ = c.Store.UpdateAgentStatus(ctx, agent.ID, domain.AgentWorking, domain.AgentIdle, nil)
	agent.Status = domain.AgentIdle
	agent.CurrentTaskID = nil
	telemetry.TasksActive.WithLabelValues(agent.OrganizationID.String()).Dec()
}

// wallClockTeardown handles the ceiling-hit path: forced teardown,
// FAILED/WALL_CLOCK, agent released. task may be nil if the ceiling was
// hit before a task was claimed.
func (c *Cycle) wallClockTeardown(ctx context.Context, task *domain.Task, agent *domain.Agent) (Outcome, error) {
	if task != nil {
		task.Status = domain.TaskFailed
		task.ErrorMessage = "WALL_CLOCK"
		_ = c.Store.UpdateTask(ctx, task)
	}
	c.releaseAgent(ctx, agent)
	return OutcomeWallClock, nil
}

// DefaultComposePrompt builds the standard prompt.Input from task, agent,
// project, and organization context loaded through s, including the six
// layers' dependencies and any CI feedback carried on the task from a
// prior CI or merge failure.
func DefaultComposePrompt(ctx context.Context, s store.Store, task *domain.Task, agent *domain.Agent) (string, error) {
	org, err := s.GetOrganization(ctx, agent.OrganizationID)
	if err != nil {
		return "", orcherr.Wrap(orcherr.NotFound, "loading organization for prompt", err)
	}
	role, err := s.GetRole(ctx, agent.RoleID)
	if err != nil {
		return "", orcherr.Wrap(orcherr.NotFound, "loading role for prompt", err)
	}

	var teams []*domain.Team
	teamID := &agent.TeamID
	for teamID != nil {
		team, err := s.GetTeam(ctx, *teamID)
		if err != nil {
			break
		}
		teams = append([]*domain.Team{team}, teams...)
		teamID = team.ParentTeamID
	}

	var depTitles []string
	for _, depID := range task.Dependencies {
		if dep, err := s.GetTask(ctx, depID); err == nil {
			depTitles = append(depTitles, dep.Title)
		}
	}

	knowledge, _ := s.FindSimilarKnowledge(ctx, org.ID, nil, prompt.DefaultTopK, prompt.DefaultMinScore)

	return prompt.Compose(prompt.Input{
		Organization:     org,
		Teams:            teams,
		Role:             role,
		Agent:            agent,
		Knowledge:        knowledge,
		Task:             task,
		DependencyTitles: depTitles,
		LastCIFeedback:   task.LastCIFeedback,
	})
}

// DefaultApplyEnvelope interprets response output as a minimal edit
// envelope: a sequence of "### <path>" headers each followed by file
// content up to the next header. The grammar belongs to the
// brain-provider contract; a provider adapter is free to swap in a richer
// envelope without changing the rest of the cycle.
func DefaultApplyEnvelope(g *sandbox.Gateway, sb *sandbox.Sandbox, output string) error {
	const headerPrefix = "### "
	lines := strings.Split(output, "\n")
	var file string
	var body strings.Builder
	flush := func() error {
		if file == "" {
			return nil
		}
		return g.Write(sb, file, []byte(strings.TrimSuffix(body.String(), "\n")))
	}
	for _, line := range lines {
		if strings.HasPrefix(line, headerPrefix) {
			if err := flush(); err != nil {
				return err
			}
			file = strings.TrimSpace(strings.TrimPrefix(line, headerPrefix))
			body.Reset()
			continue
		}
		if file == "" {
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	if err := flush(); err != nil {
		return err
	}
	if file == "" {
		return fmt.Errorf("no file headers (### path) found in brain output")
	}
	return nil
}
