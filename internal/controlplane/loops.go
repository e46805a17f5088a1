/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package controlplane

import (
	"context"
	"time"

	"github.com/hortator-ai/orchestrator/internal/decompose"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/escalation"
	"github.com/hortator-ai/orchestrator/internal/execution"
	"github.com/hortator-ai/orchestrator/internal/governor"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/review"
	"github.com/hortator-ai/orchestrator/internal/store"
	"github.com/hortator-ai/orchestrator/internal/telemetry"
)

// DefaultPeriod is the default tick period for all three loops.
const DefaultPeriod = 10 * time.Second

// Loops bundles the decomposition engine, the execution cycle, the
// escalation ladder, the review loop, and the governor into three periodic
// sweeps: decompose, execute, and review/CI. Each loop is a ticker-driven
// goroutine that re-reads everything it needs from the store on every
// tick; no state survives between ticks, so a lagging loop simply catches
// up on the next one.
type Loops struct {
	Store      store.Store
	Decompose  *decompose.Engine
	Review     *review.Loop
	Governor   *governor.Governor
	Escalation *escalation.Ladder

	// NewCycle builds a fresh execution.Cycle for one invocation. Cycles
	// are not reused across agents because ComposePrompt/ApplyEnvelope
	// closures are frequently agent/org specific.
	NewCycle func(agent *domain.Agent) *execution.Cycle

	// Organizations enumerates every organization this process services.
	// The store has no "list all organizations" query (tenancy is
	// expected to be enumerated by configuration, not scanned), so the
	// caller supplies it — typically a fixed list from HORTATOR_* config.
	Organizations func(ctx context.Context) ([]*domain.Organization, error)

	// ResolveTeamByName and the two plan parsers back the decompose
	// loop's Phase A/B brain-output handling; injected so this package
	// never hand-rolls a JSON schema.
	ResolveTeamByName func(ctx context.Context, orgID ids.ID, name string) (*domain.Team, bool)
	ParseEpicPlan     func(string) ([]decompose.EpicPlanItem, error)
	ParseSubtaskPlan  func(string) ([]decompose.SubtaskPlanItem, error)

	Period     time.Duration
	WorkerSize int
}

// New builds a Loops with the default period and a worker pool sized
// for size concurrent execution cycles.
func New(s store.Store, size int) *Loops {
	return &Loops{
		Store:  s,
		Period: DefaultPeriod,
		WorkerSize: func() int {
			if size <= 0 {
				return 4
			}
			return size
		}(),
	}
}

func (l *Loops) period() time.Duration {
	if l.Period <= 0 {
		return DefaultPeriod
	}
	return l.Period
}

// RunDecomposeLoop pulls undecomposed goals and ready team epics, invoking
// decomposition phases A and B respectively, until ctx is cancelled.
func (l *Loops) RunDecomposeLoop(ctx context.Context) {
	ticker := time.NewTicker(l.period())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.decomposeTick(ctx)
		}
	}
}

func (l *Loops) decomposeTick(ctx context.Context) {
	goals, err := l.Store.ListUndecomposedGoals(ctx, 50)
	if err == nil {
		for _, goal := range goals {
			resolve := func(name string) (*domain.Team, bool) {
				return l.ResolveTeamByName(ctx, goal.OrganizationID, name)
			}
			if err := l.Decompose.PhaseA(ctx, goal, resolve, l.ParseEpicPlan); err != nil {
				l.handlePhaseAFailure(ctx, goal, err)
			}
		}
	}

	epics, err := l.Store.ListReadyTeamEpics(ctx, 50)
	if err != nil {
		return
	}
	for _, epic := range epics {
		if epic.AssignedTeamID == nil {
			continue
		}
		team, err := l.Store.GetTeam(ctx, *epic.AssignedTeamID)
		if err != nil || team.ManagerAgentID == nil {
			continue
		}
		manager, err := l.Store.GetAgent(ctx, *team.ManagerAgentID)
		if err != nil {
			continue
		}
		members, err := l.Store.ListTeamMembers(ctx, team.ID)
		if err != nil {
			continue
		}
		memberByName := make(map[string]*domain.Agent, len(members))
		for _, m := range members {
			memberByName[m.Name] = m
		}
		if err := l.Decompose.PhaseB(ctx, epic, manager, memberByName, l.ParseSubtaskPlan); err != nil {
			l.handlePhaseBFailure(ctx, epic, manager, err)
		}
	}
}

// handlePhaseAFailure tracks a Phase A parse failure against the goal;
// on reaching decompose.MaxParseRetries failures the goal is marked FAILED
// rather than rescheduled.
func (l *Loops) handlePhaseAFailure(ctx context.Context, goal *domain.Goal, cause error) {
	goal.DecomposeFailureCount++
	if goal.DecomposeFailureCount >= decompose.MaxParseRetries {
		goal.Status = domain.GoalFailed
	}
	_ = l.Store.UpdateGoal(ctx, goal)
}

// handlePhaseBFailure tracks a Phase B failure against the epic and, on
// reaching decompose.MaxParseRetries failures, blocks the epic and raises a level-3
// manager escalation with the failure as the task's error message. An
// invariant violation (e.g. the depth cap) is never retried: rescheduling
// would replay the same structurally impossible plan.
func (l *Loops) handlePhaseBFailure(ctx context.Context, epic *domain.Task, manager *domain.Agent, cause error) {
	epic.DecomposeFailureCount++
	if !orcherr.Is(cause, orcherr.InvariantViolation) && epic.DecomposeFailureCount < decompose.MaxParseRetries {
		_ = l.Store.UpdateTask(ctx, epic)
		return
	}
	epic.Status = domain.TaskBlocked
	epic.ErrorMessage = cause.Error()
	if err := l.Store.UpdateTask(ctx, epic); err != nil {
		return
	}
	rec := &domain.EscalationRecord{
		ID:             ids.New(),
		TaskID:         epic.ID,
		Level:          domain.EscalationManager,
		Reason:         cause.Error(),
		RequestedAgent: ids.Nil,
		Resolver:       manager.ID.String(),
		CreatedAt:      ids.Now(),
	}
	_ = l.Store.CreateEscalationRecord(ctx, rec)
}

// RunExecuteLoop is the execute loop: for each organization not in
// emergency stop, fans out execution cycles for up to
// max_concurrent-active IDLE agents, deduplicated by the governor's
// in-process active set so no agent runs two cycles concurrently.
func (l *Loops) RunExecuteLoop(ctx context.Context) {
	l.Governor.Rebuild()
	pool := NewWorkerPool(l.WorkerSize)
	ticker := time.NewTicker(l.period())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pool.Wait()
			return
		case <-ticker.C:
			l.executeTick(ctx, pool)
		}
	}
}

func (l *Loops) executeTick(ctx context.Context, pool *WorkerPool) {
	orgs, err := l.Organizations(ctx)
	if err != nil {
		return
	}
	for _, org := range orgs {
		if drafts, err := l.Store.FindUnassignedDraftTasks(ctx, org.ID); err == nil {
			telemetry.DraftTasksTotal.WithLabelValues(org.Name).Set(float64(len(drafts)))
		}
		if err := l.Governor.Admit(ctx, org); err != nil {
			continue
		}
		idle, err := l.Store.ListIdleAgents(ctx, org.ID)
		if err != nil {
			continue
		}
		for _, agent := range idle {
			if l.Governor.IsActive(agent.ID) {
				continue
			}
			if org.MaxConcurrentAgents > 0 && l.Governor.ActiveCount() >= org.MaxConcurrentAgents {
				break
			}
			agent := agent
			l.Governor.MarkActive(agent.ID)
			submitted := pool.TrySubmit(func() {
				defer l.Governor.MarkIdle(agent.ID)
				cycle := l.NewCycle(agent)
				_, _ = cycle.Run(ctx, agent)
			})
			if !submitted {
				l.Governor.MarkIdle(agent.ID)
				return // no free slot this tick; remaining agents wait for the next one
			}
		}
	}
}

// RunReviewLoop is the review/CI loop: scans in-flight change-sets,
// assigns a reviewer where one is missing, runs the reviewer's own
// execution cycle for change-sets awaiting a verdict, and polls CI.
func (l *Loops) RunReviewLoop(ctx context.Context) {
	ticker := time.NewTicker(l.period())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reviewTick(ctx)
		}
	}
}

func (l *Loops) reviewTick(ctx context.Context) {
	sets, err := l.Store.ListChangeSetsByStatus(ctx, domain.ChangeSetReadyForReview, domain.ChangeSetApproved)
	if err != nil {
		return
	}
	for _, cs := range sets {
		if cs.ReviewerAgentID == nil && cs.Status == domain.ChangeSetReadyForReview {
			task, err := l.Store.GetTask(ctx, cs.TaskID)
			if err != nil {
				continue
			}
			author, err := l.Store.GetAgent(ctx, cs.AuthorAgentID)
			if err != nil {
				continue
			}
			if err := l.Review.AssignReviewer(ctx, task, cs, author); err == nil && cs.ReviewerAgentID != nil {
				_, _ = l.Store.AssignChangeSetReviewer(ctx, cs.ID, *cs.ReviewerAgentID)
			}
		}
		if cs.Status == domain.ChangeSetReadyForReview && cs.ReviewerAgentID != nil {
			_ = l.Review.ExecuteReview(ctx, cs)
		}
		_ = l.Review.PollCI(ctx, cs)
	}

	l.terminalSweepTick(ctx)
}

// terminalSweepTick is the level-5 sweep: every level-4 human-ready
// escalation whose decision window has elapsed with no decision is forced
// to terminal failure.
func (l *Loops) terminalSweepTick(ctx context.Context) {
	if l.Escalation == nil {
		return
	}
	pending, err := l.Store.ListPendingEscalations(ctx, domain.EscalationHumanReady)
	if err != nil {
		return
	}
	for _, rec := range pending {
		if !escalation.IsTerminalWindowExpired(rec.CreatedAt) {
			continue
		}
		task, err := l.Store.GetTask(ctx, rec.TaskID)
		if err != nil || task.IsTerminal() {
			continue
		}
		_, _ = l.Escalation.LevelFiveTerminal(ctx, task, "level-4 human-ready window expired: "+rec.Reason)
	}
}
