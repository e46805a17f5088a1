/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package escalation is the escalation ladder: the five-level
// policy a failed gate result is routed through, from self-retry up to a
// terminal human decision. Cooldown spacing at level 3 uses exponential
// backoff with jitter, and every rung appends an EscalationRecord so the
// full history survives for the human resolver.
package escalation

import (
	"context"
	"math/rand"
	"time"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/gate"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/store"
	"github.com/hortator-ai/orchestrator/internal/taskpool"
	"github.com/hortator-ai/orchestrator/internal/telemetry"
)

// DefaultCooldown is the level-3 manager-escalation blocked_until spacing.
const DefaultCooldown = 10 * time.Minute

// TerminalWindow is the level-4 human-ready window before a task is
// forced to level 5 (terminal failure).
const TerminalWindow = 48 * time.Hour

// Outcome tells the execution cycle what it should do next.
type Outcome string

const (
	OutcomeRequeued Outcome = "REQUEUED" // task is back to READY, try again
	OutcomeBlocked  Outcome = "BLOCKED"  // task is BLOCKED pending manager/human
	OutcomeFailed   Outcome = "FAILED"   // terminal
)

// Ladder resolves a gate failure into the right rung and applies its
// transition.
type Ladder struct {
	Store store.Store
}

// New builds a Ladder.
func New(s store.Store) *Ladder {
	return &Ladder{Store: s}
}

// computeBackoff is exponential in the
// retry count, base 30s cap 300s, with +/-25% jitter.
func computeBackoff(attempt int) time.Duration {
	base := 30 * time.Second
	max := 300 * time.Second
	backoff := base << uint(attempt)
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	jitter := float64(backoff) * (0.75 + rand.Float64()*0.5)
	return time.Duration(jitter)
}

// Escalate routes a single gate failure for task (currently held by
// agent) through the ladder, applying exactly one rung's transition and
// returning what the caller should do. peers is a candidate pool (the
// caller typically passes the organization's idle agents); level 2
// narrows it to the agent's own team with the task's required
// capabilities covered, first match wins.
func (l *Ladder) Escalate(ctx context.Context, task *domain.Task, agent *domain.Agent, result gate.Result, peers []*domain.Agent, managerID *ids.ID) (Outcome, error) {
	task.ConsecutiveFailureCount++
	task.LastFailureAt = timePtr(ids.Now())

	if result.Reason == "COST" {
		return l.LevelFour(ctx, task, agent, "cost budget exceeded")
	}

	if result.ShouldRetry && task.RetryCount < domain.MaxRetryCount {
		return l.levelOneSelfRetry(ctx, task)
	}

	if result.ShouldRetry {
		if peer := l.selectTeammate(ctx, task, agent, peers); peer != nil {
			return l.levelTwoTeammate(ctx, task, peer)
		}
	}

	if managerID != nil {
		return l.levelThreeManager(ctx, task, agent, managerID, result.Reason)
	}

	return l.LevelFour(ctx, task, agent, result.Reason)
}

// levelOneSelfRetry: retry_count < 3 and should_retry — bounce the task
// back to READY for the pool to re-offer, unassigned.
func (l *Ladder) levelOneSelfRetry(ctx context.Context, task *domain.Task) (Outcome, error) {
	task.RetryCount++
	task.AssignedAgentID = nil
	task.Status = domain.TaskReady
	if err := l.Store.UpdateTask(ctx, task); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "level-1 self-retry update failed", err)
	}
	telemetry.EscalationsTotal.WithLabelValues("1").Inc()
	return OutcomeRequeued, nil
}

// selectTeammate picks the first candidate on the failing agent's own
// team whose role capabilities cover the task's required set. A task with
// no required capabilities skips the role lookup.
func (l *Ladder) selectTeammate(ctx context.Context, task *domain.Task, agent *domain.Agent, peers []*domain.Agent) *domain.Agent {
	for _, peer := range peers {
		if peer.ID == agent.ID || peer.TeamID != agent.TeamID {
			continue
		}
		if len(task.RequiredCapabilities) > 0 {
			role, err := l.Store.GetRole(ctx, peer.RoleID)
			if err != nil || !taskpool.ContainsAll(role.Capabilities, task.RequiredCapabilities) {
				continue
			}
		}
		return peer
	}
	return nil
}

// levelTwoTeammate: reassign to a peer with overlapping capabilities.
func (l *Ladder) levelTwoTeammate(ctx context.Context, task *domain.Task, peer *domain.Agent) (Outcome, error) {
	task.AssignedAgentID = &peer.ID
	task.Status = domain.TaskReady
	if err := l.Store.UpdateTask(ctx, task); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "level-2 teammate reassignment failed", err)
	}
	telemetry.EscalationsTotal.WithLabelValues("2").Inc()
	return OutcomeRequeued, nil
}

// levelThreeManager: escalate to the team's manager; block with a cooldown.
func (l *Ladder) levelThreeManager(ctx context.Context, task *domain.Task, agent *domain.Agent, managerID *ids.ID, reason string) (Outcome, error) {
	cooldown := computeBackoff(task.RetryCount)
	if cooldown < DefaultCooldown {
		cooldown = DefaultCooldown
	}
	until := ids.Now().Add(cooldown)
	task.Status = domain.TaskBlocked
	task.BlockedUntil = &until
	task.ErrorMessage = reason
	if err := l.Store.UpdateTask(ctx, task); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "level-3 block transition failed", err)
	}
	rec := &domain.EscalationRecord{
		ID:             ids.New(),
		TaskID:         task.ID,
		Level:          domain.EscalationManager,
		Reason:         reason,
		RequestedAgent: agent.ID,
		Resolver:       managerID.String(),
		CreatedAt:      ids.Now(),
	}
	if err := l.Store.CreateEscalationRecord(ctx, rec); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "recording level-3 escalation failed", err)
	}
	telemetry.EscalationsTotal.WithLabelValues("3").Inc()
	return OutcomeBlocked, nil
}

// LevelFour: manager has itself escalated, or is absent — create a
// human-ready approval record; task stays BLOCKED. Also the terminal rung
// for CI-retry exhaustion, which has no teammate/manager routing
// of its own and escalates straight to human-ready.
func (l *Ladder) LevelFour(ctx context.Context, task *domain.Task, agent *domain.Agent, reason string) (Outcome, error) {
	task.Status = domain.TaskBlocked
	task.ErrorMessage = reason
	if err := l.Store.UpdateTask(ctx, task); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "level-4 block transition failed", err)
	}
	rec := &domain.EscalationRecord{
		ID:             ids.New(),
		TaskID:         task.ID,
		Level:          domain.EscalationHumanReady,
		Reason:         reason,
		RequestedAgent: agent.ID,
		Resolver:       "human",
		CreatedAt:      ids.Now(),
	}
	if err := l.Store.CreateEscalationRecord(ctx, rec); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "recording level-4 escalation failed", err)
	}
	telemetry.EscalationsTotal.WithLabelValues("4").Inc()
	return OutcomeBlocked, nil
}

// LevelFiveTerminal marks task FAILED after TerminalWindow elapses with no
// human decision, or on explicit rejection, and blocks the parent task
// pending re-plan.
func (l *Ladder) LevelFiveTerminal(ctx context.Context, task *domain.Task, reason string) (Outcome, error) {
	task.Status = domain.TaskFailed
	task.ErrorMessage = reason
	if err := l.Store.UpdateTask(ctx, task); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "level-5 terminal update failed", err)
	}
	rec := &domain.EscalationRecord{
		ID:        ids.New(),
		TaskID:    task.ID,
		Level:     domain.EscalationTerminal,
		Reason:    reason,
		Resolver:  "human",
		CreatedAt: ids.Now(),
	}
	if err := l.Store.CreateEscalationRecord(ctx, rec); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "recording level-5 escalation failed", err)
	}
	telemetry.EscalationsTotal.WithLabelValues("5").Inc()
	if task.ParentTaskID != nil {
		if parent, err := l.Store.GetTask(ctx, *task.ParentTaskID); err == nil {
			parent.Status = domain.TaskBlocked
			parent.ErrorMessage = "child task failed terminally: " + reason
			_ = l.Store.UpdateTask(ctx, parent)
		}
	}
	return OutcomeFailed, nil
}

// IsTerminalWindowExpired reports whether a level-4 escalation has aged
// past TerminalWindow with no human decision.
func IsTerminalWindowExpired(createdAt time.Time) bool {
	return ids.Now().Sub(createdAt) > TerminalWindow
}

// ResetConsecutiveFailures clears the per-task counter on success.
func ResetConsecutiveFailures(task *domain.Task) {
	task.ConsecutiveFailureCount = 0
}

func timePtr(t time.Time) *time.Time { return &t }
