/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package taskpool is the task pool: the atomic claim, dependency,
// file-conflict, and XOR-assignment rules layered over the store gateway's
// claim_ready_task primitive. The serializability and CAS mechanics live in
// internal/store; this package owns the pure predicates (capability
// containment, priority ordering) and the structural invariants the rest
// of the control plane relies on.
package taskpool

import (
	"context"
	"strings"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/store"
)

// Pool wraps a Store with the claiming protocol's higher-level API.
type Pool struct {
	Store store.Store
}

// New builds a Pool over s.
func New(s store.Store) *Pool {
	return &Pool{Store: s}
}

// Claim attempts to claim a single ready task for agent. Returns nil, nil
// when no eligible task exists. That is not an error: a CAS miss or empty
// result is a signal to retry on the next control-loop tick, not a
// failure.
//
// Claiming a task twice for the same agent is idempotent: if agent is
// already WORKING on a task, that task is returned again rather than a
// second claim being attempted, so a double claim is idempotent.
func (p *Pool) Claim(ctx context.Context, agent *domain.Agent) (*domain.Task, error) {
	if agent.Status == domain.AgentWorking && agent.CurrentTaskID != nil {
		return p.Store.GetTask(ctx, *agent.CurrentTaskID)
	}
	return p.Store.ClaimReadyTask(ctx, agent)
}

// NormalizeCapabilities lower-cases and trims every tag so matching is
// case-insensitive set containment, never substring search. Order is
// preserved but irrelevant; callers compare via ContainsAll.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ContainsAll reports whether every tag in required is present in have,
// using normalized set containment — never substring match.
func ContainsAll(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range NormalizeCapabilities(have) {
		set[h] = struct{}{}
	}
	for _, r := range NormalizeCapabilities(required) {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// FilesConflict reports whether a and b share any affected file, the
// predicate behind invariant (4): no two tasks IN_PROGRESS under the same
// project may have overlapping affected-file sets.
func FilesConflict(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; ok {
			return true
		}
	}
	return false
}

// ValidateAssignment enforces the XOR invariant: a task may carry a team
// assignment, an agent assignment, or neither, but never both.
func ValidateAssignment(t *domain.Task) error {
	if t.AssignedTeamID != nil && t.AssignedAgentID != nil {
		return orcherr.New(orcherr.InvariantViolation, "task carries both team and agent assignment")
	}
	return nil
}

// Less orders tasks by claim priority: lower Priority value is more
// urgent; ties break on older CreatedAt first. This is the same order the
// stores' claim queries apply in SQL (ORDER BY priority, created_at).
func Less(a, b *domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Eligible reports whether task t may be claimed by agent with the given
// normalized capability set and in-flight (IN_PROGRESS) affected-file
// sets, covering every claim predicate except the store-serialized
// dependency-complete check (the caller, typically the store, has already
// resolved dependency status before calling Eligible, since that requires
// a round-trip this pure function cannot make).
func Eligible(t *domain.Task, agentCaps []string, agentCurrentTasks int, agentMaxConcurrent int, inProgressFiles [][]string) bool {
	if t.Status != domain.TaskPending && t.Status != domain.TaskReady {
		return false
	}
	if !ContainsAll(agentCaps, t.RequiredCapabilities) {
		return false
	}
	if agentCurrentTasks >= agentMaxConcurrent {
		return false
	}
	for _, files := range inProgressFiles {
		if FilesConflict(t.AffectedFiles, files) {
			return false
		}
	}
	return true
}
