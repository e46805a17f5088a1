/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package governor is the concurrency governor: the gate the
// execute loop consults before issuing a new execution cycle for an
// organization — emergency-stop check, daily-cap trip, and the
// active-agent concurrency ceiling. The cap check accumulates the
// organization's daily cost rollup and trips the emergency stop the first
// time it crosses the cap.
package governor

import (
	"context"
	"sync"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/store"
	"github.com/hortator-ai/orchestrator/internal/telemetry"
)

// Governor enforces the admission gate once per organization per
// execute-loop tick. The active-agent set is kept in-process (a plain
// mutex-guarded map) to dedup concurrent cycle invocations for the same
// agent within one process.
type Governor struct {
	Store store.Store

	mu     sync.Mutex
	active map[ids.ID]struct{}
}

// New builds a Governor with an empty active set.
func New(s store.Store) *Governor {
	return &Governor{Store: s, active: make(map[ids.ID]struct{})}
}

// Rebuild clears the in-process dedup set on process start. Starting empty
// rather than reconstructed from the store is safe because a duplicate
// execution-cycle invocation is harmless, the task pool's claim CAS
// catches it, so there is no correctness reason to pay for a full
// agent-status scan here.
func (g *Governor) Rebuild() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = make(map[ids.ID]struct{})
}

// Admit refuses a new cycle if the organization is in
// emergency stop, flips the flag (with a level-4 escalation record) if the
// daily cap has just been crossed, and otherwise enforces active <
// max_concurrent. Returns nil if a cycle may proceed.
func (g *Governor) Admit(ctx context.Context, org *domain.Organization) error {
	if !org.AutonomousExecution {
		return orcherr.New(orcherr.Forbidden, "organization is in emergency stop")
	}

	cost, err := g.Store.GetCostRecord(ctx, org.ID, ids.Now())
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "loading cost record for governor admit", err)
	}
	if org.DailyCapSubCents > 0 && cost.DailyTotalSubCents >= org.DailyCapSubCents {
		if err := g.tripDailyCap(ctx, org); err != nil {
			return err
		}
		return orcherr.New(orcherr.BudgetExceeded, "daily cap reached")
	}

	active := g.ActiveCount()
	if org.MaxConcurrentAgents > 0 && active >= org.MaxConcurrentAgents {
		return orcherr.New(orcherr.Transient, "organization at max concurrent agents")
	}
	return nil
}

// tripDailyCap flips AutonomousExecution false with a recorded reason and
// creates a level-4 escalation record.
func (g *Governor) tripDailyCap(ctx context.Context, org *domain.Organization) error {
	reason := "daily cap reached"
	if err := g.Store.SetAutonomousExecution(ctx, org.ID, false, reason); err != nil {
		return orcherr.Wrap(orcherr.Transient, "flipping autonomous-execution flag", err)
	}
	telemetry.DailyCapTrippedTotal.WithLabelValues(org.Name).Inc()
	rec := &domain.EscalationRecord{
		ID:        ids.New(),
		Level:     domain.EscalationHumanReady,
		Reason:    reason,
		Resolver:  "human",
		CreatedAt: ids.Now(),
	}
	return g.Store.CreateEscalationRecord(ctx, rec)
}

// MarkActive records agentID as currently occupying a concurrency slot.
func (g *Governor) MarkActive(agentID ids.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[agentID] = struct{}{}
}

// MarkIdle releases agentID's concurrency slot.
func (g *Governor) MarkIdle(agentID ids.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, agentID)
}

// IsActive reports whether agentID currently occupies a concurrency slot.
func (g *Governor) IsActive(agentID ids.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[agentID]
	return ok
}

// ActiveCount returns the number of agents currently occupying a
// concurrency slot in this process.
func (g *Governor) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
