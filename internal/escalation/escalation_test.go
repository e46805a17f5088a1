/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package escalation

import (
	"context"
	"testing"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/gate"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTask(t *testing.T, s store.Store, agentID ids.ID) *domain.Task {
	t.Helper()
	org := &domain.Organization{ID: ids.New(), Name: "acme", DailyCapSubCents: 100000, AutonomousExecution: true}
	if err := s.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "p"}
	if err := s.CreateProject(context.Background(), proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	task := &domain.Task{
		ID:              ids.New(),
		ProjectID:       proj.ID,
		Status:          domain.TaskInProgress,
		AssignedAgentID: &agentID,
		RetryCount:      0,
		CreatedAt:       ids.Now(),
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestLevelOneSelfRetryRequeuesUntilCap(t *testing.T) {
	s := newTestStore(t)
	ladder := New(s)
	agent := &domain.Agent{ID: ids.New()}
	task := seedTask(t, s, agent.ID)

	result := gate.Result{Passed: false, ShouldRetry: true, Reason: "empty output"}

	for i := 0; i < domain.MaxRetryCount; i++ {
		outcome, err := ladder.Escalate(context.Background(), task, agent, result, nil, nil)
		if err != nil {
			t.Fatalf("escalate: %v", err)
		}
		if outcome != OutcomeRequeued {
			t.Fatalf("attempt %d: expected requeue, got %s", i, outcome)
		}
	}
	if task.RetryCount != domain.MaxRetryCount {
		t.Fatalf("expected retry_count capped at %d, got %d", domain.MaxRetryCount, task.RetryCount)
	}

	// Retry budget is exhausted and there is no manager or peer: must
	// escalate to level 4, not retry a fourth time.
	outcome, err := ladder.Escalate(context.Background(), task, agent, result, nil, nil)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if outcome != OutcomeBlocked {
		t.Fatalf("expected level-4 block once retries exhausted, got %s", outcome)
	}
	if task.RetryCount > domain.MaxRetryCount {
		t.Fatalf("invariant violated: retry_count must never exceed %d", domain.MaxRetryCount)
	}
}

func TestLevelTwoTeammateFallback(t *testing.T) {
	s := newTestStore(t)
	ladder := New(s)
	agent := &domain.Agent{ID: ids.New()}
	peer := &domain.Agent{ID: ids.New()}
	task := seedTask(t, s, agent.ID)
	task.RetryCount = domain.MaxRetryCount

	result := gate.Result{Passed: false, ShouldRetry: true, Reason: "still failing"}
	outcome, err := ladder.Escalate(context.Background(), task, agent, result, []*domain.Agent{peer}, nil)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if outcome != OutcomeRequeued {
		t.Fatalf("expected peer reassignment to requeue, got %s", outcome)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != peer.ID {
		t.Fatal("expected task reassigned to the peer")
	}
}

func TestCostExceededGoesStraightToLevelFour(t *testing.T) {
	s := newTestStore(t)
	ladder := New(s)
	agent := &domain.Agent{ID: ids.New()}
	task := seedTask(t, s, agent.ID)

	result := gate.Result{Passed: false, ShouldRetry: false, Reason: "COST"}
	outcome, err := ladder.Escalate(context.Background(), task, agent, result, nil, nil)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if outcome != OutcomeBlocked {
		t.Fatalf("expected cost overrun to escalate directly, got %s", outcome)
	}
	if task.RetryCount != 0 {
		t.Fatal("cost overrun must not consume a retry")
	}
}

func TestLevelTwoSkipsOffTeamAndUnderCapablePeers(t *testing.T) {
	s := newTestStore(t)
	ladder := New(s)
	ctx := context.Background()

	teamID := ids.New()
	goRole := &domain.Role{ID: ids.New(), OrganizationID: ids.New(), Name: "engineer", Capabilities: []string{"go", "sql"}}
	docRole := &domain.Role{ID: ids.New(), OrganizationID: goRole.OrganizationID, Name: "writer", Capabilities: []string{"docs"}}
	if err := s.CreateRole(ctx, goRole); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := s.CreateRole(ctx, docRole); err != nil {
		t.Fatalf("create role: %v", err)
	}

	agent := &domain.Agent{ID: ids.New(), TeamID: teamID, RoleID: goRole.ID}
	offTeam := &domain.Agent{ID: ids.New(), TeamID: ids.New(), RoleID: goRole.ID}
	underCapable := &domain.Agent{ID: ids.New(), TeamID: teamID, RoleID: docRole.ID}
	capable := &domain.Agent{ID: ids.New(), TeamID: teamID, RoleID: goRole.ID}

	task := seedTask(t, s, agent.ID)
	task.RetryCount = domain.MaxRetryCount
	task.RequiredCapabilities = []string{"go"}

	result := gate.Result{Passed: false, ShouldRetry: true, Reason: "still failing"}
	outcome, err := ladder.Escalate(ctx, task, agent, result, []*domain.Agent{offTeam, underCapable, capable}, nil)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if outcome != OutcomeRequeued {
		t.Fatalf("expected peer reassignment, got %s", outcome)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != capable.ID {
		t.Fatalf("expected the on-team, capability-covering peer, got %+v", task.AssignedAgentID)
	}
}
