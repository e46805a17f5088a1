/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package governor

import (
	"context"
	"testing"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/store"
)

func newOrg(t *testing.T, s store.Store, dailyCap int64, maxConcurrent int) *domain.Organization {
	t.Helper()
	org := &domain.Organization{ID: ids.New(), Name: "acme", DailyCapSubCents: dailyCap, MaxConcurrentAgents: maxConcurrent, AutonomousExecution: true}
	if err := s.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	return org
}

func TestAdmitRefusesWhenAutonomousExecutionDisabled(t *testing.T) {
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	org := newOrg(t, s, 0, 10)
	org.AutonomousExecution = false

	g := New(s)
	if err := g.Admit(context.Background(), org); err == nil {
		t.Fatal("expected emergency stop to refuse admission")
	}
}

func TestAdmitTripsDailyCapAndEscalates(t *testing.T) {
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	org := newOrg(t, s, 100, 10)

	if err := s.RollUpCost(ctx, org.ID, 150, ids.Now()); err != nil {
		t.Fatalf("roll up cost: %v", err)
	}

	g := New(s)
	if err := g.Admit(ctx, org); err == nil {
		t.Fatal("expected daily cap to refuse admission")
	}

	reloaded, err := s.GetOrganization(ctx, org.ID)
	if err != nil {
		t.Fatalf("reload org: %v", err)
	}
	if reloaded.AutonomousExecution {
		t.Fatal("expected autonomous execution flag to be tripped false")
	}

	recs, err := s.ListEscalationRecords(ctx, ids.Nil)
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one daily-cap escalation record, got %d", len(recs))
	}
}

func TestAdmitEnforcesMaxConcurrent(t *testing.T) {
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	org := newOrg(t, s, 0, 1)

	g := New(s)
	g.MarkActive(ids.New())

	if err := g.Admit(context.Background(), org); err == nil {
		t.Fatal("expected max-concurrent ceiling to refuse admission")
	}
}

func TestMarkActiveIdleRoundTrip(t *testing.T) {
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	g := New(s)
	agent := ids.New()

	if g.IsActive(agent) {
		t.Fatal("expected agent to start inactive")
	}
	g.MarkActive(agent)
	if !g.IsActive(agent) || g.ActiveCount() != 1 {
		t.Fatal("expected agent marked active")
	}
	g.MarkIdle(agent)
	if g.IsActive(agent) || g.ActiveCount() != 0 {
		t.Fatal("expected agent marked idle")
	}
}
