/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package decompose

import (
	"testing"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

func agentMap(names ...string) map[string]*domain.Agent {
	m := make(map[string]*domain.Agent, len(names))
	for _, n := range names {
		m[n] = &domain.Agent{Name: n}
	}
	return m
}

func TestFindCycleDetectsBackEdge(t *testing.T) {
	items := []SubtaskPlanItem{
		{Title: "a", Dependencies: []string{"b"}},
		{Title: "b", Dependencies: []string{"c"}},
		{Title: "c", Dependencies: []string{"a"}},
	}
	if findCycle(items) == "" {
		t.Fatal("expected cycle to be detected")
	}
}

func TestFindCycleAcceptsDAG(t *testing.T) {
	items := []SubtaskPlanItem{
		{Title: "a", Dependencies: nil},
		{Title: "b", Dependencies: []string{"a"}},
		{Title: "c", Dependencies: []string{"a", "b"}},
	}
	if findCycle(items) != "" {
		t.Fatal("expected no cycle in a DAG")
	}
}

func TestValidateSubtaskPlanRejectsUnknownAssignee(t *testing.T) {
	items := []SubtaskPlanItem{{Title: "a", AssigneeName: "ghost"}}
	errs := validateSubtaskPlan(items, agentMap("real"))
	if len(errs) == 0 {
		t.Fatal("expected a validation error for unknown assignee")
	}
}

func TestValidateSubtaskPlanRejectsUnknownDependencyTitle(t *testing.T) {
	items := []SubtaskPlanItem{{Title: "a", Dependencies: []string{"nonexistent"}}}
	errs := validateSubtaskPlan(items, agentMap())
	if len(errs) == 0 {
		t.Fatal("expected a validation error for an unresolvable dependency title")
	}
}

func TestValidateSubtaskPlanRejectsOverflow(t *testing.T) {
	items := make([]SubtaskPlanItem, MaxSubtasksPerPlan+1)
	for i := range items {
		items[i] = SubtaskPlanItem{Title: "t"}
	}
	errs := validateSubtaskPlan(items, agentMap())
	if len(errs) == 0 {
		t.Fatal("expected a validation error for exceeding the subtask cap")
	}
}

func TestDepthCapBreachIsAnInvariantViolation(t *testing.T) {
	if err := checkDepthCap(domain.MaxTaskDepth); err != nil {
		t.Fatalf("depth at the cap must pass: %v", err)
	}
	err := checkDepthCap(domain.MaxTaskDepth + 1)
	if err == nil {
		t.Fatal("expected depth past the cap to be rejected")
	}
	if !orcherr.Is(err, orcherr.InvariantViolation) {
		t.Fatalf("depth-cap breach must carry INVARIANT_VIOLATION, got %v", err)
	}
}

func TestValidateSubtaskPlanAcceptsWellFormedPlan(t *testing.T) {
	items := []SubtaskPlanItem{
		{Title: "a", AssigneeName: "alice"},
		{Title: "b", AssigneeName: "bob", Dependencies: []string{"a"}},
	}
	errs := validateSubtaskPlan(items, agentMap("alice", "bob"))
	if len(errs) != 0 {
		t.Fatalf("expected a valid plan to pass, got %v", errs)
	}
}

func TestValidateEpicPlanRequiresAtLeastOneItem(t *testing.T) {
	if errs := validateEpicPlan(nil); len(errs) == 0 {
		t.Fatal("expected empty plan to be rejected")
	}
}

func TestParseEpicPlanUnwrapsCodeFence(t *testing.T) {
	raw := "Here is the plan:\n```json\n[{\"title\":\"Build API\",\"team\":\"backend\",\"priority\":\"P1\"}]\n```\n"
	items, err := ParseEpicPlan(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Title != "Build API" || items[0].TeamName != "backend" {
		t.Fatalf("unexpected parse result: %+v", items)
	}
}

func TestParseSubtaskPlanRejectsGarbage(t *testing.T) {
	if _, err := ParseSubtaskPlan("not json at all"); err == nil {
		t.Fatal("expected a parse error for non-JSON output")
	}
}
