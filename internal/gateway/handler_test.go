/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, NewTenantRateLimiter(0)), s
}

func TestStopAndResumeOrg(t *testing.T) {
	h, s := newTestHandler(t)
	ctx := context.Background()
	org := &domain.Organization{ID: ids.New(), Name: "acme", AutonomousExecution: true}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/orgs/"+org.ID.String()+"/stop", bytes.NewBufferString(`{"reason":"incident"}`))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	reloaded, err := s.GetOrganization(ctx, org.ID)
	if err != nil {
		t.Fatalf("reload org: %v", err)
	}
	if reloaded.AutonomousExecution {
		t.Fatal("expected autonomous execution disabled after stop")
	}

	req = httptest.NewRequest(http.MethodPost, "/orgs/"+org.ID.String()+"/resume", nil)
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	reloaded, err = s.GetOrganization(ctx, org.ID)
	if err != nil {
		t.Fatalf("reload org: %v", err)
	}
	if !reloaded.AutonomousExecution {
		t.Fatal("expected autonomous execution re-enabled after resume")
	}
}

func TestCreateGoalPersists(t *testing.T) {
	h, s := newTestHandler(t)
	ctx := context.Background()
	org := &domain.Organization{ID: ids.New(), Name: "acme"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	role := &domain.Role{ID: ids.New(), OrganizationID: org.ID, Name: "founder"}
	if err := s.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	team := &domain.Team{ID: ids.New(), OrganizationID: org.ID, Name: "core"}
	if err := s.CreateTeam(ctx, team); err != nil {
		t.Fatalf("create team: %v", err)
	}
	owner := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: team.ID, RoleID: role.ID, Name: "root"}
	if err := s.CreateAgent(ctx, owner); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "widgets"}
	if err := s.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}

	body, _ := json.Marshal(GoalRequest{
		OrganizationID: org.ID.String(), ProjectID: proj.ID.String(), OwnerAgentID: owner.ID.String(),
		Title: "Ship v2", Description: "Ship the second version.",
	})
	req := httptest.NewRequest(http.MethodPost, "/goals", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	goalID, err := ids.Parse(resp["id"])
	if err != nil {
		t.Fatalf("parse returned id: %v", err)
	}
	goal, err := s.GetGoal(ctx, goalID)
	if err != nil {
		t.Fatalf("reload goal: %v", err)
	}
	if goal.Title != "Ship v2" {
		t.Fatalf("expected title to round-trip, got %q", goal.Title)
	}
}

func TestGetAndListTasks(t *testing.T) {
	h, s := newTestHandler(t)
	ctx := context.Background()
	org := &domain.Organization{ID: ids.New(), Name: "acme"}
	s.CreateOrganization(ctx, org)
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "widgets"}
	s.CreateProject(ctx, proj)
	task := &domain.Task{ID: ids.New(), ProjectID: proj.ID, Status: domain.TaskReady, Title: "Add retries", CreatedAt: ids.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks/"+task.ID.String(), nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view TaskView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Title != "Add retries" {
		t.Fatalf("unexpected title %q", view.Title)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID.String()+"/tasks?status=READY", nil)
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var views []TaskView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one READY task, got %d", len(views))
	}
}

func TestAssignTaskRejectsAlreadyAssigned(t *testing.T) {
	h, s := newTestHandler(t)
	ctx := context.Background()
	org := &domain.Organization{ID: ids.New(), Name: "acme"}
	s.CreateOrganization(ctx, org)
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "widgets"}
	s.CreateProject(ctx, proj)
	agentID := ids.New()
	task := &domain.Task{ID: ids.New(), ProjectID: proj.ID, Status: domain.TaskReady, AssignedAgentID: &agentID, Title: "Add retries", CreatedAt: ids.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	body, _ := json.Marshal(AssignRequest{AgentID: ids.New().String()})
	req := httptest.NewRequest(http.MethodPatch, "/tasks/"+task.ID.String()+"/assign", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatal("expected assigning an already-assigned task to fail")
	}
}
