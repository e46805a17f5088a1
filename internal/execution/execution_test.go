/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package execution

import (
	"context"
	"testing"
	"time"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/sandbox"
	"github.com/hortator-ai/orchestrator/internal/store"
)

type fakeBrain struct {
	resp *brain.Response
	err  error
}

func (f *fakeBrain) Execute(ctx context.Context, provider, prompt string, timeout time.Duration) (*brain.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeForge struct{}

func (fakeForge) OpenReview(ctx context.Context, branch, title, body string) (*sandbox.ChangeSetRef, error) {
	return &sandbox.ChangeSetRef{BranchName: branch, ReviewNumber: 1, ReviewURL: "https://forge.example/pulls/1"}, nil
}
func (fakeForge) Merge(ctx context.Context, ref sandbox.ChangeSetRef) error { return nil }
func (fakeForge) ReadCIStatus(ctx context.Context, ref sandbox.ChangeSetRef) (sandbox.CIStatus, string, error) {
	return sandbox.CIPassing, "", nil
}
func (fakeForge) CloseReview(ctx context.Context, ref sandbox.ChangeSetRef) error { return nil }

func newTestEnv(t *testing.T, b brain.Gateway) (store.Store, *domain.Project, *domain.Agent, *domain.Task) {
	t.Helper()
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	org := &domain.Organization{ID: ids.New(), Name: "acme", DailyCapSubCents: 100000, AutonomousExecution: true}
	must(t, s.CreateOrganization(ctx, org))
	role := &domain.Role{ID: ids.New(), OrganizationID: org.ID, Name: "engineer", SystemPrompt: "Be precise."}
	must(t, s.CreateRole(ctx, role))
	team := &domain.Team{ID: ids.New(), OrganizationID: org.ID, Name: "core"}
	must(t, s.CreateTeam(ctx, team))
	agent := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: team.ID, RoleID: role.ID, Name: "ada", BrainProvider: "test", Status: domain.AgentIdle, MaxConcurrentTasks: 1}
	must(t, s.CreateAgent(ctx, agent))
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "widgets", WorkingDirRoot: t.TempDir()}
	must(t, s.CreateProject(ctx, proj))
	task := &domain.Task{
		ID:              ids.New(),
		ProjectID:       proj.ID,
		Type:            domain.TaskImplementation,
		Status:          domain.TaskReady,
		AssignedAgentID: &agent.ID,
		Title:           "Add retry logic",
		Description:     "Implement bounded retries.",
		CreatedAt:       ids.Now(),
	}
	must(t, s.CreateTask(ctx, task))

	return s, proj, agent, task
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func noopGit(dir string, args ...string) (string, error) { return "", nil }

func TestRunPublishesOnGoodOutput(t *testing.T) {
	s, _, agent, _ := newTestEnv(t, nil)
	b := &fakeBrain{resp: &brain.Response{Output: "### main.go\npackage main\nfunc main() {}\n", Success: true, CostSubCents: 5}}
	c := New(s, b, sandbox.NewGatewayWithGit(fakeForge{}, noopGit), 300*time.Second)
	c.ComposePrompt = func(ctx context.Context, agent *domain.Agent, task *domain.Task) (string, error) {
		return DefaultComposePrompt(ctx, s, task, agent)
	}
	c.ApplyEnvelope = func(g *sandbox.Gateway, sb *sandbox.Sandbox, output string) error {
		return nil // skip real file writes in this unit test; envelope parsing is exercised separately
	}

	outcome, err := c.Run(context.Background(), agent)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomePublished {
		t.Fatalf("expected PUBLISHED, got %s", outcome)
	}
}

func TestRunReturnsIdleWhenNoTaskEligible(t *testing.T) {
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	org := &domain.Organization{ID: ids.New(), Name: "acme"}
	must(t, s.CreateOrganization(ctx, org))
	role := &domain.Role{ID: ids.New(), OrganizationID: org.ID, Name: "engineer"}
	must(t, s.CreateRole(ctx, role))
	team := &domain.Team{ID: ids.New(), OrganizationID: org.ID, Name: "core"}
	must(t, s.CreateTeam(ctx, team))
	agent := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: team.ID, RoleID: role.ID, Name: "ada", Status: domain.AgentIdle, MaxConcurrentTasks: 1}
	must(t, s.CreateAgent(ctx, agent))
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "widgets", WorkingDirRoot: t.TempDir()}
	must(t, s.CreateProject(ctx, proj))

	c := New(s, &fakeBrain{}, sandbox.NewGateway(fakeForge{}), 300*time.Second)
	outcome, err := c.Run(ctx, agent)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeIdle {
		t.Fatalf("expected IDLE, got %s", outcome)
	}
}

func TestDefaultApplyEnvelopeWritesParsedFiles(t *testing.T) {
	sb := &sandbox.Sandbox{Root: t.TempDir()}
	g := sandbox.NewGateway(fakeForge{})
	output := "### a.txt\nhello\n### b.txt\nworld\n"
	if err := DefaultApplyEnvelope(g, sb, output); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := g.Read(sb, "a.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("expected a.txt=hello, got %q err=%v", got, err)
	}
}

func TestDefaultApplyEnvelopeRejectsMissingHeaders(t *testing.T) {
	sb := &sandbox.Sandbox{Root: t.TempDir()}
	g := sandbox.NewGateway(fakeForge{})
	if err := DefaultApplyEnvelope(g, sb, "no headers here"); err == nil {
		t.Fatal("expected an error for output with no file headers")
	}
}
