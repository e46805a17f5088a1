/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package review

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

func TestClassifyRoutesOnKeywords(t *testing.T) {
	cases := []struct {
		title, desc string
		want        Class
	}{
		{"Fix auth bypass", "users could bypass login", ClassSecurity},
		{"Redesign schema", "migration plan for the new data model", ClassArchitecture},
		{"Reduce latency", "query is too slow under load", ClassPerformance},
		{"Write README", "document the setup steps", ClassGeneral},
	}
	for _, c := range cases {
		got := Classify(&domain.Task{Title: c.title, Description: c.desc})
		if got != c.want {
			t.Fatalf("%q/%q: got %s want %s", c.title, c.desc, got, c.want)
		}
	}
}

type fakeForge struct {
	status sandbox.CIStatus
}

func (f *fakeForge) OpenReview(ctx context.Context, branch, title, body string) (*sandbox.ChangeSetRef, error) {
	return &sandbox.ChangeSetRef{BranchName: branch}, nil
}
func (f *fakeForge) Merge(ctx context.Context, ref sandbox.ChangeSetRef) error { return nil }
func (f *fakeForge) ReadCIStatus(ctx context.Context, ref sandbox.ChangeSetRef) (sandbox.CIStatus, string, error) {
	return f.status, "build failed at step 3", nil
}
func (f *fakeForge) CloseReview(ctx context.Context, ref sandbox.ChangeSetRef) error { return nil }

func newEnv(t *testing.T) (store.Store, *domain.Organization, *domain.Agent) {
	t.Helper()
	s, err := store.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	org := &domain.Organization{ID: ids.New(), Name: "acme"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	role := &domain.Role{ID: ids.New(), OrganizationID: org.ID, Name: "engineer"}
	if err := s.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	team := &domain.Team{ID: ids.New(), OrganizationID: org.ID, Name: "core"}
	if err := s.CreateTeam(ctx, team); err != nil {
		t.Fatalf("create team: %v", err)
	}
	author := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: team.ID, RoleID: role.ID, Name: "author", Status: domain.AgentWorking}
	if err := s.CreateAgent(ctx, author); err != nil {
		t.Fatalf("create author: %v", err)
	}
	return s, org, author
}

func TestSelectReviewerPrefersTeamPeerOverAuthor(t *testing.T) {
	s, org, author := newEnv(t)
	ctx := context.Background()
	peer := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: author.TeamID, RoleID: author.RoleID, Name: "peer", Status: domain.AgentIdle}
	if err := s.CreateAgent(ctx, peer); err != nil {
		t.Fatalf("create peer: %v", err)
	}

	l := New(s, &fakeForge{})
	task := &domain.Task{Title: "Document the setup", Description: "write docs"}
	reviewer, err := l.SelectReviewer(ctx, task, author)
	if err != nil {
		t.Fatalf("select reviewer: %v", err)
	}
	if reviewer == nil || reviewer.ID != peer.ID {
		t.Fatalf("expected peer selected, got %+v", reviewer)
	}
}

func TestCIFeedbackBouncesTaskUntilRetryBudgetExhausted(t *testing.T) {
	s, org, author := newEnv(t)
	ctx := context.Background()
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "p"}
	if err := s.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	task := &domain.Task{ID: ids.New(), ProjectID: proj.ID, Status: domain.TaskInReview, AssignedAgentID: &author.ID, CreatedAt: ids.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	cs := &domain.ChangeSet{ID: ids.New(), TaskID: task.ID, AuthorAgentID: author.ID, Status: domain.ChangeSetReadyForReview, CreatedAt: ids.Now()}
	if err := s.CreateChangeSet(ctx, cs); err != nil {
		t.Fatalf("create change set: %v", err)
	}

	l := New(s, &fakeForge{status: sandbox.CIFailing})
	for i := 0; i < domain.MaxCIRetryCount; i++ {
		if err := l.PollCI(ctx, cs); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("reload task: %v", err)
		}
		if IsCIFeedbackExhausted(got) {
			t.Fatalf("attempt %d: retry budget exhausted too early", i)
		}
		if got.LastCIFeedback == "" {
			t.Fatal("expected CI feedback to be captured")
		}
		// Simulate the next execution cycle re-publishing to IN_REVIEW.
		if _, err := s.SetTaskStatus(ctx, task.ID, domain.TaskReady, domain.TaskInReview); err != nil {
			t.Fatalf("re-publish: %v", err)
		}
	}

	if err := l.PollCI(ctx, cs); err != nil {
		t.Fatalf("final poll: %v", err)
	}
	final, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload final task: %v", err)
	}
	if !IsCIFeedbackExhausted(final) {
		t.Fatal("expected CI retry budget to be exhausted")
	}
}

func TestDefaultSpawnTransientCreatesClassRoleReviewer(t *testing.T) {
	s, org, author := newEnv(t)
	ctx := context.Background()
	secRole := &domain.Role{ID: ids.New(), OrganizationID: org.ID, Name: "security", EligibleForTransientCreate: true}
	if err := s.CreateRole(ctx, secRole); err != nil {
		t.Fatalf("create role: %v", err)
	}

	spawn := DefaultSpawnTransient(s)
	reviewer, err := spawn(ctx, org.ID, author, ClassSecurity)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if reviewer == nil {
		t.Fatal("expected a transient reviewer")
	}
	if reviewer.Lifecycle != domain.LifecycleTransient || reviewer.Depth != author.Depth+1 {
		t.Fatalf("unexpected reviewer shape: %+v", reviewer)
	}
	if reviewer.CreatorAgentID == nil || *reviewer.CreatorAgentID != author.ID {
		t.Fatal("expected the creator edge to point at the author")
	}

	l := New(s, &fakeForge{})
	l.sweepTransientReviewer(ctx, reviewer.ID)
	if _, err := s.GetAgent(ctx, reviewer.ID); err == nil {
		t.Fatal("expected the transient reviewer to be destroyed by the sweep")
	}
	if _, err := s.GetAgent(ctx, author.ID); err != nil {
		t.Fatalf("the permanent author must survive the sweep: %v", err)
	}
}

func TestSpawnTransientRefusedAtDepthCap(t *testing.T) {
	s, _, author := newEnv(t)
	ctx := context.Background()
	author.Depth = domain.MaxTransientDepth

	l := New(s, &fakeForge{})
	l.SpawnTransient = DefaultSpawnTransient(s)
	task := &domain.Task{Title: "Fix auth bypass", Description: "security hole"}
	reviewer, err := l.SelectReviewer(ctx, task, author)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if reviewer != nil {
		t.Fatal("expected no reviewer: depth cap forbids spawning and no idle security role exists")
	}
}

type fakeBrain struct {
	output string
}

func (f *fakeBrain) Execute(ctx context.Context, provider, prompt string, timeout time.Duration) (*brain.Response, error) {
	return &brain.Response{Output: f.output, Success: true}, nil
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("APPROVE\nShips clean.")
	if err != nil || !v.Approved {
		t.Fatalf("expected approval, got %+v err=%v", v, err)
	}
	if len(v.Comments) != 1 || v.Comments[0] != "Ships clean." {
		t.Fatalf("unexpected comments: %+v", v.Comments)
	}

	v, err = ParseVerdict("I would APPROVE except for the bug below.\nCHANGES_REQUESTED")
	if err != nil || v.Approved {
		t.Fatalf("CHANGES_REQUESTED anywhere must win: %+v err=%v", v, err)
	}

	if _, err := ParseVerdict("no verdict here at all"); err == nil {
		t.Fatal("expected a parse error for output with no verdict")
	}
}

func TestExecuteReviewApprovesAndMerges(t *testing.T) {
	s, org, author := newEnv(t)
	ctx := context.Background()
	reviewer := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: author.TeamID, RoleID: author.RoleID, Name: "reviewer", Status: domain.AgentIdle}
	if err := s.CreateAgent(ctx, reviewer); err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "p"}
	if err := s.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	task := &domain.Task{ID: ids.New(), ProjectID: proj.ID, Status: domain.TaskInReview, AssignedAgentID: &author.ID, Title: "Tidy logging", CreatedAt: ids.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	cs := &domain.ChangeSet{ID: ids.New(), TaskID: task.ID, AuthorAgentID: author.ID, ReviewerAgentID: &reviewer.ID, Status: domain.ChangeSetReadyForReview, CreatedAt: ids.Now()}
	if err := s.CreateChangeSet(ctx, cs); err != nil {
		t.Fatalf("create change set: %v", err)
	}

	l := New(s, &fakeForge{status: sandbox.CIPassing})
	l.Brain = &fakeBrain{output: "APPROVE\nLooks good."}
	if err := l.ExecuteReview(ctx, cs); err != nil {
		t.Fatalf("execute review: %v", err)
	}

	reloadedCS, err := s.GetChangeSet(ctx, cs.ID)
	if err != nil {
		t.Fatalf("reload change set: %v", err)
	}
	if reloadedCS.Status != domain.ChangeSetMerged {
		t.Fatalf("expected merged change-set, got %s", reloadedCS.Status)
	}
	reloadedTask, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloadedTask.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s", reloadedTask.Status)
	}
	reloadedReviewer, err := s.GetAgent(ctx, reviewer.ID)
	if err != nil {
		t.Fatalf("reload reviewer: %v", err)
	}
	if reloadedReviewer.Status != domain.AgentIdle {
		t.Fatalf("reviewer must return to IDLE, got %s", reloadedReviewer.Status)
	}
}

func TestExecuteReviewChangesRequestedLeavesTaskInReview(t *testing.T) {
	s, org, author := newEnv(t)
	ctx := context.Background()
	reviewer := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: author.TeamID, RoleID: author.RoleID, Name: "reviewer", Status: domain.AgentIdle}
	if err := s.CreateAgent(ctx, reviewer); err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	proj := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "p"}
	if err := s.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	task := &domain.Task{ID: ids.New(), ProjectID: proj.ID, Status: domain.TaskInReview, AssignedAgentID: &author.ID, Title: "Tidy logging", CreatedAt: ids.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	cs := &domain.ChangeSet{ID: ids.New(), TaskID: task.ID, AuthorAgentID: author.ID, ReviewerAgentID: &reviewer.ID, Status: domain.ChangeSetReadyForReview, CreatedAt: ids.Now()}
	if err := s.CreateChangeSet(ctx, cs); err != nil {
		t.Fatalf("create change set: %v", err)
	}

	l := New(s, &fakeForge{status: sandbox.CIPassing})
	l.Brain = &fakeBrain{output: "CHANGES_REQUESTED\nMissing error handling."}
	if err := l.ExecuteReview(ctx, cs); err != nil {
		t.Fatalf("execute review: %v", err)
	}

	reloadedCS, err := s.GetChangeSet(ctx, cs.ID)
	if err != nil {
		t.Fatalf("reload change set: %v", err)
	}
	if reloadedCS.Status != domain.ChangeSetChangesRequested {
		t.Fatalf("expected changes-requested change-set, got %s", reloadedCS.Status)
	}
	reloadedTask, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloadedTask.Status != domain.TaskInReview {
		t.Fatalf("task must stay IN_REVIEW for the author to re-open, got %s", reloadedTask.Status)
	}
}
