//go:build e2e

/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package e2e

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/controlplane"
	"github.com/hortator-ai/orchestrator/internal/decompose"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/escalation"
	"github.com/hortator-ai/orchestrator/internal/execution"
	"github.com/hortator-ai/orchestrator/internal/governor"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/review"
	"github.com/hortator-ai/orchestrator/internal/sandbox"
	"github.com/hortator-ai/orchestrator/internal/store"
)

const (
	epicPlan = `[{"title":"Ship feature X","description":"One epic for the core team.","team":"core","priority":"P1"}]`

	subtaskPlan = `[
		{"title":"Write storage","description":"Persist the widgets.","assignee":"grace","type":"IMPLEMENTATION","priority":"P1","complexity":"LOW"},
		{"title":"Wire API","description":"Expose the widgets.","assignee":"ada","type":"IMPLEMENTATION","priority":"P2","complexity":"LOW","dependencies":["Write storage"]}
	]`

	editEnvelope = "### main.go\npackage main\n\nfunc main() {}\n"
)

// scriptedBrain answers decomposition prompts with canned JSON plans and
// every other prompt with a file-edit envelope.
type scriptedBrain struct{}

func (scriptedBrain) Execute(ctx context.Context, provider, prompt string, timeout time.Duration) (*brain.Response, error) {
	switch {
	case strings.HasPrefix(prompt, "Decompose the following goal"):
		return &brain.Response{Output: epicPlan, Success: true, CostSubCents: 1}, nil
	case strings.HasPrefix(prompt, "Produce a JSON plan"):
		return &brain.Response{Output: subtaskPlan, Success: true, CostSubCents: 1}, nil
	case strings.HasPrefix(prompt, "Review the published change-set"):
		return &brain.Response{Output: "APPROVE\nLooks good.", Success: true, CostSubCents: 1}, nil
	default:
		return &brain.Response{Output: editEnvelope, Success: true, CostSubCents: 1}, nil
	}
}

// scriptedForge passes CI unconditionally and fails the first mergeFailures
// merge attempts, exercising the merge-failure-as-CI-failure path.
type scriptedForge struct {
	reviews       atomic.Int32
	mergeFailures atomic.Int32
}

func (f *scriptedForge) OpenReview(ctx context.Context, branch, title, body string) (*sandbox.ChangeSetRef, error) {
	n := f.reviews.Add(1)
	return &sandbox.ChangeSetRef{BranchName: branch, ReviewNumber: int(n)}, nil
}

func (f *scriptedForge) Merge(ctx context.Context, ref sandbox.ChangeSetRef) error {
	if f.mergeFailures.Add(-1) >= 0 {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *scriptedForge) ReadCIStatus(ctx context.Context, ref sandbox.ChangeSetRef) (sandbox.CIStatus, string, error) {
	return sandbox.CIPassing, "all checks passed", nil
}

func (f *scriptedForge) CloseReview(ctx context.Context, ref sandbox.ChangeSetRef) error { return nil }

func noopGit(dir string, args ...string) (string, error) { return "", nil }

type env struct {
	store      store.Store
	org        *domain.Organization
	project    *domain.Project
	team       *domain.Team
	manager    *domain.Agent
	goal       *domain.Goal
	reviewLoop *review.Loop
	loops      *controlplane.Loops
	cancel     context.CancelFunc
}

// startEnv stands up the full control plane against an in-memory store,
// a scripted brain, and a scripted forge, then starts all three loops.
// Reviews are driven by the review loop itself: the scripted brain
// answers every review prompt with APPROVE.
func startEnv(forge *scriptedForge, workingDir string) *env {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := store.NewSQLite(":memory:", nil)
	Expect(err).NotTo(HaveOccurred())

	org := &domain.Organization{ID: ids.New(), Name: "acme", MaxConcurrentAgents: 5, AutonomousExecution: true}
	Expect(s.CreateOrganization(ctx, org)).To(Succeed())
	role := &domain.Role{ID: ids.New(), OrganizationID: org.ID, Name: "engineer"}
	Expect(s.CreateRole(ctx, role)).To(Succeed())
	team := &domain.Team{ID: ids.New(), OrganizationID: org.ID, Name: "core"}
	Expect(s.CreateTeam(ctx, team)).To(Succeed())

	manager := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: team.ID, RoleID: role.ID, Name: "root", BrainProvider: "stub", Status: domain.AgentIdle, MaxConcurrentTasks: 1}
	Expect(s.CreateAgent(ctx, manager)).To(Succeed())
	Expect(s.SetTeamManager(ctx, team.ID, manager.ID)).To(Succeed())
	team.ManagerAgentID = &manager.ID
	ada := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: team.ID, RoleID: role.ID, Name: "ada", BrainProvider: "stub", Status: domain.AgentIdle, MaxConcurrentTasks: 1}
	Expect(s.CreateAgent(ctx, ada)).To(Succeed())
	grace := &domain.Agent{ID: ids.New(), OrganizationID: org.ID, TeamID: team.ID, RoleID: role.ID, Name: "grace", BrainProvider: "stub", Status: domain.AgentIdle, MaxConcurrentTasks: 1}
	Expect(s.CreateAgent(ctx, grace)).To(Succeed())

	project := &domain.Project{ID: ids.New(), OrganizationID: org.ID, Name: "widgets", WorkingDirRoot: workingDir, Status: domain.ProjectActive}
	Expect(s.CreateProject(ctx, project)).To(Succeed())

	goal := &domain.Goal{ID: ids.New(), OrganizationID: org.ID, ProjectID: project.ID, OwnerAgentID: manager.ID,
		Title: "Add feature X", Description: "Feature X end to end.", SuccessCriteria: []string{"X is merged"},
		Status: domain.GoalActive, CreatedAt: ids.Now()}
	Expect(s.CreateGoal(ctx, goal)).To(Succeed())

	b := scriptedBrain{}
	gw := sandbox.NewGatewayWithGit(forge, noopGit)
	reviewLoop := review.New(s, forge)
	reviewLoop.Brain = b
	reviewLoop.BrainTimeout = time.Second

	loops := controlplane.New(s, 2)
	loops.Decompose = decompose.New(s, b)
	loops.Review = reviewLoop
	loops.Governor = governor.New(s)
	loops.Escalation = escalation.New(s)
	loops.Period = 20 * time.Millisecond
	loops.ParseEpicPlan = decompose.ParseEpicPlan
	loops.ParseSubtaskPlan = decompose.ParseSubtaskPlan
	loops.ResolveTeamByName = func(ctx context.Context, orgID ids.ID, name string) (*domain.Team, bool) {
		t, err := s.FindTeamByName(ctx, orgID, name)
		if err != nil {
			return nil, false
		}
		return t, true
	}
	loops.Organizations = func(ctx context.Context) ([]*domain.Organization, error) {
		o, err := s.GetOrganization(ctx, org.ID)
		if err != nil {
			return nil, err
		}
		return []*domain.Organization{o}, nil
	}
	loops.NewCycle = func(agent *domain.Agent) *execution.Cycle {
		c := execution.New(s, b, gw, time.Second)
		c.ComposePrompt = func(ctx context.Context, a *domain.Agent, task *domain.Task) (string, error) {
			return execution.DefaultComposePrompt(ctx, s, task, a)
		}
		c.ApplyEnvelope = execution.DefaultApplyEnvelope
		return c
	}

	go loops.RunDecomposeLoop(ctx)
	go loops.RunExecuteLoop(ctx)
	go loops.RunReviewLoop(ctx)

	return &env{store: s, org: org, project: project, team: team, manager: manager, goal: goal, reviewLoop: reviewLoop, loops: loops, cancel: cancel}
}

var _ = Describe("control plane", Ordered, func() {
	Context("goal to merged change-sets", func() {
		var e *env

		BeforeAll(func() {
			e = startEnv(&scriptedForge{}, GinkgoT().TempDir())
		})

		AfterAll(func() {
			e.cancel()
			_ = e.store.Close()
		})

		It("decomposes the goal into a team epic", func() {
			Eventually(func() bool {
				g, err := e.store.GetGoal(context.Background(), e.goal.ID)
				return err == nil && g.Decomposed
			}, 10*time.Second, 50*time.Millisecond).Should(BeTrue())

			roots, err := e.store.ListGoalRootTasks(context.Background(), e.goal.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(roots).NotTo(BeEmpty())
			Expect(roots[0].Type).To(Equal(domain.TaskTeamEpic))
		})

		It("plans leaf tasks under the epic and completes them in dependency order", func() {
			var rootID ids.ID
			Eventually(func() int {
				roots, err := e.store.ListGoalRootTasks(context.Background(), e.goal.ID)
				if err != nil || len(roots) == 0 {
					return 0
				}
				rootID = roots[0].ID
				children, err := e.store.ListChildTasks(context.Background(), rootID)
				if err != nil {
					return 0
				}
				return len(children)
			}, 10*time.Second, 50*time.Millisecond).Should(Equal(2))

			Eventually(func() bool {
				children, err := e.store.ListChildTasks(context.Background(), rootID)
				if err != nil {
					return false
				}
				for _, c := range children {
					if c.Status != domain.TaskCompleted {
						return false
					}
				}
				return true
			}, 20*time.Second, 50*time.Millisecond).Should(BeTrue())

			// Dependency law: the dependent task's dependencies were all
			// complete by the time it completed.
			children, err := e.store.ListChildTasks(context.Background(), rootID)
			Expect(err).NotTo(HaveOccurred())
			for _, c := range children {
				for _, depID := range c.Dependencies {
					dep, err := e.store.GetTask(context.Background(), depID)
					Expect(err).NotTo(HaveOccurred())
					Expect(dep.Status).To(Equal(domain.TaskCompleted))
				}
			}
		})

		It("completes the epic and the goal once every leaf has merged", func() {
			Eventually(func() domain.GoalStatus {
				g, err := e.store.GetGoal(context.Background(), e.goal.ID)
				if err != nil {
					return ""
				}
				return g.Status
			}, 20*time.Second, 50*time.Millisecond).Should(Equal(domain.GoalCompleted))
		})

		It("never exceeded the retry budgets", func() {
			roots, err := e.store.ListGoalRootTasks(context.Background(), e.goal.ID)
			Expect(err).NotTo(HaveOccurred())
			children, err := e.store.ListChildTasks(context.Background(), roots[0].ID)
			Expect(err).NotTo(HaveOccurred())
			for _, c := range children {
				Expect(c.RetryCount).To(BeNumerically("<=", domain.MaxRetryCount))
				Expect(c.CIRetryCount).To(BeNumerically("<=", domain.MaxCIRetryCount))
			}
		})
	})

	Context("merge failure feeds back as a CI retry", func() {
		var (
			e     *env
			forge *scriptedForge
		)

		BeforeAll(func() {
			forge = &scriptedForge{}
			forge.mergeFailures.Store(2)
			e = startEnv(forge, GinkgoT().TempDir())
		})

		AfterAll(func() {
			e.cancel()
			_ = e.store.Close()
		})

		It("re-executes with captured feedback until the merge lands", func() {
			Eventually(func() domain.GoalStatus {
				g, err := e.store.GetGoal(context.Background(), e.goal.ID)
				if err != nil {
					return ""
				}
				return g.Status
			}, 30*time.Second, 50*time.Millisecond).Should(Equal(domain.GoalCompleted))

			roots, err := e.store.ListGoalRootTasks(context.Background(), e.goal.ID)
			Expect(err).NotTo(HaveOccurred())
			children, err := e.store.ListChildTasks(context.Background(), roots[0].ID)
			Expect(err).NotTo(HaveOccurred())

			bounced := 0
			for _, c := range children {
				bounced += c.CIRetryCount
				if c.CIRetryCount > 0 {
					Expect(c.LastCIFeedback).To(ContainSubstring("merge failed"))
				}
				Expect(c.CIRetryCount).To(BeNumerically("<=", domain.MaxCIRetryCount))
			}
			Expect(bounced).To(Equal(2))

			// Two bounced attempts plus the surviving merges.
			merged, err := e.store.ListChangeSetsByStatus(context.Background(), domain.ChangeSetMerged)
			Expect(err).NotTo(HaveOccurred())
			closed, err := e.store.ListChangeSetsByStatus(context.Background(), domain.ChangeSetClosed)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(merged)).To(Equal(2))
			Expect(len(closed)).To(Equal(2))
		})
	})
})
