/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package review is the review & merge loop: reviewer selection by
// keyword classification, the dedicated review execution cycle,
// auto-merge on approval, and the CI feedback loop that bounces a task
// back to READY with captured feedback on a failing check.
package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/escalation"
	"github.com/hortator-ai/orchestrator/internal/events"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/sandbox"
	"github.com/hortator-ai/orchestrator/internal/store"
	"github.com/hortator-ai/orchestrator/internal/telemetry"
)

// Class is the keyword classification of a task's review needs.
type Class string

const (
	ClassSecurity     Class = "SECURITY"
	ClassArchitecture Class = "ARCHITECTURE"
	ClassPerformance  Class = "PERFORMANCE"
	ClassGeneral      Class = "GENERAL"
)

// classKeywords are the case-insensitive substrings that route a task's
// title+description into a non-GENERAL class. Order matters: the first
// matching class wins.
var classKeywords = []struct {
	class    Class
	keywords []string
}{
	{ClassSecurity, []string{"security", "auth", "vulnerab", "secret", "credential", "encrypt"}},
	{ClassArchitecture, []string{"architecture", "design", "schema", "migration", "refactor"}},
	{ClassPerformance, []string{"performance", "latency", "throughput", "optimi", "benchmark"}},
}

// Classify scans task title+description for the class keywords,
// defaulting to GENERAL when nothing matches.
func Classify(task *domain.Task) Class {
	haystack := strings.ToLower(task.Title + " " + task.Description)
	for _, c := range classKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(haystack, kw) {
				return c.class
			}
		}
	}
	return ClassGeneral
}

// Loop wires the store, sandbox gateway's Forge, and a transient-agent
// factory together for the review/merge/CI-feedback cycle.
type Loop struct {
	Store store.Store
	Forge sandbox.Forge

	// Brain runs the reviewer's own execution cycle (ExecuteReview).
	// Optional; nil means the loop only assigns reviewers and polls CI,
	// leaving verdicts to an external driver.
	Brain brain.Gateway
	// BrainTimeout bounds one reviewer brain call; zero selects the
	// same default as the execution cycle.
	BrainTimeout time.Duration

	// SpawnTransient creates a transient reviewer agent for a non-GENERAL
	// class with no IDLE role match, subject to the depth-3 cap.
	// Optional; nil means never spawn, and SelectReviewer returns no
	// reviewer for that class.
	SpawnTransient func(ctx context.Context, orgID ids.ID, creator *domain.Agent, class Class) (*domain.Agent, error)

	// Events publishes the knowledge-extraction hand-off on merge.
	// Optional; nil means the loop runs without event emission (e.g. tests,
	// or a deployment with NATS disabled).
	Events *events.Publisher
}

// New builds a Loop.
func New(s store.Store, forge sandbox.Forge) *Loop {
	return &Loop{Store: s, Forge: forge}
}

// SelectReviewer picks a reviewer for task,
// authored by author. For non-GENERAL classes it seeks an IDLE agent whose
// role name matches the class, spawning a transient reviewer (subject to
// the depth-3 cap) if none is found. For GENERAL it seeks an IDLE peer in
// the author's team excluding the author, tie-broken by lowest active
// review load, falling back to any IDLE agent in the organization
// excluding the author. Returns nil, nil if nothing is available — the
// caller leaves the task IN_REVIEW and retries on the next tick.
func (l *Loop) SelectReviewer(ctx context.Context, task *domain.Task, author *domain.Agent) (*domain.Agent, error) {
	class := Classify(task)
	candidates, err := l.Store.ListIdleAgents(ctx, author.OrganizationID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "listing idle agents for review", err)
	}

	if class != ClassGeneral {
		for _, cand := range candidates {
			if cand.ID == author.ID {
				continue
			}
			role, err := l.Store.GetRole(ctx, cand.RoleID)
			if err == nil && roleMatchesClass(role.Name, class) {
				return cand, nil
			}
		}
		if l.SpawnTransient != nil && author.CanSpawnTransient() {
			return l.SpawnTransient(ctx, author.OrganizationID, author, class)
		}
		return nil, nil
	}

	var best *domain.Agent
	bestLoad := -1
	for _, cand := range candidates {
		if cand.ID == author.ID || cand.TeamID != author.TeamID {
			continue
		}
		load := l.reviewLoad(ctx, cand.ID)
		if best == nil || load < bestLoad {
			best, bestLoad = cand, load
		}
	}
	if best != nil {
		return best, nil
	}
	for _, cand := range candidates {
		if cand.ID != author.ID {
			return cand, nil
		}
	}
	return nil, nil
}

// DefaultSpawnTransient builds the production SpawnTransient hook: it
// resolves the class-named role in the creator's organization and creates
// an ephemeral subordinate one level deeper in the subordination tree.
// Returns nil, nil when the organization carries no such role — the
// caller falls back to leaving the task IN_REVIEW for a later tick.
func DefaultSpawnTransient(s store.Store) func(ctx context.Context, orgID ids.ID, creator *domain.Agent, class Class) (*domain.Agent, error) {
	return func(ctx context.Context, orgID ids.ID, creator *domain.Agent, class Class) (*domain.Agent, error) {
		role, err := s.FindRoleByName(ctx, orgID, strings.ToLower(string(class)))
		if err != nil || !role.EligibleForTransientCreate {
			return nil, nil
		}
		agent := &domain.Agent{
			ID:                 ids.New(),
			OrganizationID:     orgID,
			TeamID:             creator.TeamID,
			RoleID:             role.ID,
			Name:               strings.ToLower(string(class)) + "-reviewer-" + ids.New().String()[:8],
			BrainProvider:      creator.BrainProvider,
			Lifecycle:          domain.LifecycleTransient,
			Status:             domain.AgentIdle,
			CreatorAgentID:     &creator.ID,
			Depth:              creator.Depth + 1,
			MaxConcurrentTasks: 1,
			CreatedAt:          ids.Now(),
		}
		if err := s.CreateAgent(ctx, agent); err != nil {
			return nil, orcherr.Wrap(orcherr.Transient, "creating transient reviewer", err)
		}
		return agent, nil
	}
}

// sweepTransientReviewer destroys a transient reviewer and its transient
// descendants once the task it was spawned for has terminated. Permanent
// agents are never swept.
func (l *Loop) sweepTransientReviewer(ctx context.Context, reviewerID ids.ID) {
	reviewer, err := l.Store.GetAgent(ctx, reviewerID)
	if err != nil || reviewer.Lifecycle != domain.LifecycleTransient {
		return
	}
	l.sweepSubtree(ctx, reviewer.ID)
}

func (l *Loop) sweepSubtree(ctx context.Context, agentID ids.ID) {
	children, err := l.Store.ListAgentsByCreator(ctx, agentID)
	if err == nil {
		for _, child := range children {
			if child.Lifecycle == domain.LifecycleTransient {
				l.sweepSubtree(ctx, child.ID)
			}
		}
	}
	_ = l.Store.DeleteAgent(ctx, agentID)
}

func roleMatchesClass(roleName string, class Class) bool {
	tags := buildRoleTags(roleName)
	return tags[strings.ToLower(string(class))]
}

// buildRoleTags tokenizes a role name: the name itself is a tag, plus
// each hyphen-split segment longer than two characters (e.g.
// "security-lead" -> "security", "lead").
func buildRoleTags(roleName string) map[string]bool {
	tags := make(map[string]bool)
	lower := strings.ToLower(roleName)
	tags[lower] = true
	for _, part := range strings.Split(lower, "-") {
		if len(part) > 2 {
			tags[part] = true
		}
	}
	return tags
}

// reviewLoad counts the active (IN_REVIEW, not yet resolved) change-sets
// assigned to reviewerID — the tie-break's "lowest active review load."
func (l *Loop) reviewLoad(ctx context.Context, reviewerID ids.ID) int {
	sets, err := l.Store.ListChangeSetsByStatus(ctx, domain.ChangeSetReadyForReview, domain.ChangeSetChangesRequested)
	if err != nil {
		return 0
	}
	count := 0
	for _, cs := range sets {
		if cs.ReviewerAgentID != nil && *cs.ReviewerAgentID == reviewerID {
			count++
		}
	}
	return count
}

// AssignReviewer sets cs.ReviewerAgentID by running SelectReviewer for
// task/author. It does not persist cs itself — the caller (execution.Cycle,
// before its one CreateChangeSet insert, or the review/CI loop's next tick
// via Store.AssignChangeSetReviewer) is responsible for that.
func (l *Loop) AssignReviewer(ctx context.Context, task *domain.Task, cs *domain.ChangeSet, author *domain.Agent) error {
	reviewer, err := l.SelectReviewer(ctx, task, author)
	if err != nil || reviewer == nil {
		return err
	}
	cs.ReviewerAgentID = &reviewer.ID
	return nil
}

// ReviewVerdict is what the reviewer's own execution cycle emits, parsed
// from the brain's structured {APPROVE, CHANGES_REQUESTED} output.
type ReviewVerdict struct {
	Approved bool
	Comments []string
}

// ExecuteReview runs the reviewer's dedicated execution cycle for a
// READY_FOR_REVIEW change-set with an assigned reviewer: compose the
// review prompt, call the reviewer's brain, parse the
// {APPROVE, CHANGES_REQUESTED} verdict, and apply it. The reviewer is
// held in REVIEWING for the duration; a reviewer that is not currently
// IDLE is left alone and the change-set retried on a later tick.
func (l *Loop) ExecuteReview(ctx context.Context, cs *domain.ChangeSet) error {
	if l.Brain == nil || cs.ReviewerAgentID == nil || cs.Status != domain.ChangeSetReadyForReview {
		return nil
	}
	reviewer, err := l.Store.GetAgent(ctx, *cs.ReviewerAgentID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "loading reviewer for review execution", err)
	}
	task, err := l.Store.GetTask(ctx, cs.TaskID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "loading task for review execution", err)
	}
	if err := l.Store.UpdateAgentStatus(ctx, reviewer.ID, domain.AgentIdle, domain.AgentReviewing, nil); err != nil {
		// Reviewer is busy with something else; the next tick retries.
		return nil
	}
	defer func() {
		_ = l.Store.UpdateAgentStatus(ctx, reviewer.ID, domain.AgentReviewing, domain.AgentIdle, nil)
	}()

	timeout := l.BrainTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	resp, err := l.Brain.Execute(ctx, reviewer.BrainProvider, reviewPrompt(task, cs), timeout)
	if err != nil {
		return err
	}
	verdict, err := ParseVerdict(resp.Output)
	if err != nil {
		return err
	}
	return l.ApplyVerdict(ctx, cs, verdict)
}

func reviewPrompt(task *domain.Task, cs *domain.ChangeSet) string {
	var b strings.Builder
	b.WriteString("Review the published change-set for the task below. Reply with a verdict line reading APPROVE or CHANGES_REQUESTED, followed by your review comments.\n\n")
	fmt.Fprintf(&b, "Task: %s\n%s\n", task.Title, task.Description)
	fmt.Fprintf(&b, "Branch: %s\n", cs.BranchName)
	if cs.ReviewURL != "" {
		fmt.Fprintf(&b, "Review: %s\n", cs.ReviewURL)
	}
	return b.String()
}

// ParseVerdict extracts the verdict from reviewer output. A
// CHANGES_REQUESTED anywhere in the output wins over APPROVE (the safe
// reading of a reviewer that emits both); output carrying neither is a
// parse error and the review is retried on a later tick.
func ParseVerdict(output string) (ReviewVerdict, error) {
	upper := strings.ToUpper(output)
	switch {
	case strings.Contains(upper, "CHANGES_REQUESTED"):
		return ReviewVerdict{Approved: false, Comments: verdictComments(output)}, nil
	case strings.Contains(upper, "APPROVE"):
		return ReviewVerdict{Approved: true, Comments: verdictComments(output)}, nil
	default:
		return ReviewVerdict{}, orcherr.New(orcherr.ParseError, "reviewer output carries no APPROVE/CHANGES_REQUESTED verdict")
	}
}

// verdictComments keeps every non-empty line that is not itself the bare
// verdict keyword.
func verdictComments(output string) []string {
	var comments []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToUpper(line) {
		case "APPROVE", "CHANGES_REQUESTED":
			continue
		}
		comments = append(comments, line)
	}
	return comments
}

// ApplyVerdict applies the reviewer's decision: APPROVE
// moves the change-set to APPROVED and triggers auto-merge; CHANGES_REQUESTED
// leaves the task IN_REVIEW for the author to re-open after a fresh
// execution cycle.
func (l *Loop) ApplyVerdict(ctx context.Context, cs *domain.ChangeSet, verdict ReviewVerdict) error {
	cs.ReviewComments = append(cs.ReviewComments, verdict.Comments...)
	if !verdict.Approved {
		if ok, err := l.Store.UpdateChangeSetStatus(ctx, cs.ID, domain.ChangeSetReadyForReview, domain.ChangeSetChangesRequested); err != nil || !ok {
			return err
		}
		cs.Status = domain.ChangeSetChangesRequested
		return nil
	}
	ok, err := l.Store.UpdateChangeSetStatus(ctx, cs.ID, domain.ChangeSetReadyForReview, domain.ChangeSetApproved)
	if err != nil || !ok {
		// A lost CAS means another approval already raced ahead; merging
		// twice would double-complete the task.
		return err
	}
	cs.Status = domain.ChangeSetApproved
	now := ids.Now()
	cs.ApprovedAt = &now
	return l.AutoMerge(ctx, cs)
}

// AutoMerge merges an approved change-set: on Forge success transition the
// change-set to MERGED and the task to COMPLETED; on failure, treat it the
// same as a CI failure (bounded re-execution via CIFeedback).
func (l *Loop) AutoMerge(ctx context.Context, cs *domain.ChangeSet) error {
	ref := sandbox.ChangeSetRef{BranchName: cs.BranchName, ReviewNumber: cs.ReviewNumber, ReviewURL: cs.ReviewURL}
	if err := l.Forge.Merge(ctx, ref); err != nil {
		return l.CIFeedback(ctx, cs, "merge failed: "+err.Error())
	}
	if ok, err := l.Store.UpdateChangeSetStatus(ctx, cs.ID, domain.ChangeSetApproved, domain.ChangeSetMerged); err != nil || !ok {
		return err
	}
	cs.Status = domain.ChangeSetMerged
	now := ids.Now()
	cs.MergedAt = &now

	task, err := l.Store.GetTask(ctx, cs.TaskID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "loading task for merge completion", err)
	}
	completed, err := l.Store.SetTaskStatus(ctx, task.ID, domain.TaskApproved, domain.TaskCompleted)
	if err != nil {
		return err
	}
	if !completed {
		// Nothing in this package moves the task to APPROVED, so it is
		// normally still IN_REVIEW here; complete it from that status.
		completed, err = l.Store.SetTaskStatus(ctx, task.ID, domain.TaskInReview, domain.TaskCompleted)
		if err != nil {
			return err
		}
		if !completed {
			return orcherr.New(orcherr.Conflict, "task moved while completing after merge")
		}
	}
	task.Status = domain.TaskCompleted
	task.CompletedAt = &now
	escalation.ResetConsecutiveFailures(task)
	if err := l.Store.UpdateTask(ctx, task); err != nil {
		return err
	}
	if err := store.UnblockDependents(ctx, l.Store, task.ID); err != nil {
		return orcherr.Wrap(orcherr.Transient, "unblocking dependents", err)
	}
	l.completeAncestors(ctx, task)
	if cs.ReviewerAgentID != nil {
		l.sweepTransientReviewer(ctx, *cs.ReviewerAgentID)
	}
	if l.Events != nil {
		if err := l.Events.PublishTaskCompleted(task, nil); err != nil {
			return orcherr.Wrap(orcherr.Transient, "publishing task-completed event", err)
		}
	}
	return nil
}

// completeAncestors walks up from a freshly-completed task: an epic whose
// children have all completed is itself completed, and a goal whose root
// epics have all completed transitions to COMPLETED. Best-effort — a
// missed cascade here self-heals on a later sibling's completion.
func (l *Loop) completeAncestors(ctx context.Context, task *domain.Task) {
	if task.ParentTaskID != nil {
		children, err := l.Store.ListChildTasks(ctx, *task.ParentTaskID)
		if err != nil || !allCompleted(children) {
			return
		}
		if ok, _ := l.Store.SetTaskStatus(ctx, *task.ParentTaskID, domain.TaskInProgress, domain.TaskCompleted); !ok {
			return
		}
		parent, err := l.Store.GetTask(ctx, *task.ParentTaskID)
		if err != nil {
			return
		}
		l.completeAncestors(ctx, parent)
		return
	}

	if task.GoalID == nil {
		return
	}
	roots, err := l.Store.ListGoalRootTasks(ctx, *task.GoalID)
	if err != nil || !allCompleted(roots) {
		return
	}
	goal, err := l.Store.GetGoal(ctx, *task.GoalID)
	if err != nil || goal.Status != domain.GoalActive {
		return
	}
	goal.Status = domain.GoalCompleted
	_ = l.Store.UpdateGoal(ctx, goal)
}

func allCompleted(tasks []*domain.Task) bool {
	for _, t := range tasks {
		if t.Status != domain.TaskCompleted {
			return false
		}
	}
	return len(tasks) > 0
}

// PollCI runs the CI feedback loop body for a single
// change-set: reads CI status via the Forge and applies the passing/failing
// rule. Call once per change-set per control-loop tick.
func (l *Loop) PollCI(ctx context.Context, cs *domain.ChangeSet) error {
	status, summary, err := l.Forge.ReadCIStatus(ctx, sandbox.ChangeSetRef{BranchName: cs.BranchName, ReviewNumber: cs.ReviewNumber, ReviewURL: cs.ReviewURL})
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "reading CI status", err)
	}
	switch status {
	case sandbox.CIPassing:
		if cs.Status == domain.ChangeSetApproved {
			return l.AutoMerge(ctx, cs)
		}
		return nil
	case sandbox.CIFailing:
		return l.CIFeedback(ctx, cs, summary)
	default:
		return nil
	}
}

// CIFeedback implements the failing-CI branch: increment the task's
// CI-retry counter; if still within budget, capture feedback and bounce
// IN_REVIEW -> READY, closing the change-set and its review on the Forge.
// The task's sandbox worktree is not released here.
// Exceeding domain.MaxCIRetryCount routes straight to level-4 escalation
// (human-ready, task BLOCKED) instead of bouncing back to READY.
func (l *Loop) CIFeedback(ctx context.Context, cs *domain.ChangeSet, summary string) error {
	task, err := l.Store.GetTask(ctx, cs.TaskID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "loading task for CI feedback", err)
	}

	task.CIRetryCount++
	now := ids.Now()
	task.LastCIFailureAt = &now
	telemetry.CIRetryTotal.WithLabelValues(task.ProjectID.String()).Inc()

	if IsCIFeedbackExhausted(task) {
		author, err := l.Store.GetAgent(ctx, cs.AuthorAgentID)
		if err != nil {
			return orcherr.Wrap(orcherr.NotFound, "loading change-set author for CI-exhaustion escalation", err)
		}
		reason := "CI retry budget exhausted: " + summary
		if _, err := escalation.New(l.Store).LevelFour(ctx, task, author, reason); err != nil {
			return orcherr.Wrap(orcherr.Transient, "recording level-4 CI-exhaustion escalation", err)
		}
		if _, err := l.Store.UpdateChangeSetStatus(ctx, cs.ID, cs.Status, domain.ChangeSetClosed); err != nil {
			return err
		}
		if cs.ReviewerAgentID != nil {
			l.sweepTransientReviewer(ctx, *cs.ReviewerAgentID)
		}
		return l.Forge.CloseReview(ctx, sandbox.ChangeSetRef{BranchName: cs.BranchName, ReviewNumber: cs.ReviewNumber, ReviewURL: cs.ReviewURL})
	}

	task.LastCIFeedback = summary
	if _, err := l.Store.SetTaskStatus(ctx, task.ID, domain.TaskInReview, domain.TaskReady); err != nil {
		return orcherr.Wrap(orcherr.Conflict, "bouncing task to ready after CI failure", err)
	}
	task.Status = domain.TaskReady
	if err := l.Store.UpdateTask(ctx, task); err != nil {
		return err
	}
	if _, err := l.Store.UpdateChangeSetStatus(ctx, cs.ID, cs.Status, domain.ChangeSetClosed); err != nil {
		return err
	}
	return l.Forge.CloseReview(ctx, sandbox.ChangeSetRef{BranchName: cs.BranchName, ReviewNumber: cs.ReviewNumber, ReviewURL: cs.ReviewURL})
}

// IsCIFeedbackExhausted reports whether task has exceeded the CI-retry
// budget and must be escalated rather than bounced back to READY.
func IsCIFeedbackExhausted(task *domain.Task) bool {
	return task.CIRetryCount > domain.MaxCIRetryCount
}
