/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package decompose is the decomposition engine: Phase A turns a
// goal into team-epic tasks, Phase B turns a ready team epic into leaf
// tasks. Both phases parse a brain-authored plan, validate it structurally,
// and materialize the result through the store gateway.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/store"
)

// MaxSubtasksPerPlan and MaxParseRetries are hard caps: a plan
// with more than 10 subtasks is rejected, and a phase gives up parsing
// after 3 failed attempts.
const (
	MaxSubtasksPerPlan = 10
	MaxParseRetries    = 3
)

// Engine drives both decomposition phases.
type Engine struct {
	Store store.Store
	Brain brain.Gateway
}

// New builds an Engine.
func New(s store.Store, b brain.Gateway) *Engine {
	return &Engine{Store: s, Brain: b}
}

// EpicPlanItem is one parsed entry from Phase A's brain output.
type EpicPlanItem struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	TeamName    string          `json:"team"`
	Priority    domain.Priority `json:"priority"`
}

// SubtaskPlanItem is one parsed entry from Phase B's brain output.
type SubtaskPlanItem struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	AssigneeName string            `json:"assignee"`
	Type         domain.TaskType   `json:"type"`
	Priority     domain.Priority   `json:"priority"`
	Complexity   domain.Complexity `json:"complexity"`
	Dependencies []string          `json:"dependencies"` // titles, resolved against the plan
}

// PhaseA decomposes one ACTIVE, undecomposed goal. It makes a single
// attempt per call; a parse failure is returned to the caller, which
// counts it in the goal's persistent DecomposeFailureCount and gives up
// after MaxParseRetries failures.
func (e *Engine) PhaseA(ctx context.Context, goal *domain.Goal, resolveTeam func(name string) (*domain.Team, bool), parse func(string) ([]EpicPlanItem, error)) error {
	owner, err := e.Store.GetAgent(ctx, goal.OwnerAgentID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "loading goal owner", err)
	}

	prompt := buildEpicPrompt(goal)
	resp, err := e.Brain.Execute(ctx, owner.BrainProvider, prompt, defaultBrainTimeout)
	if err != nil {
		return err
	}

	items, err := parse(resp.Output)
	if err != nil {
		return orcherr.Wrap(orcherr.ParseError, "parsing epic plan", err)
	}

	teamsByName := make(map[string]*domain.Team, len(items))
	errs := validateEpicPlan(items)
	for i, item := range items {
		team, ok := resolveTeam(item.TeamName)
		if !ok {
			errs = append(errs, field.Invalid(field.NewPath("plan").Index(i).Child("team"), item.TeamName, "team does not exist in the goal's organization"))
			continue
		}
		teamsByName[item.TeamName] = team
	}
	if len(errs) > 0 {
		return orcherr.Wrap(orcherr.ParseError, "epic plan validation failed", errs.ToAggregate())
	}

	for _, item := range items {
		task := &domain.Task{
			ID:          ids.New(),
			ProjectID:   goal.ProjectID,
			GoalID:      &goal.ID,
			Depth:       0,
			Type:        domain.TaskTeamEpic,
			Priority:    item.Priority,
			Title:       item.Title,
			Description: item.Description,
			Status:      domain.TaskReady,
			CreatedAt:   ids.Now(),
		}
		if team, ok := teamsByName[item.TeamName]; ok {
			task.AssignedTeamID = &team.ID
		}
		if err := e.Store.CreateTask(ctx, task); err != nil {
			return orcherr.Wrap(orcherr.Transient, "creating epic task", err)
		}
	}

	flipped, err := e.Store.MarkGoalDecomposed(ctx, goal.ID)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "flipping goal decomposed flag", err)
	}
	if !flipped {
		// Another concurrent decomposition tick beat us to it; the
		// second decomposition is a no-op, not an error.
		return nil
	}
	return nil
}

// PhaseB decomposes one ready TEAM_EPIC task whose team has a manager.
// teamMembers maps agent name -> agent, scoped to the epic's team, so the
// assignee-by-name validation in validateSubtaskPlan can run without a
// store round trip per item.
func (e *Engine) PhaseB(ctx context.Context, epic *domain.Task, manager *domain.Agent, teamMembers map[string]*domain.Agent, parse func(string) ([]SubtaskPlanItem, error)) error {
	prompt := buildSubtaskPrompt(epic)
	resp, err := e.Brain.Execute(ctx, manager.BrainProvider, prompt, defaultBrainTimeout)
	if err != nil {
		return err
	}

	items, err := parse(resp.Output)
	if err != nil {
		return orcherr.Wrap(orcherr.ParseError, "parsing subtask plan", err)
	}

	if err := checkDepthCap(epic.Depth + 1); err != nil {
		return err
	}
	if errs := validateSubtaskPlan(items, teamMembers); len(errs) > 0 {
		return orcherr.Wrap(orcherr.ParseError, "subtask plan validation failed", errs.ToAggregate())
	}

	titleToID := make(map[string]ids.ID, len(items))
	tasks := make([]*domain.Task, 0, len(items))
	for _, item := range items {
		id := ids.New()
		titleToID[item.Title] = id
		assignee := teamMembers[item.AssigneeName]
		t := &domain.Task{
			ID:           id,
			ProjectID:    epic.ProjectID,
			GoalID:       epic.GoalID,
			ParentTaskID: &epic.ID,
			Depth:        epic.Depth + 1,
			Type:         item.Type,
			Priority:     item.Priority,
			Complexity:   item.Complexity,
			Title:        item.Title,
			Description:  item.Description,
			CreatedAt:    ids.Now(),
		}
		if len(item.Dependencies) == 0 {
			t.Status = domain.TaskReady
		} else {
			t.Status = domain.TaskPending
		}
		if assignee != nil {
			t.AssignedAgentID = &assignee.ID
		}
		tasks = append(tasks, t)
	}
	for i, item := range items {
		for _, depTitle := range item.Dependencies {
			tasks[i].Dependencies = append(tasks[i].Dependencies, titleToID[depTitle])
		}
	}

	for _, t := range tasks {
		if err := e.Store.CreateTask(ctx, t); err != nil {
			return orcherr.Wrap(orcherr.Transient, "creating subtask", err)
		}
	}

	if _, err := e.Store.SetTaskStatus(ctx, epic.ID, domain.TaskReady, domain.TaskInProgress); err != nil {
		return orcherr.Wrap(orcherr.Transient, "transitioning epic to in_progress", err)
	}
	return nil
}

func buildEpicPrompt(goal *domain.Goal) string {
	return fmt.Sprintf("Decompose the following goal into an ordered list of team-epic tasks, each with {title, description, team, priority}.\n\nGoal: %s\n%s", goal.Title, goal.Description)
}

func buildSubtaskPrompt(epic *domain.Task) string {
	return fmt.Sprintf("Produce a JSON plan of subtasks for this team epic: an ordered list of {title, description, assignee, type, priority, complexity, dependencies (by title)}.\n\nEpic: %s\n%s", epic.Title, epic.Description)
}

// validateEpicPlan rejects a Phase A plan with no items or a blank title
// — the remaining validation (team existence) happens after team names
// are resolved by the caller, since Engine has no by-name store lookup.
func validateEpicPlan(items []EpicPlanItem) field.ErrorList {
	var errs field.ErrorList
	path := field.NewPath("plan")
	if len(items) == 0 {
		errs = append(errs, field.Required(path, "epic plan must contain at least one item"))
	}
	for i, item := range items {
		p := path.Index(i)
		if item.Title == "" {
			errs = append(errs, field.Required(p.Child("title"), "title is required"))
		}
		if item.TeamName == "" {
			errs = append(errs, field.Required(p.Child("team"), "team is required"))
		}
	}
	return errs
}

// checkDepthCap rejects a decomposition that would create tasks past the
// parent/child depth cap. This is a structural invariant of the task
// forest, not a malformed plan: it is never retried as a parse failure.
func checkDepthCap(depth int) error {
	if depth > domain.MaxTaskDepth {
		return orcherr.New(orcherr.InvariantViolation, fmt.Sprintf("decomposition would create tasks at depth %d, past the cap of %d", depth, domain.MaxTaskDepth))
	}
	return nil
}

// validateSubtaskPlan enforces the remaining Phase B structural rules:
// every assignee must be a team member, every dependency title must
// resolve within the plan, the dependency graph (by title) must be
// acyclic, and the plan must not exceed MaxSubtasksPerPlan items.
func validateSubtaskPlan(items []SubtaskPlanItem, teamMembers map[string]*domain.Agent) field.ErrorList {
	var errs field.ErrorList
	path := field.NewPath("plan")

	if len(items) > MaxSubtasksPerPlan {
		errs = append(errs, field.Invalid(path, len(items), fmt.Sprintf("plan has %d subtasks, exceeding the cap of %d", len(items), MaxSubtasksPerPlan)))
	}

	titles := make(map[string]bool, len(items))
	for _, item := range items {
		titles[item.Title] = true
	}

	for i, item := range items {
		p := path.Index(i)
		if item.Title == "" {
			errs = append(errs, field.Required(p.Child("title"), "title is required"))
		}
		if item.AssigneeName != "" {
			if _, ok := teamMembers[item.AssigneeName]; !ok {
				errs = append(errs, field.Invalid(p.Child("assignee"), item.AssigneeName, "assignee is not a member of the target team"))
			}
		}
		for _, dep := range item.Dependencies {
			if !titles[dep] {
				errs = append(errs, field.Invalid(p.Child("dependencies"), dep, "dependency does not reference a title in this plan"))
			}
		}
	}

	if len(errs) == 0 {
		if cyc := findCycle(items); cyc != "" {
			errs = append(errs, field.Invalid(path, cyc, "dependency graph contains a cycle"))
		}
	}

	return errs
}

// color marks a DFS node's visitation state for cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// findCycle runs a three-color-marker DFS over the title->title
// dependency graph (any back-edge to a gray node is a cycle) and
// returns a human-readable description of the first cycle found, or "" if
// the graph is acyclic.
func findCycle(items []SubtaskPlanItem) string {
	adj := make(map[string][]string, len(items))
	for _, item := range items {
		adj[item.Title] = item.Dependencies
	}
	colors := make(map[string]color, len(items))

	var path []string
	var visit func(string) string
	visit = func(node string) string {
		colors[node] = gray
		path = append(path, node)
		for _, dep := range adj[node] {
			switch colors[dep] {
			case gray:
				return fmt.Sprintf("%s -> %s", node, dep)
			case white:
				if cyc := visit(dep); cyc != "" {
					return cyc
				}
			}
		}
		colors[node] = black
		path = path[:len(path)-1]
		return ""
	}

	for _, item := range items {
		if colors[item.Title] == white {
			if cyc := visit(item.Title); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// defaultBrainTimeout is the typical per-provider brain budget.
const defaultBrainTimeout = 300 * time.Second

// jsonFence strips a markdown code fence around a JSON array/object, the
// single most common way a brain wraps structured output in prose — the
// same defensive unwrap the gateway's helpers use for envelope text.
var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func unfence(s string) string {
	if m := jsonFence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// ParseEpicPlan is the default Phase A brain-output parser: the plan is a
// JSON array of EpicPlanItem, optionally wrapped in a markdown code fence.
func ParseEpicPlan(output string) ([]EpicPlanItem, error) {
	var items []EpicPlanItem
	if err := json.Unmarshal([]byte(unfence(output)), &items); err != nil {
		return nil, fmt.Errorf("decoding epic plan: %w", err)
	}
	return items, nil
}

// ParseSubtaskPlan is the default Phase B brain-output parser: the plan is
// a JSON array of SubtaskPlanItem, optionally wrapped in a markdown code
// fence.
func ParseSubtaskPlan(output string) ([]SubtaskPlanItem, error) {
	var items []SubtaskPlanItem
	if err := json.Unmarshal([]byte(unfence(output)), &items); err != nil {
		return nil, fmt.Errorf("decoding subtask plan: %w", err)
	}
	return items, nil
}
