/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package prompt is the prompt composer: a pure function assembling
// the fixed six-layer brain prompt from organization, team, role, agent,
// prior-knowledge, and task context. The composer never touches the store
// or the brain gateway directly — callers resolve every layer's inputs and
// hand them in, so the only failure mode is a caller-supplied
// MissingDependency when a referenced entity could not be loaded upstream.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/vectorstore"
)

// DefaultTopK and DefaultMinScore are the layer-5 prior-knowledge
// retrieval defaults.
const (
	DefaultTopK     = 5
	DefaultMinScore = 0.70
)

const sectionDelimiter = "\n\n---\n\n"

// Input collects everything the composer needs to build one prompt. Teams
// is root-first (organization's top-level team first, the agent's direct
// team last). Knowledge is pre-filtered by the caller
// (top-K, score threshold) — the composer only renders what it is given.
type Input struct {
	Organization     *domain.Organization
	Teams            []*domain.Team
	Role             *domain.Role
	Agent            *domain.Agent
	Knowledge        []vectorstore.SearchResult
	Task             *domain.Task
	DependencyTitles []string
	LastCIFeedback   string // verbatim, only for a re-execution after CI failure
}

// missingDependency returns a caller-facing error when a required entity
// was not supplied, the composer's only failure mode.
func missingDependency(what string) error {
	return orcherr.New(orcherr.NotFound, "prompt composer: missing dependency: "+what)
}

// Compose renders the six-layer prompt as a single string, sections joined
// by a clearly delimited separator so the brain (and test assertions) can
// distinguish layers without a structured wire format.
func Compose(in Input) (string, error) {
	if in.Organization == nil {
		return "", missingDependency("organization")
	}
	if in.Role == nil {
		return "", missingDependency("role")
	}
	if in.Agent == nil {
		return "", missingDependency("agent")
	}
	if in.Task == nil {
		return "", missingDependency("task")
	}

	var b strings.Builder
	layers := []string{
		layerOrganization(in.Organization),
		layerTeams(in.Teams),
		layerRole(in.Role),
		layerAgent(in.Agent),
		layerKnowledge(in.Knowledge),
		layerTask(in.Task, in.DependencyTitles, in.LastCIFeedback),
	}
	first := true
	for _, l := range layers {
		if l == "" {
			continue
		}
		if !first {
			b.WriteString(sectionDelimiter)
		}
		b.WriteString(l)
		first = false
	}
	return b.String(), nil
}

func layerOrganization(org *domain.Organization) string {
	if org.ContextPrompt == "" {
		return ""
	}
	return "[Organization Context]\n" + org.ContextPrompt
}

func layerTeams(teams []*domain.Team) string {
	var parts []string
	for _, t := range teams {
		if t.DescriptionPrompt != "" {
			parts = append(parts, t.DescriptionPrompt)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "[Team Context]\n" + strings.Join(parts, "\n")
}

func layerRole(role *domain.Role) string {
	if role.SystemPrompt == "" {
		return ""
	}
	return "[Role]\n" + role.SystemPrompt
}

func layerAgent(agent *domain.Agent) string {
	if agent.CustomPrompt == "" {
		return ""
	}
	return "[Agent]\n" + agent.CustomPrompt
}

func layerKnowledge(results []vectorstore.SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Relevant Prior Knowledge]\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. (score=%.2f) %s\n", i+1, r.Score, r.Document.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func layerTask(task *domain.Task, depTitles []string, ciFeedback string) string {
	var b strings.Builder
	b.WriteString("[Task]\n")
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Description: %s\n", task.Description)
	if len(task.SuccessCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range task.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(task.AffectedFiles) > 0 {
		fmt.Fprintf(&b, "Affected files: %s\n", strings.Join(task.AffectedFiles, ", "))
	}
	if len(depTitles) > 0 {
		fmt.Fprintf(&b, "Depends on (must already be complete): %s\n", strings.Join(depTitles, ", "))
	}
	if ciFeedback != "" {
		fmt.Fprintf(&b, "\nMost recent CI feedback (address before resubmitting):\n%s\n", ciFeedback)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FilterKnowledge applies the layer-5 top-K / min-score cutoff to a raw
// vector-store result set. Results are assumed pre-sorted by descending
// score, matching vectorstore.Store's contract.
func FilterKnowledge(results []vectorstore.SearchResult, topK int, minScore float32) []vectorstore.SearchResult {
	if topK <= 0 {
		topK = DefaultTopK
	}
	out := make([]vectorstore.SearchResult, 0, topK)
	for _, r := range results {
		if r.Score < minScore {
			continue
		}
		out = append(out, r)
		if len(out) >= topK {
			break
		}
	}
	return out
}

// EmbeddingSeed builds the text used to compute the task embedding for
// layer-5 retrieval: title + description.
func EmbeddingSeed(task *domain.Task) string {
	return task.Title + "\n" + task.Description
}
