/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package prompt

import (
	"strings"
	"testing"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/vectorstore"
)

func baseInput() Input {
	return Input{
		Organization: &domain.Organization{ContextPrompt: "Org context"},
		Teams: []*domain.Team{
			{DescriptionPrompt: "Root team"},
			{DescriptionPrompt: "Leaf team"},
		},
		Role:  &domain.Role{SystemPrompt: "You are an engineer"},
		Agent: &domain.Agent{CustomPrompt: "Be terse"},
		Task: &domain.Task{
			Title:       "Add feature X",
			Description: "Implement X",
		},
	}
}

func TestComposeOrdersLayers(t *testing.T) {
	out, err := Compose(baseInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orgIdx := strings.Index(out, "Org context")
	teamIdx := strings.Index(out, "Root team")
	roleIdx := strings.Index(out, "You are an engineer")
	agentIdx := strings.Index(out, "Be terse")
	taskIdx := strings.Index(out, "Add feature X")
	if !(orgIdx < teamIdx && teamIdx < roleIdx && roleIdx < agentIdx && agentIdx < taskIdx) {
		t.Fatalf("layers out of order: %s", out)
	}
}

func TestComposeMissingDependency(t *testing.T) {
	in := baseInput()
	in.Organization = nil
	if _, err := Compose(in); err == nil {
		t.Fatal("expected missing-dependency error")
	}
}

func TestComposeIncludesCIFeedback(t *testing.T) {
	in := baseInput()
	in.LastCIFeedback = "lint failed on file.go:12"
	out, err := Compose(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "lint failed on file.go:12") {
		t.Fatal("expected CI feedback to appear in task layer")
	}
}

func TestFilterKnowledgeAppliesTopKAndThreshold(t *testing.T) {
	results := []vectorstore.SearchResult{
		{Score: 0.9, Document: vectorstore.Document{Content: "a"}},
		{Score: 0.8, Document: vectorstore.Document{Content: "b"}},
		{Score: 0.5, Document: vectorstore.Document{Content: "below threshold"}},
	}
	filtered := FilterKnowledge(results, 5, DefaultMinScore)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 results above threshold, got %d", len(filtered))
	}
}
