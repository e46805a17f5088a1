/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package gate

import (
	"testing"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/domain"
)

func org(dailyCap int64) *domain.Organization {
	return &domain.Organization{DailyCapSubCents: dailyCap}
}

func TestValidateEmptyOutputFailsWithRetry(t *testing.T) {
	g := New()
	res := g.Validate(&domain.Task{}, &brain.Response{Output: ""}, org(1000))
	if res.Passed || !res.ShouldRetry {
		t.Fatalf("expected empty output to fail with retry, got %+v", res)
	}
}

func TestValidateFatalPatternFailsWithRetry(t *testing.T) {
	g := New()
	res := g.Validate(&domain.Task{}, &brain.Response{Output: "Command failed: no such file"}, org(1000))
	if res.Passed || !res.ShouldRetry {
		t.Fatalf("expected fatal pattern to fail with retry, got %+v", res)
	}
}

func TestValidateCostExceedsCeilingFailsNoRetry(t *testing.T) {
	g := New()
	res := g.Validate(&domain.Task{}, &brain.Response{Output: "a valid long enough output", CostSubCents: 200}, org(1000))
	if res.Passed || res.ShouldRetry || res.Reason != "COST" {
		t.Fatalf("expected cost-exceeded to fail without retry, got %+v", res)
	}
}

func TestValidateCostCheckRunsEvenOnEmptyOutput(t *testing.T) {
	g := New()
	res := g.Validate(&domain.Task{}, &brain.Response{Output: "", CostSubCents: 500}, org(1000))
	if res.Reason != "COST" {
		t.Fatalf("expected cost check to run before the presence check, got %+v", res)
	}
}

func TestValidatePassesGoodOutput(t *testing.T) {
	g := New()
	res := g.Validate(&domain.Task{Type: domain.TaskDocumentation}, &brain.Response{Output: "Wrote a complete README section.", CostSubCents: 10}, org(1000))
	if !res.Passed {
		t.Fatalf("expected valid output to pass, got %+v", res)
	}
}

func TestValidateWarnsOnMissingCodeIndicatorsForImplementation(t *testing.T) {
	g := New()
	res := g.Validate(&domain.Task{Type: domain.TaskImplementation}, &brain.Response{Output: "I wrote some prose with no code at all here"}, org(1000))
	if !res.Passed {
		t.Fatalf("missing code indicators must warn, not fail: %+v", res)
	}
	if res.Warning == "" {
		t.Fatal("expected a shape warning for IMPLEMENTATION task without code indicators")
	}
}
