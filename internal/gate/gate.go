/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package gate is the quality & cost gate: presence, shape, and
// budget checks applied to every brain response before its output is
// trusted enough to write into a sandbox. Cost accounting is unconditional
// and happens before the pass/fail decision — budgets are enforced even
// for failed executions.
package gate

import (
	"strings"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

// MinOutputLen is the presence-check floor: output shorter than this
// (after trimming) is treated the same as empty output.
const MinOutputLen = 10

// DefaultCostCeilingFraction is the single-execution budget ceiling as a
// fraction of the organization's daily cap.
const DefaultCostCeilingFraction = 0.10

// fatalPatterns are case-insensitive substrings that make output an
// automatic FAIL-RETRY regardless of length.
var fatalPatterns = []string{"error:", "fatal:", "permission denied", "command failed"}

// codeIndicators back the IMPLEMENTATION-only shape check: any of these
// tokens appearing in the output suggests code-shaped content.
var codeIndicators = []string{";", "{", "}", "function", "class", "import", "export"}

// Result is the gate's verdict.
type Result struct {
	Passed      bool
	ShouldRetry bool
	Reason      string
	Warning     string // non-fatal shape warning, e.g. missing code indicators
}

// Gate evaluates brain responses against organization budgets.
type Gate struct {
	CostCeilingFraction float64
}

// New builds a Gate with the default cost ceiling fraction.
func New() *Gate {
	return &Gate{CostCeilingFraction: DefaultCostCeilingFraction}
}

// Validate runs the budget check first, then the presence checks,
// returning on the first failure; the shape check only records a
// warning and never fails the result. Cost accounting
// itself (recording the execution record and rolling up the
// organization's cost) is the caller's responsibility — Validate only
// decides whether the single-execution ceiling was exceeded.
func (g *Gate) Validate(task *domain.Task, resp *brain.Response, org *domain.Organization) Result {
	ceiling := g.CostCeilingFraction
	if ceiling <= 0 {
		ceiling = DefaultCostCeilingFraction
	}
	// A zero daily cap means the organization is uncapped, matching the
	// governor's own cap check.
	if org.DailyCapSubCents > 0 && resp.CostSubCents > int64(float64(org.DailyCapSubCents)*ceiling) {
		return Result{Passed: false, ShouldRetry: false, Reason: "COST"}
	}

	trimmed := strings.TrimSpace(resp.Output)
	if len(trimmed) < MinOutputLen {
		return Result{Passed: false, ShouldRetry: true, Reason: "empty or too-short brain output"}
	}
	lower := strings.ToLower(trimmed)
	for _, pat := range fatalPatterns {
		if strings.Contains(lower, pat) {
			return Result{Passed: false, ShouldRetry: true, Reason: "output matched fatal pattern: " + pat}
		}
	}

	result := Result{Passed: true, ShouldRetry: false}
	if task.Type == domain.TaskImplementation && !hasCodeIndicator(trimmed) {
		result.Warning = "output has no code-like indicators for an IMPLEMENTATION task"
	}
	return result
}

func hasCodeIndicator(output string) bool {
	lower := strings.ToLower(output)
	for _, ind := range codeIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}

// ErrBudgetExceeded is returned by callers (not Gate itself) that need to
// map a COST reason onto the orcherr taxonomy for escalation routing.
func ErrBudgetExceeded(reason string) error {
	return orcherr.New(orcherr.BudgetExceeded, reason)
}
