/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package brain is the brain gateway: a single execute operation
// against an external model provider, with subprocess/RPC lifecycle,
// envelope parsing, and token-cost accounting. No retries live here —
// retry policy belongs to the execution cycle and the quality gate.
package brain

import (
	"context"
	"time"

	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

// Response carries everything the execution cycle and quality gate need
// from one brain call.
type Response struct {
	Output       string
	Success      bool
	Duration     time.Duration
	InputTokens  int64
	OutputTokens int64
	CostSubCents int64
}

// Gateway is implemented by HTTPGateway (production) and any test double.
type Gateway interface {
	// Execute sends prompt to provider and blocks until the envelope is
	// parsed, the timeout elapses, or ctx is cancelled. Errors carry
	// orcherr codes Timeout, ProviderError, or ParseError.
	Execute(ctx context.Context, provider string, prompt string, timeout time.Duration) (*Response, error)
}

// errUnknownProvider is returned by HTTPGateway.Execute when provider has
// no entry in the registry.
func errUnknownProvider(provider string) error {
	return orcherr.New(orcherr.ProviderError, "unknown brain provider: "+provider)
}
