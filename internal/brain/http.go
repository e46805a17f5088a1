/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

// envelope is the structured response body every provider endpoint is
// expected to return.
type envelope struct {
	Output   string  `json:"output"`
	Success  bool    `json:"success"`
	Duration float64 `json:"duration_seconds"`
	Cost     *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"cost"`
}

// tokenUsagePattern and resultMarkers back up envelope parsing for
// providers that embed plain-text logs in the envelope's output field;
// token usage and the result body are scraped out of that text by marker.
var tokenUsagePattern = regexp.MustCompile(`Tokens: in=(\d+) out=(\d+)`)

const (
	resultBeginMarker = "[orchestrator-result-begin]\n"
	resultEndMarker   = "\n[orchestrator-result-end]"
)

// HTTPGateway is the production Gateway: one net/http client shared across
// providers, per-call context.WithTimeout driving forced termination, and
// optional outbound rate limiting.
type HTTPGateway struct {
	client       *http.Client
	registry     *Registry
	rateLimiter  RateLimiter
	maxBodyBytes int64
}

// RateLimiter is satisfied by both the Redis-backed limiter and the
// in-process fallback; Allow returns nil if the call may proceed and a
// TRANSIENT error at once if the provider's budget is used up.
type RateLimiter interface {
	Allow(ctx context.Context, provider string) error
}

// NewHTTPGateway builds an HTTPGateway. rl may be nil to disable outbound
// rate limiting.
func NewHTTPGateway(registry *Registry, rl RateLimiter) *HTTPGateway {
	return &HTTPGateway{
		client:       &http.Client{},
		registry:     registry,
		rateLimiter:  rl,
		maxBodyBytes: 10 * 1024 * 1024,
	}
}

func (g *HTTPGateway) Execute(ctx context.Context, provider, prompt string, timeout time.Duration) (*Response, error) {
	cfg, ok := g.registry.Get(provider)
	if !ok {
		return nil, errUnknownProvider(provider)
	}

	if g.rateLimiter != nil {
		if err := g.rateLimiter.Allow(ctx, provider); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := g.doRequest(callCtx, cfg, prompt)
	elapsed := time.Since(started)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, orcherr.Wrap(orcherr.Timeout, "brain call timed out", err)
		}
		return nil, orcherr.Wrap(orcherr.ProviderError, "brain call failed", err)
	}

	env, err := parseEnvelope(resp)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.ParseError, "brain envelope parse failed", err)
	}
	if !env.Success {
		return nil, orcherr.New(orcherr.ProviderError, "brain reported failure")
	}

	inputTokens, outputTokens := extractTokenUsage(env)
	duration := elapsed
	if env.Duration > 0 {
		duration = time.Duration(env.Duration * float64(time.Second))
	}
	cost := int64(float64(inputTokens)*cfg.InputPrice + float64(outputTokens)*cfg.OutputPrice)

	return &Response{
		Output:       extractResult(env.Output),
		Success:      true,
		Duration:     duration,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostSubCents: cost,
	}, nil
}

func (g *HTTPGateway) doRequest(ctx context.Context, cfg ProviderConfig, prompt string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv(cfg.APIKeyEnvVar); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, orcherr.New(orcherr.ProviderError, "non-200 from brain provider: "+resp.Status)
	}
	return raw, nil
}

func parseEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func extractTokenUsage(env *envelope) (input, output int64) {
	if env.Cost != nil {
		return env.Cost.InputTokens, env.Cost.OutputTokens
	}
	matches := tokenUsagePattern.FindStringSubmatch(env.Output)
	if len(matches) != 3 {
		return 0, 0
	}
	in, _ := strconv.ParseInt(matches[1], 10, 64)
	out, _ := strconv.ParseInt(matches[2], 10, 64)
	return in, out
}

// extractResult pulls the text between result markers when the provider
// wraps its output in them; providers that return clean output pass
// through unchanged.
func extractResult(output string) string {
	beginIdx := strings.Index(output, resultBeginMarker)
	endIdx := strings.Index(output, resultEndMarker)
	if beginIdx >= 0 && endIdx > beginIdx {
		return strings.TrimSpace(output[beginIdx+len(resultBeginMarker) : endIdx])
	}
	return output
}
