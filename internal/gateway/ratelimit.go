/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package gateway

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TenantRateLimiter enforces a per-tenant request budget over a sliding
// one-minute window. Requests on the organization-scoped surface
// (/orgs/{id}/...) are keyed by that organization, so one tenant's burst
// cannot starve another tenant's emergency-stop call; requests with no
// organization in the path fall back to the caller's bearer token, then
// to the client IP.
type TenantRateLimiter struct {
	mu        sync.Mutex
	windows   map[string][]time.Time
	maxPerMin int
	lastSweep time.Time
}

// window and sweepInterval: budgets are per minute, and tenants idle for
// a full window get their bookkeeping dropped on the next sweep.
const (
	rateWindow        = time.Minute
	rateSweepInterval = 5 * time.Minute
)

// NewTenantRateLimiter builds a limiter with the given requests-per-minute
// budget per tenant. A budget <= 0 disables limiting.
func NewTenantRateLimiter(maxPerMinute int) *TenantRateLimiter {
	return &TenantRateLimiter{
		windows:   make(map[string][]time.Time),
		maxPerMin: maxPerMinute,
		lastSweep: time.Now(),
	}
}

// DefaultRateLimiter reads the per-tenant budget from
// HORTATOR_GATEWAY_RATE_LIMIT (requests per minute, default 60).
func DefaultRateLimiter() *TenantRateLimiter {
	limit := 60
	if v := os.Getenv("HORTATOR_GATEWAY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return NewTenantRateLimiter(limit)
}

// Allow reports whether the tenant identified by key has budget left in
// the current window, consuming one request if so.
func (rl *TenantRateLimiter) Allow(key string) bool {
	if rl == nil || rl.maxPerMin <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateWindow)
	rl.sweepLocked(now, cutoff)

	kept := rl.windows[key][:0]
	for _, t := range rl.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.maxPerMin {
		rl.windows[key] = kept
		return false
	}
	rl.windows[key] = append(kept, now)
	return true
}

// sweepLocked drops tenants whose whole window has aged out, so an
// occasional one-off caller does not grow the map forever.
func (rl *TenantRateLimiter) sweepLocked(now, cutoff time.Time) {
	if now.Sub(rl.lastSweep) < rateSweepInterval {
		return
	}
	rl.lastSweep = now
	for key, window := range rl.windows {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(rl.windows, key)
		}
	}
}

// TenantKey resolves the rate-limit key for a request: the organization
// id for organization-scoped paths, else the bearer token, else the
// client IP (trusting the first X-Forwarded-For hop).
func TenantKey(r *http.Request) string {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/orgs/"); ok {
		if org, _, _ := strings.Cut(rest, "/"); org != "" {
			return "org:" + org
		}
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "token:" + strings.TrimPrefix(auth, "Bearer ")
	}
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return "ip:" + ip
}
