/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package gateway

import (
	"net/http/httptest"
	"testing"
)

func TestTenantRateLimiterAllowsUnderBudget(t *testing.T) {
	rl := NewTenantRateLimiter(5)
	for i := 0; i < 5; i++ {
		if !rl.Allow("org:acme") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestTenantRateLimiterBlocksOverBudget(t *testing.T) {
	rl := NewTenantRateLimiter(3)
	for i := 0; i < 3; i++ {
		rl.Allow("org:acme")
	}
	if rl.Allow("org:acme") {
		t.Error("4th request in the window should be blocked")
	}
}

func TestTenantRateLimiterIsolatesTenants(t *testing.T) {
	rl := NewTenantRateLimiter(2)
	rl.Allow("org:acme")
	rl.Allow("org:acme")
	if rl.Allow("org:acme") {
		t.Error("acme should be at budget")
	}
	if !rl.Allow("org:globex") {
		t.Error("one tenant's burst must not consume another's budget")
	}
}

func TestTenantRateLimiterDisabledWhenBudgetNonPositive(t *testing.T) {
	rl := NewTenantRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("org:acme") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestTenantKeyPrefersOrgPath(t *testing.T) {
	r := httptest.NewRequest("POST", "/orgs/6f1c0000-0000-0000-0000-000000000000/stop", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	if got, want := TenantKey(r), "org:6f1c0000-0000-0000-0000-000000000000"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTenantKeyFallsBackToBearerToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/goals", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	if got, want := TenantKey(r), "token:tok-123"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTenantKeyFallsBackToForwardedIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/tasks/abc", nil)
	r.Header.Set("X-Forwarded-For", "10.1.2.3, 192.168.0.1")
	if got, want := TenantKey(r), "ip:10.1.2.3"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
