/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package brain

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisRateLimiterEnforcesPerProviderBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRedisRateLimiter(client, 2)
	ctx := context.Background()

	if err := rl.Allow(ctx, "claude"); err != nil {
		t.Fatalf("first call must pass: %v", err)
	}
	if err := rl.Allow(ctx, "claude"); err != nil {
		t.Fatalf("second call must pass: %v", err)
	}
	if err := rl.Allow(ctx, "claude"); err == nil {
		t.Fatal("third call in the same minute must be refused")
	}

	// Budgets are per provider, not global.
	if err := rl.Allow(ctx, "other"); err != nil {
		t.Fatalf("a different provider has its own budget: %v", err)
	}
}

func TestRedisRateLimiterDisabledWhenCapNonPositive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRedisRateLimiter(client, 0)
	for i := 0; i < 10; i++ {
		if err := rl.Allow(context.Background(), "claude"); err != nil {
			t.Fatalf("disabled limiter must always pass: %v", err)
		}
	}
}

func TestInProcessRateLimiterSlidingWindow(t *testing.T) {
	rl := NewInProcessRateLimiter(1)
	if err := rl.Allow(context.Background(), "claude"); err != nil {
		t.Fatalf("first call must pass: %v", err)
	}
	if err := rl.Allow(context.Background(), "claude"); err == nil {
		t.Fatal("second call inside the window must be refused")
	}
	if err := rl.Allow(context.Background(), "other"); err != nil {
		t.Fatalf("other provider unaffected: %v", err)
	}
}
