/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package brain

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

// RedisRateLimiter enforces a per-provider requests-per-minute budget
// shared across every orchestrator replica, using a fixed-window counter
// keyed by provider and the current minute.
type RedisRateLimiter struct {
	client       *redis.Client
	maxPerMinute int
}

// NewRedisRateLimiter builds a limiter against an already-connected client.
func NewRedisRateLimiter(client *redis.Client, maxPerMinute int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, maxPerMinute: maxPerMinute}
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, provider string) error {
	if rl == nil || rl.maxPerMinute <= 0 {
		return nil
	}
	key := "brain:ratelimit:" + provider + ":" + time.Now().UTC().Format("200601021504")
	n, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "rate limiter unavailable", err)
	}
	if n == 1 {
		rl.client.Expire(ctx, key, 2*time.Minute)
	}
	if n > int64(rl.maxPerMinute) {
		return orcherr.New(orcherr.Transient, "brain provider rate limit exceeded: "+provider)
	}
	return nil
}

// InProcessRateLimiter is the sliding-window fallback used when no Redis
// endpoint is configured — the same shape as the gateway's
// TenantRateLimiter, keyed per provider instead of per tenant.
type InProcessRateLimiter struct {
	mu           sync.Mutex
	windows      map[string][]time.Time
	maxPerMinute int
}

// NewInProcessRateLimiter builds a limiter with the given requests-per-
// minute cap. A cap <= 0 disables limiting.
func NewInProcessRateLimiter(maxPerMinute int) *InProcessRateLimiter {
	return &InProcessRateLimiter{windows: make(map[string][]time.Time), maxPerMinute: maxPerMinute}
}

func (rl *InProcessRateLimiter) Allow(_ context.Context, provider string) error {
	if rl == nil || rl.maxPerMinute <= 0 {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	window := rl.windows[provider]
	valid := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.maxPerMinute {
		rl.windows[provider] = valid
		return orcherr.New(orcherr.Transient, "brain provider rate limit exceeded: "+provider)
	}
	rl.windows[provider] = append(valid, now)
	return nil
}
