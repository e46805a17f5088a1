/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Command controlplane runs the three periodic loops that drive
// decomposition, execution, and review/CI to completion. It wires
// internal/controlplane.Loops around a SQL store and runs three
// independent ticker-driven goroutines side by side.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hortator-ai/orchestrator/internal/brain"
	"github.com/hortator-ai/orchestrator/internal/controlplane"
	"github.com/hortator-ai/orchestrator/internal/decompose"
	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/escalation"
	"github.com/hortator-ai/orchestrator/internal/events"
	"github.com/hortator-ai/orchestrator/internal/execution"
	"github.com/hortator-ai/orchestrator/internal/governor"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/review"
	"github.com/hortator-ai/orchestrator/internal/sandbox"
	"github.com/hortator-ai/orchestrator/internal/store"
	"github.com/hortator-ai/orchestrator/internal/telemetry"
	"github.com/hortator-ai/orchestrator/internal/vectorstore"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	if os.Getenv("HORTATOR_SCHEDULER_DISABLED") != "" {
		log.Info("HORTATOR_SCHEDULER_DISABLED set, control-plane loops will not run")
		<-make(chan struct{}) // park forever; dev/test processes drive the store directly
	}

	s, err := openStore(log)
	if err != nil {
		log.Fatalw("opening store", "error", err)
	}
	defer func() { _ = s.Close() }()

	forge := buildForge()
	sandboxGateway := sandbox.NewGateway(forge)
	brainGateway := buildBrainGateway(log)
	brainTimeout := envDuration("HORTATOR_BRAIN_TIMEOUT", 300*time.Second)

	var eventsPublisher *events.Publisher
	if url := os.Getenv("HORTATOR_NATS_URL"); url != "" {
		eventsPublisher, err = events.Connect(url)
		if err != nil {
			log.Warnw("connecting to NATS, event emission disabled", "error", err)
		} else {
			defer eventsPublisher.Close()
		}
	} else {
		log.Warn("HORTATOR_NATS_URL not set, task-completed events will not be published")
	}

	decomposeEngine := decompose.New(s, brainGateway)
	reviewLoop := review.New(s, forge)
	reviewLoop.Events = eventsPublisher
	reviewLoop.Brain = brainGateway
	reviewLoop.BrainTimeout = brainTimeout
	reviewLoop.SpawnTransient = review.DefaultSpawnTransient(s)
	gov := governor.New(s)
	escalationLadder := escalation.New(s)

	newCycle := func(agent *domain.Agent) *execution.Cycle {
		cycle := execution.New(s, brainGateway, sandboxGateway, brainTimeout)
		cycle.ComposePrompt = func(ctx context.Context, a *domain.Agent, task *domain.Task) (string, error) {
			return execution.DefaultComposePrompt(ctx, s, task, a)
		}
		cycle.ApplyEnvelope = execution.DefaultApplyEnvelope
		cycle.AssignReviewer = func(ctx context.Context, task *domain.Task, cs *domain.ChangeSet) error {
			author, err := s.GetAgent(ctx, cs.AuthorAgentID)
			if err != nil {
				return err
			}
			reviewer, err := reviewLoop.SelectReviewer(ctx, task, author)
			if err != nil || reviewer == nil {
				return err
			}
			cs.ReviewerAgentID = &reviewer.ID
			return nil
		}
		return cycle
	}

	loops := &controlplane.Loops{
		Store:             s,
		Decompose:         decomposeEngine,
		Review:            reviewLoop,
		Governor:          gov,
		Escalation:        escalationLadder,
		NewCycle:          newCycle,
		Organizations:     organizationsFromEnv(s),
		ResolveTeamByName: resolveTeamByName(s),
		ParseEpicPlan:     decompose.ParseEpicPlan,
		ParseSubtaskPlan:  decompose.ParseSubtaskPlan,
		Period:            envDuration("HORTATOR_LOOP_PERIOD", controlplane.DefaultPeriod),
		WorkerSize:        envInt("HORTATOR_EXECUTE_WORKERS", 4),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go loops.RunDecomposeLoop(ctx)
	go loops.RunExecuteLoop(ctx)
	go loops.RunReviewLoop(ctx)
	go serveMetrics(log, telemetry.Registry())

	log.Infow("control plane running", "period", loops.Period, "workers", loops.WorkerSize)
	<-ctx.Done()
	log.Info("shutting down control plane")
	time.Sleep(500 * time.Millisecond) // let in-flight ticks observe ctx.Done
}

func openStore(log *zap.SugaredLogger) (store.Store, error) {
	vector, err := buildVectorStore(log)
	if err != nil {
		return nil, err
	}
	dsn := os.Getenv("HORTATOR_STORE_DSN")
	if dsn == "" {
		log.Warn("HORTATOR_STORE_DSN not set, falling back to an in-memory sqlite store (dev mode only)")
		return store.NewSQLite(":memory:", vector)
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		return store.NewSQLite(strings.TrimPrefix(dsn, "sqlite://"), vector)
	}
	return store.NewPostgres(context.Background(), dsn, vector)
}

func buildVectorStore(log *zap.SugaredLogger) (vectorstore.Store, error) {
	provider := os.Getenv("HORTATOR_VECTORSTORE_PROVIDER")
	endpoint := os.Getenv("HORTATOR_VECTORSTORE_ENDPOINT")
	if provider == "" || endpoint == "" {
		log.Warn("HORTATOR_VECTORSTORE_PROVIDER/_ENDPOINT not set, prior-knowledge search (layer 5) is disabled")
		return nil, nil
	}
	return vectorstore.New(provider, endpoint)
}

func buildForge() sandbox.Forge {
	host := os.Getenv("HORTATOR_VCS_HOST")
	if host == "" {
		host = "github"
	}
	key := "HORTATOR_VCS_" + strings.ToUpper(host) + "_TOKEN"
	token := os.Getenv(key)
	baseURL := os.Getenv("HORTATOR_VCS_BASE_URL")
	repo := os.Getenv("HORTATOR_VCS_REPO")
	return sandbox.NewHTTPForge(baseURL, repo, token, nil)
}

func buildBrainGateway(log *zap.SugaredLogger) brain.Gateway {
	providers := strings.Split(os.Getenv("HORTATOR_BRAIN_PROVIDERS"), ",")
	registry := brain.NewEnvRegistry(providers)

	if addr := os.Getenv("HORTATOR_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		limiter := brain.NewRedisRateLimiter(client, envInt("HORTATOR_BRAIN_RATE_LIMIT_PER_MIN", 60))
		return brain.NewHTTPGateway(registry, limiter)
	}
	log.Warn("HORTATOR_REDIS_ADDR not set, falling back to a per-process brain rate limiter")
	limiter := brain.NewInProcessRateLimiter(envInt("HORTATOR_BRAIN_RATE_LIMIT_PER_MIN", 60))
	return brain.NewHTTPGateway(registry, limiter)
}

// organizationsFromEnv returns the fixed tenancy list this process
// services, read from HORTATOR_ORG_IDS (comma-separated). The store has no
// "list all organizations" query by design — see internal/store.Store's
// doc comment — so the process boundary is configuration, not a scan.
func organizationsFromEnv(s store.Store) func(ctx context.Context) ([]*domain.Organization, error) {
	raw := os.Getenv("HORTATOR_ORG_IDS")
	return func(ctx context.Context) ([]*domain.Organization, error) {
		if raw == "" {
			return nil, nil
		}
		var orgs []*domain.Organization
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := ids.Parse(part)
			if err != nil {
				continue
			}
			org, err := s.GetOrganization(ctx, id)
			if err != nil {
				continue
			}
			orgs = append(orgs, org)
		}
		return orgs, nil
	}
}

func resolveTeamByName(s store.Store) func(ctx context.Context, orgID ids.ID, name string) (*domain.Team, bool) {
	return func(ctx context.Context, orgID ids.ID, name string) (*domain.Team, bool) {
		team, err := s.FindTeamByName(ctx, orgID, name)
		if err != nil {
			return nil, false
		}
		return team, true
	}
}

// serveMetrics exposes reg on /metrics for Prometheus scrape via a small
// dedicated http.Server.
func serveMetrics(log *zap.SugaredLogger, reg *prometheus.Registry) {
	addr := os.Getenv("HORTATOR_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "ok")
	})
	log.Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Errorw("metrics server failed", "error", err)
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
