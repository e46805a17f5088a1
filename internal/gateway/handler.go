/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
	"github.com/hortator-ai/orchestrator/internal/store"
)

// WatchPollInterval is how often the watch endpoint re-reads task state
// from the store between pushes; the store has no native change feed, so
// the watch endpoint is poll-driven.
const WatchPollInterval = 2 * time.Second

// Handler serves the external HTTP interfaces.
type Handler struct {
	Store       store.Store
	RateLimiter *TenantRateLimiter
	upgrader    websocket.Upgrader
}

// New builds a Handler with a default rate limiter if none is supplied.
func New(s store.Store, rl *TenantRateLimiter) *Handler {
	if rl == nil {
		rl = DefaultRateLimiter()
	}
	return &Handler{Store: s, RateLimiter: rl, upgrader: websocket.Upgrader{
		ReadBufferSize: 1024, WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool { return true },
	}}
}

// Router builds the chi mux for every external endpoint.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(h.rateLimit)

	r.Post("/orgs/{orgID}/stop", h.StopOrg)
	r.Post("/orgs/{orgID}/resume", h.ResumeOrg)
	r.Post("/goals", h.CreateGoal)
	r.Get("/tasks/{taskID}", h.GetTask)
	r.Get("/projects/{projectID}/tasks", h.ListTasks)
	r.Patch("/tasks/{taskID}/assign", h.AssignTask)
	r.Get("/orgs/{orgID}/goals/{goalID}/watch", h.WatchGoal)
	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.RateLimiter.Allow(TenantKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StopOrg handles POST /orgs/{id}/stop: an operator-initiated emergency
// stop, the human-facing counterpart to the governor's automatic daily-cap
// trip (internal/governor).
func (h *Handler) StopOrg(w http.ResponseWriter, r *http.Request) {
	orgID, err := ids.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid organization id"))
		return
	}
	var req StopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "stopped via API"
	}
	if err := h.Store.SetAutonomousExecution(r.Context(), orgID, false, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ResumeOrg handles POST /orgs/{id}/resume: clears an emergency stop,
// whether it was operator- or governor-initiated.
func (h *Handler) ResumeOrg(w http.ResponseWriter, r *http.Request) {
	orgID, err := ids.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid organization id"))
		return
	}
	if err := h.Store.SetAutonomousExecution(r.Context(), orgID, true, "resumed via API"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// CreateGoal handles POST /goals: the human entry point that feeds the
// decompose loop.
func (h *Handler) CreateGoal(w http.ResponseWriter, r *http.Request) {
	var req GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid request body"))
		return
	}
	orgID, err1 := ids.Parse(req.OrganizationID)
	projectID, err2 := ids.Parse(req.ProjectID)
	ownerID, err3 := ids.Parse(req.OwnerAgentID)
	if err1 != nil || err2 != nil || err3 != nil || req.Title == "" {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "organization_id, project_id, owner_agent_id, and title are required"))
		return
	}
	goal := &domain.Goal{
		ID: ids.New(), OrganizationID: orgID, ProjectID: projectID, OwnerAgentID: ownerID,
		Title: req.Title, Description: req.Description, SuccessCriteria: req.SuccessCriteria,
		Status: domain.GoalActive, CreatedAt: ids.Now(),
	}
	if err := h.Store.CreateGoal(r.Context(), goal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": goal.ID.String()})
}

// GetTask handles GET /tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := ids.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid task id"))
		return
	}
	task, err := h.Store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToView(task))
}

// ListTasks handles GET /projects/{id}/tasks?status=READY, returning at
// most 100 tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	projectID, err := ids.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid project id"))
		return
	}
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.TaskReady
	}
	tasks, err := h.Store.ListTasksByStatus(r.Context(), projectID, status, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskToView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

// AssignTask handles PATCH /tasks/{id}/assign: an operator override for a
// task the decomposition engine left unassigned, surfaced via
// FindUnassignedDraftTasks.
func (h *Handler) AssignTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := ids.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid task id"))
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid request body"))
		return
	}
	agentID, err := ids.Parse(req.AgentID)
	if err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid agent id"))
		return
	}
	task, err := h.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !task.IsUnassigned() {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "task is already assigned"))
		return
	}
	task.AssignedAgentID = &agentID
	if err := h.Store.UpdateTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToView(task))
}

// WatchGoal handles GET /orgs/{id}/goals/{id}/watch: upgrades to a
// websocket and polls the store, pushing a GoalStatusEvent snapshot
// whenever any task under the goal's root project changes. The store has
// no native change notification, so the feed diffs successive polls.
func (h *Handler) WatchGoal(w http.ResponseWriter, r *http.Request) {
	goalID, err := ids.Parse(chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, orcherr.New(orcherr.InvariantViolation, "invalid goal id"))
		return
	}
	goal, err := h.Store.GetGoal(r.Context(), goalID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	ticker := time.NewTicker(WatchPollInterval)
	defer ticker.Stop()

	var lastSnapshot string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event, err := h.snapshotGoal(ctx, goal)
			if err != nil {
				continue
			}
			data, _ := json.Marshal(event)
			if string(data) == lastSnapshot {
				continue
			}
			lastSnapshot = string(data)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Handler) snapshotGoal(ctx context.Context, goal *domain.Goal) (*GoalStatusEvent, error) {
	event := &GoalStatusEvent{GoalID: goal.ID.String()}
	for _, status := range []domain.TaskStatus{
		domain.TaskPending, domain.TaskReady, domain.TaskInProgress,
		domain.TaskInReview, domain.TaskApproved, domain.TaskCompleted,
		domain.TaskFailed, domain.TaskCancelled, domain.TaskBlocked,
	} {
		tasks, err := h.Store.ListTasksByStatus(ctx, goal.ProjectID, status, 200)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.GoalID != nil && *t.GoalID == goal.ID {
				event.Tasks = append(event.Tasks, taskToView(t))
			}
		}
	}
	return event, nil
}
