/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an orcherr-tagged error onto an HTTP status, defaulting
// to 500 for anything untagged (a programmer error, not a client mistake).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch orcherr.CodeOf(err) {
	case orcherr.NotFound:
		status = http.StatusNotFound
	case orcherr.Conflict:
		status = http.StatusConflict
	case orcherr.Forbidden, orcherr.BudgetExceeded:
		status = http.StatusForbidden
	case orcherr.InvariantViolation, orcherr.ParseError:
		status = http.StatusBadRequest
	case orcherr.Timeout:
		status = http.StatusGatewayTimeout
	case orcherr.ProviderError, orcherr.Transient:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(orcherr.CodeOf(err))})
}

func taskToView(t *domain.Task) TaskView {
	v := TaskView{
		ID:           t.ID.String(),
		ProjectID:    t.ProjectID.String(),
		Type:         string(t.Type),
		Status:       string(t.Status),
		Title:        t.Title,
		Description:  t.Description,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		CompletedAt:  t.CompletedAt,
	}
	if t.GoalID != nil {
		s := t.GoalID.String()
		v.GoalID = &s
	}
	if t.ParentTaskID != nil {
		s := t.ParentTaskID.String()
		v.ParentTaskID = &s
	}
	if t.AssignedTeamID != nil {
		s := t.AssignedTeamID.String()
		v.AssignedTeamID = &s
	}
	if t.AssignedAgentID != nil {
		s := t.AssignedAgentID.String()
		v.AssignedAgentID = &s
	}
	if t.ChangeSetID != nil {
		s := t.ChangeSetID.String()
		v.ChangeSetID = &s
	}
	return v
}
