/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package domain

import (
	"time"

	"github.com/hortator-ai/orchestrator/internal/ids"
)

// ProjectStatus is intentionally small; the core only needs to know
// whether a project accepts new work.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectArchived ProjectStatus = "ARCHIVED"
)

// Project is a target repository the sandbox gateway materializes working
// copies under.
type Project struct {
	ID             ids.ID
	OrganizationID ids.ID
	Name           string
	HostURL        string // external VCS host URL (forge repo)
	WorkingDirRoot string // local root; worktrees live at <root>/.worktrees/<agent>/<task>
	Status         ProjectStatus
	CreatedAt      time.Time
}
