/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package sandbox is the sandbox gateway: the per-(agent, task)
// isolated working copy lifecycle over a local git worktree, plus
// publication to an external VCS/review host (the Forge). Subtasks share
// their parent task's working copy — see Acquire.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

// Sandbox is a materialized working copy rooted at
// <project.WorkingDirRoot>/.worktrees/<agent_id>/<task_id>, tracked on a
// dedicated branch embedding both identifiers.
type Sandbox struct {
	Root      string
	Branch    string
	AgentID   ids.ID
	TaskID    ids.ID
	ProjectID ids.ID
	changeSet *ChangeSetRef // set once Publish has succeeded, for idempotent re-publish
}

// BranchName derives the dedicated branch name for (agent, task); the
// branch embeds both identifiers so a stray branch on the host is always
// attributable.
func BranchName(agentID, taskID ids.ID) string {
	return fmt.Sprintf("hortator/%s/%s", agentID.String(), taskID.String())
}

// WorktreeRoot derives the on-disk worktree path for (project, agent,
// task). A subtask's parent path is substituted by Acquire, not here.
func WorktreeRoot(projectRoot string, agentID, taskID ids.ID) string {
	return filepath.Join(projectRoot, ".worktrees", agentID.String(), taskID.String())
}

// Gateway materializes, mutates, commits, publishes, and tears down
// sandboxes. The production implementation shells out to git via os/exec
// and materializes each sandbox as a worktree on its own new branch.
type Gateway struct {
	Forge Forge
	// runGit allows tests to intercept subprocess invocation; nil selects
	// the real os/exec path.
	runGit func(dir string, args ...string) (string, error)
}

// NewGateway builds a Gateway publishing through forge.
func NewGateway(forge Forge) *Gateway {
	return &Gateway{Forge: forge}
}

// NewGatewayWithGit builds a Gateway with an injected git subprocess
// runner, for callers (outside this package) that need to exercise the
// gateway without a real working tree, e.g. an execution-cycle test.
func NewGatewayWithGit(forge Forge, runGit func(dir string, args ...string) (string, error)) *Gateway {
	return &Gateway{Forge: forge, runGit: runGit}
}

func (g *Gateway) git(dir string, args ...string) (string, error) {
	if g.runGit != nil {
		return g.runGit(dir, args...)
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// Acquire materializes a working copy for (project, agent, task). If task
// has a parent (a subtask), the parent's own sandbox path is reused
// unchanged: a subtask edits the same logical change-set as its parent.
// Idempotent: calling Acquire twice for the same (agent, task) returns
// the existing worktree rather than re-creating it.
func (g *Gateway) Acquire(ctx context.Context, project *domain.Project, agentID ids.ID, task *domain.Task, parentSandboxRoot string) (*Sandbox, error) {
	root := WorktreeRoot(project.WorkingDirRoot, agentID, task.ID)
	branch := BranchName(agentID, task.ID)

	if parentSandboxRoot != "" {
		root = parentSandboxRoot
		// Subtasks reuse the parent's branch too — derive it from the
		// existing worktree rather than creating a second branch.
		if out, err := g.git(root, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			branch = strings.TrimSpace(out)
		}
		return &Sandbox{Root: root, Branch: branch, AgentID: agentID, TaskID: task.ID, ProjectID: project.ID}, nil
	}

	if _, err := os.Stat(root); err == nil {
		return &Sandbox{Root: root, Branch: branch, AgentID: agentID, TaskID: task.ID, ProjectID: project.ID}, nil
	}

	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "creating worktree parent dir", err)
	}
	if _, err := g.git(project.WorkingDirRoot, "worktree", "add", "-b", branch, root); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "git worktree add failed", err)
	}
	return &Sandbox{Root: root, Branch: branch, AgentID: agentID, TaskID: task.ID, ProjectID: project.ID}, nil
}

// Write creates/overwrites file (relative to the sandbox root) with bytes.
func (g *Gateway) Write(sb *Sandbox, file string, data []byte) error {
	path := filepath.Join(sb.Root, file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return orcherr.Wrap(orcherr.Transient, "creating parent directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return orcherr.Wrap(orcherr.Transient, "writing file", err)
	}
	return nil
}

// Read returns file's contents relative to the sandbox root.
func (g *Gateway) Read(sb *Sandbox, file string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(sb.Root, file))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.NotFound, "reading file", err)
	}
	return data, nil
}

// ListChanges returns every path with uncommitted changes in sb.
func (g *Gateway) ListChanges(sb *Sandbox) ([]string, error) {
	out, err := g.git(sb.Root, "status", "--porcelain")
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "git status failed", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		paths = append(paths, fields[len(fields)-1])
	}
	return paths, nil
}

// StageAndCommit commits every change in sb with message, authored by
// author (an agent display name + synthetic email), and returns the local
// commit id. This is a local commit only — no network call.
func (g *Gateway) StageAndCommit(sb *Sandbox, message, author string) (string, error) {
	if _, err := g.git(sb.Root, "add", "-A"); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "git add failed", err)
	}
	authorFlag := fmt.Sprintf("%s <%s@agents.hortator.local>", author, strings.ToLower(strings.ReplaceAll(author, " ", ".")))
	if _, err := g.git(sb.Root, "commit", "--allow-empty", "-m", message, "--author", authorFlag); err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "git commit failed", err)
	}
	out, err := g.git(sb.Root, "rev-parse", "HEAD")
	if err != nil {
		return "", orcherr.Wrap(orcherr.Transient, "git rev-parse failed", err)
	}
	return strings.TrimSpace(out), nil
}

// Publish pushes sb's branch and opens a review on the Forge. Publishing a
// sandbox whose change-set already exists is idempotent and returns the
// existing reference.
func (g *Gateway) Publish(ctx context.Context, sb *Sandbox, title, body string) (*ChangeSetRef, error) {
	if sb.changeSet != nil {
		existing := *sb.changeSet
		return &existing, nil
	}
	if _, err := g.git(sb.Root, "push", "-u", "origin", sb.Branch); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "git push failed", err)
	}
	ref, err := g.Forge.OpenReview(ctx, sb.Branch, title, body)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "forge open-review failed", err)
	}
	sb.changeSet = ref
	return ref, nil
}

// Release removes sb's working copy on success, or leaves it on disk (for
// diagnostics) on failure.
func (g *Gateway) Release(sb *Sandbox, keepForDiagnostics bool) error {
	if keepForDiagnostics {
		return nil
	}
	if _, err := g.git(filepath.Dir(filepath.Dir(filepath.Dir(sb.Root))), "worktree", "remove", "--force", sb.Root); err != nil {
		// Best-effort: a missing worktree root is not worth failing the
		// caller's cleanup path over.
		_ = os.RemoveAll(sb.Root)
	}
	return nil
}

// WallClockCeiling is the hard ceiling on one execution cycle: 20x the
// per-provider brain timeout.
func WallClockCeiling(brainTimeout time.Duration) time.Duration {
	return 20 * brainTimeout
}
