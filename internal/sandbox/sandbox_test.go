/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package sandbox

import (
	"context"
	"testing"

	"github.com/hortator-ai/orchestrator/internal/ids"
)

type fakeForge struct {
	opened int
}

func (f *fakeForge) OpenReview(ctx context.Context, branch, title, body string) (*ChangeSetRef, error) {
	f.opened++
	return &ChangeSetRef{BranchName: branch, ReviewNumber: f.opened}, nil
}
func (f *fakeForge) Merge(ctx context.Context, ref ChangeSetRef) error { return nil }
func (f *fakeForge) ReadCIStatus(ctx context.Context, ref ChangeSetRef) (CIStatus, string, error) {
	return CIPassing, "", nil
}
func (f *fakeForge) CloseReview(ctx context.Context, ref ChangeSetRef) error { return nil }

func TestBranchNameEmbedsBothIDs(t *testing.T) {
	agent := ids.New()
	task := ids.New()
	name := BranchName(agent, task)
	if name == "" {
		t.Fatal("expected non-empty branch name")
	}
	if got := BranchName(agent, task); got != name {
		t.Fatal("branch name must be deterministic for the same pair")
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	forge := &fakeForge{}
	gw := &Gateway{Forge: forge, runGit: func(dir string, args ...string) (string, error) { return "", nil }}
	sb := &Sandbox{Root: "/tmp/sb", Branch: "hortator/a/b"}

	ref1, err := gw.Publish(context.Background(), sb, "t", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ref2, err := gw.Publish(context.Background(), sb, "t", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if forge.opened != 1 {
		t.Fatalf("expected exactly one OpenReview call, got %d", forge.opened)
	}
	if ref1.BranchName != ref2.BranchName {
		t.Fatal("expected the same reference on repeat publish")
	}
}

func TestWallClockCeilingIsTwentyXBrainTimeout(t *testing.T) {
	if got, want := WallClockCeiling(15), int64(300); int64(got) != want {
		t.Fatalf("got %v want %v", got, want)
	}
}
