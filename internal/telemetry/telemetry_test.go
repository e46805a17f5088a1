/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package telemetry

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
)

func TestRegistryCollectsEveryMetric(t *testing.T) {
	reg := Registry()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestRecordExecutionUpdatesHistograms(t *testing.T) {
	task := &domain.Task{ID: ids.New(), ProjectID: ids.New(), Status: domain.TaskInReview, Type: domain.TaskImplementation}
	record := &domain.ExecutionRecord{
		ID: ids.New(), TaskID: task.ID, Outcome: "PUBLISHED",
		InputTokens: 100, OutputTokens: 50, CostSubCents: 250, BrainDuration: 4 * time.Second,
	}

	before := durationSampleCount(t)
	RecordExecution(context.Background(), task, record)
	after := durationSampleCount(t)
	if after != before+1 {
		t.Fatalf("expected one new observation, went from %d to %d", before, after)
	}
}

func durationSampleCount(t *testing.T) uint64 {
	t.Helper()
	pb := &dto.Metric{}
	if err := ExecutionDuration.Write(pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return pb.GetHistogram().GetSampleCount()
}
