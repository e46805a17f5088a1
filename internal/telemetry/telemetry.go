/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package telemetry is the ambient observability stack: Prometheus
// counters and histograms plus an OpenTelemetry tracer. Task, daily-cap and
// draft-task series are labelled per organization, escalations by level,
// CI bounces by project; the execution histograms carry no labels.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hortator-ai/orchestrator/internal/domain"
)

var (
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hortator_tasks_total",
			Help: "Total number of tasks by status and organization",
		},
		[]string{"status", "organization"},
	)
	TasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hortator_tasks_active",
			Help: "Number of currently IN_PROGRESS tasks by organization",
		},
		[]string{"organization"},
	)
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hortator_execution_duration_seconds",
			Help:    "Duration of a single execution cycle's brain call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~16384s
		},
	)
	ExecutionCostUsd = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hortator_execution_cost_usd",
			Help:    "Estimated cost in USD per execution-cycle brain call",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0},
		},
	)
	DailyCapTrippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hortator_daily_cap_tripped_total",
			Help: "Total number of times an organization's daily cost cap tripped the emergency stop",
		},
		[]string{"organization"},
	)
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hortator_escalations_total",
			Help: "Total number of escalation-ladder transitions by target level",
		},
		[]string{"level"},
	)
	CIRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hortator_ci_retry_total",
			Help: "Total number of CI-failure bounces by project",
		},
		[]string{"project"},
	)
	DraftTasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hortator_draft_tasks_total",
			Help: "Number of tasks with neither a team nor an agent assigned, by organization",
		},
		[]string{"organization"},
	)
)

// Registry builds a registry holding every collector above. Returning a
// fresh registry instead of MustRegister-ing against the global default
// keeps this package safe to construct more than once in tests.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		TasksTotal, TasksActive, ExecutionDuration, ExecutionCostUsd,
		DailyCapTrippedTotal, EscalationsTotal, CIRetryTotal, DraftTasksTotal,
	)
	return r
}

var tracer = otel.Tracer("hortator.ai/orchestrator")

func taskEventAttrs(task *domain.Task) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("hortator.task.id", task.ID.String()),
		attribute.String("hortator.task.project", task.ProjectID.String()),
		attribute.String("hortator.task.status", string(task.Status)),
		attribute.String("hortator.task.type", string(task.Type)),
		attribute.Int("hortator.task.depth", task.Depth),
	}
	if task.AssignedAgentID != nil {
		attrs = append(attrs, attribute.String("hortator.task.agent", task.AssignedAgentID.String()))
	}
	return attrs
}

// EmitTaskEvent starts a span and records a named event carrying task
// attributes.
func EmitTaskEvent(ctx context.Context, eventName string, task *domain.Task, extra ...attribute.KeyValue) {
	attrs := append(taskEventAttrs(task), extra...)
	_, span := tracer.Start(ctx, eventName)
	defer span.End()
	span.AddEvent(eventName, trace.WithAttributes(attrs...))
}

// terminalEventAttrs are the extra execution-record attributes that
// RecordExecution attaches for every execution attempt.
func terminalEventAttrs(record *domain.ExecutionRecord) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("hortator.execution.outcome", record.Outcome),
		attribute.Int64("hortator.execution.input_tokens", record.InputTokens),
		attribute.Int64("hortator.execution.output_tokens", record.OutputTokens),
		attribute.Int64("hortator.execution.cost_sub_cents", record.CostSubCents),
	}
	return attrs
}

// RecordExecution updates the execution-duration/cost histograms and emits
// a completion span event for one finished execution-cycle attempt.
func RecordExecution(ctx context.Context, task *domain.Task, record *domain.ExecutionRecord) {
	ExecutionDuration.Observe(record.BrainDuration.Seconds())
	ExecutionCostUsd.Observe(float64(record.CostSubCents) / 10000.0)
	EmitTaskEvent(ctx, "execution.recorded", task, terminalEventAttrs(record)...)
}
