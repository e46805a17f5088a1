/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package events publishes the "task completed" knowledge-extraction
// hand-off: when a change-set merges, the task's title and description,
// with token and cost figures when an execution record is supplied,
// become a fact future decomposition/review prompts
// can search for via vector search. Publication is a thin JSON-over-NATS
// wrapper exposing the one subject this system needs.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/hortator-ai/orchestrator/internal/domain"
	"github.com/hortator-ai/orchestrator/internal/ids"
)

// TaskCompletedSubject is the one subject this system publishes to.
const TaskCompletedSubject = "hortator.task.completed"

// TaskCompleted is the payload published when a change-set merges and its
// task transitions to COMPLETED.
type TaskCompleted struct {
	TaskID       ids.ID    `json:"task_id"`
	ProjectID    ids.ID    `json:"project_id"`
	ChangeSetID  ids.ID    `json:"change_set_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	CompletedAt  time.Time `json:"completed_at"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostSubCents int64     `json:"cost_sub_cents"`
}

// Publisher wraps a NATS connection with reconnect handling, exposing
// only the one publish operation this system needs.
type Publisher struct {
	conn *nc.Conn
}

// Connect dials url with indefinite reconnect.
func Connect(url string) (*Publisher, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
	}
	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Close closes the underlying connection without draining it.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// PublishTaskCompleted emits one TaskCompleted event for task, which must
// already carry a non-nil ChangeSetID and CompletedAt.
func (p *Publisher) PublishTaskCompleted(task *domain.Task, record *domain.ExecutionRecord) error {
	if task.ChangeSetID == nil || task.CompletedAt == nil {
		return fmt.Errorf("task %s has no change-set or completion timestamp to publish", task.ID)
	}
	evt := TaskCompleted{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		ChangeSetID: *task.ChangeSetID,
		Title:       task.Title,
		Description: task.Description,
		CompletedAt: *task.CompletedAt,
	}
	if record != nil {
		evt.InputTokens = record.InputTokens
		evt.OutputTokens = record.OutputTokens
		evt.CostSubCents = record.CostSubCents
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling task-completed event: %w", err)
	}
	if err := p.conn.Publish(TaskCompletedSubject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", TaskCompletedSubject, err)
	}
	return nil
}
