// Package task tracks the execution-side shadow of an approved action.
// Exactly one task exists per successfully enqueued approval; re-enqueue
// after failure supersedes the prior record, never duplicates it.
package task

import (
	"context"
	"time"

	"github.com/flowgate/flowgate/internal/apperr"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TypeActionExecution is the only task type this pipeline produces.
const TypeActionExecution = "action-execution"

type Task struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	UserID           string         `json:"user_id"`
	Type             string         `json:"type"`
	Status           Status         `json:"status"`
	Payload          map[string]any `json:"payload"`
	ModuleSlug       string         `json:"module_slug"`
	QueueName        string         `json:"queue_name"`
	JobID            string         `json:"job_id"`
	ActionApprovalID string         `json:"action_approval_id"`
	Result           map[string]any `json:"result,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Store persists tasks. Upsert is keyed by (tenant, approval id) so a
// re-enqueue replaces the prior task instead of adding a sibling.
type Store interface {
	Upsert(ctx context.Context, t *Task) error
	Get(ctx context.Context, tenantID, id string) (*Task, error)
	GetByApproval(ctx context.Context, tenantID, approvalID string) (*Task, error)
	SetStatus(ctx context.Context, tenantID, id string, st Status) error
	SetResult(ctx context.Context, tenantID, id string, st Status, result map[string]any) error
}

func notFound(id string) error { return apperr.NotFound("task %s not found", id) }
