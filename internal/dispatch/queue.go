// Package dispatch decouples "approved" from "executed": a durable job lane
// with claim/ack semantics, redelivery of stalled claims, and a dead-letter
// lane for jobs that exhausted their retry budget. The core depends on the
// Queue interface only; the redis-streams implementation is injected, so the
// state machine stays testable without a running broker.
package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultLane is the execution lane for approved actions.
const DefaultLane = "action-executor"

// Job is the wire record between approval and execution. The idempotency
// key is the approval id: redundant enqueue attempts for the same approval
// are deduplicated by the queue layer itself.
type Job struct {
	TaskID     string         `json:"taskId"`
	ApprovalID string         `json:"approvalId"`
	TenantID   string         `json:"tenantId"`
	ModuleSlug string         `json:"moduleSlug"`
	Capability string         `json:"capability"`
	Payload    map[string]any `json:"payload"`
}

func (j Job) IdempotencyKey() string { return j.ApprovalID }

func (j Job) encode() []byte {
	b, _ := json.Marshal(j)
	return b
}

func decodeJob(raw []byte) (Job, bool) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil || j.ApprovalID == "" {
		return Job{}, false
	}
	return j, true
}

// Claim is one delivery of a job to a worker. Attempt is the delivery
// count: 1 on first delivery, higher after requeue or stalled reclaim.
type Claim struct {
	Job       Job
	Receipt   string
	Attempt   int
	ClaimedBy string
	ClaimedAt time.Time
}

// DeadLetter retains the full job so a human can inspect and manually
// resubmit; nothing is silently discarded.
type DeadLetter struct {
	Job          Job       `json:"job"`
	Reason       string    `json:"reason"`
	AttemptsMade int       `json:"attemptsMade"`
	FailedAt     time.Time `json:"failedAt"`
}

type Queue interface {
	// Enqueue adds the job unless its idempotency key was seen before;
	// the bool reports whether the job was actually added.
	Enqueue(ctx context.Context, job Job) (bool, error)

	// Claim delivers up to max jobs to consumer, blocking up to block.
	Claim(ctx context.Context, consumer string, max int, block time.Duration) ([]Claim, error)

	// ClaimStalled re-delivers claims idle longer than minIdle (worker
	// crashed mid-execution). Callers run this periodically.
	ClaimStalled(ctx context.Context, consumer string, minIdle time.Duration, max int) ([]Claim, error)

	// Ack removes a delivered job for good.
	Ack(ctx context.Context, c Claim) error

	// Requeue returns a claimed job to the lane for another delivery.
	Requeue(ctx context.Context, c Claim, reason string) error

	// Dead moves a claimed job to the dead-letter lane.
	Dead(ctx context.Context, c Claim, reason string, attemptsMade int) error

	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// RequeueDeadLetters moves up to limit dead letters back onto the lane
	// and returns how many moved.
	RequeueDeadLetters(ctx context.Context, limit int) (int, error)

	Close() error
}
