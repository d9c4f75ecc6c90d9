package approval

import (
	"context"
	"time"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Outcome is the terminal result of executing an approved action.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Store owns the approval state machine. Every method is tenant-scoped:
// a lookup with the wrong tenant behaves exactly like a missing row.
// Transitions are single conditional updates; a concurrent loser gets
// an invalid_state error, never a silent overwrite.
type Store interface {
	// Create persists a new approval; the caller supplies the record with
	// status pending and exactly one submitted audit entry.
	Create(ctx context.Context, a *ActionApproval) error

	Get(ctx context.Context, tenantID, id string) (*ActionApproval, error)

	List(ctx context.Context, tenantID string, f Filter, p Page) (items []*ActionApproval, total int, err error)

	// Decide transitions pending -> approved|rejected and appends the
	// matching audit entry atomically.
	Decide(ctx context.Context, tenantID, id, actorID string, d Decision, note string) (*ActionApproval, error)

	// MarkEnqueued transitions approved -> enqueued. A repeat call is a
	// no-op reported via alreadyEnqueued so the producer side can log the
	// conflict instead of double-enqueuing.
	MarkEnqueued(ctx context.Context, tenantID, id, queueName, jobID string) (a *ActionApproval, alreadyEnqueued bool, err error)

	// RecordExecuting appends a repeatable executing entry; valid from
	// enqueued or executing.
	RecordExecuting(ctx context.Context, tenantID, id string, progress map[string]any) error

	// RecordOutcome transitions executing -> executed|failed and stamps
	// executedAt on success.
	RecordOutcome(ctx context.Context, tenantID, id string, outcome Outcome, meta map[string]any) (*ActionApproval, error)

	// TenantsWithStatus lists tenants holding at least one approval in the
	// given status; the recovery sweep uses it to find stuck approvals.
	TenantsWithStatus(ctx context.Context, st Status) ([]string, error)
}

// decisionEvent maps a decision to its audit kind and target status.
func decisionEvent(d Decision) (EventKind, Status) {
	if d == DecisionReject {
		return EventRejected, StatusRejected
	}
	return EventApproved, StatusApproved
}

// outcomeEvent maps an outcome to its audit kind and target status.
func outcomeEvent(o Outcome) (EventKind, Status) {
	if o == OutcomeFailed {
		return EventFailed, StatusFailed
	}
	return EventCompleted, StatusExecuted
}

func now() time.Time { return time.Now().UTC() }
