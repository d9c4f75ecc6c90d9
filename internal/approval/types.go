package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/flowgate/flowgate/internal/apperr"
)

// Status is the approval lifecycle state. Terminal states are rejected,
// executed and failed; a failed action is resubmitted as a new approval,
// never resurrected in place.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEnqueued  Status = "enqueued"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// EventKind enumerates audit trail entries. Only "executing" may repeat.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventApproved  EventKind = "approved"
	EventRejected  EventKind = "rejected"
	EventEnqueued  EventKind = "enqueued"
	EventExecuting EventKind = "executing"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// SystemActor is the audit "by" value for machine-driven transitions.
const SystemActor = "system"

// AuditEvent is immutable once written. Events for one approval form a
// sha256 hash chain: Hash covers Prev plus the event body, so rewriting
// history invalidates every later entry.
type AuditEvent struct {
	Seq      int            `json:"seq"`
	Event    EventKind      `json:"event"`
	At       time.Time      `json:"at"`
	By       string         `json:"by"`
	Note     string         `json:"note,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Prev     string         `json:"prev"`
	Hash     string         `json:"hash"`
}

// ActionApproval is one proposed side-effecting action.
type ActionApproval struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
	RiskScore  int            `json:"risk_score"`
	Status     Status         `json:"status"`
	CreatedBy  string         `json:"created_by"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	AuditLog   []AuditEvent   `json:"audit_log"`
}

// ModuleSlug returns payload.moduleSlug, empty when absent.
func (a *ActionApproval) ModuleSlug() string {
	s, _ := a.Payload["moduleSlug"].(string)
	return s
}

// Capability returns payload.capability, empty when absent.
func (a *ActionApproval) Capability() string {
	s, _ := a.Payload["capability"].(string)
	return s
}

// Filter narrows pending listings.
type Filter struct {
	Status     Status
	ModuleSlug string
	CreatedBy  string
}

// Page mirrors the store's paging contract.
type Page struct {
	Page int
	Size int
	Sort string // created_at_desc|created_at_asc
}

var zeroHash = hex.EncodeToString(make([]byte, 32))

// chainHash computes the hash of ev given the previous entry's hash.
// The hash field itself is zeroed before marshalling, same scheme as a
// file-backed chain writer: sha256(prevBytes || json(ev)).
func chainHash(prev string, ev AuditEvent) string {
	ev.Hash = ""
	ev.Prev = prev
	b, _ := json.Marshal(ev)
	pb, _ := hex.DecodeString(prev)
	h := sha256.Sum256(append(pb, b...))
	return hex.EncodeToString(h[:])
}

// NextEvent builds the audit entry that extends log with kind. It assigns
// the sequence number and links the hash chain; it does not persist.
func NextEvent(log []AuditEvent, kind EventKind, by, note string, meta map[string]any, at time.Time) AuditEvent {
	prev := zeroHash
	seq := 0
	if n := len(log); n > 0 {
		prev = log[n-1].Hash
		seq = log[n-1].Seq + 1
		if !at.After(log[n-1].At) {
			// clock skew guard: keep "at" non-decreasing within one approval
			at = log[n-1].At
		}
	}
	ev := AuditEvent{Seq: seq, Event: kind, At: at.UTC(), By: by, Note: note, Metadata: meta, Prev: prev}
	ev.Hash = chainHash(prev, ev)
	return ev
}

// VerifyChain recomputes every link and returns the first broken entry.
func VerifyChain(log []AuditEvent) error {
	prev := zeroHash
	for i, ev := range log {
		if ev.Prev != prev {
			return apperr.Validation("audit chain broken at seq %d: prev mismatch", ev.Seq)
		}
		if chainHash(prev, ev) != ev.Hash {
			return apperr.Validation("audit chain broken at seq %d: hash mismatch", ev.Seq)
		}
		if i > 0 && ev.At.Before(log[i-1].At) {
			return apperr.Validation("audit chain broken at seq %d: time went backwards", ev.Seq)
		}
		prev = ev.Hash
	}
	return nil
}

// ReplayStatus derives the status implied by an audit log. The stored
// status and the replayed status must always agree.
func ReplayStatus(log []AuditEvent) (Status, error) {
	if len(log) == 0 {
		return "", apperr.Validation("empty audit log")
	}
	if log[0].Event != EventSubmitted {
		return "", apperr.Validation("audit log must start with submitted")
	}
	st := StatusPending
	for _, ev := range log[1:] {
		next, ok := replayTransition(st, ev.Event)
		if !ok {
			return "", apperr.InvalidState("event %s not valid from status %s", ev.Event, st)
		}
		st = next
	}
	return st, nil
}

func replayTransition(from Status, ev EventKind) (Status, bool) {
	switch ev {
	case EventApproved:
		return StatusApproved, from == StatusPending
	case EventRejected:
		return StatusRejected, from == StatusPending
	case EventEnqueued:
		return StatusEnqueued, from == StatusApproved
	case EventExecuting:
		return StatusExecuting, from == StatusEnqueued || from == StatusExecuting
	case EventCompleted:
		return StatusExecuted, from == StatusExecuting
	case EventFailed:
		return StatusFailed, from == StatusExecuting
	}
	return from, false
}
