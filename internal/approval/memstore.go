package approval

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/flowgate/flowgate/internal/apperr"
)

// MemStore is an in-memory approval store (dev/testing fallback). It keeps
// the same conditional-transition semantics as the database store.
type MemStore struct {
	mu   sync.Mutex
	data map[string]*ActionApproval // keyed tenantID+"/"+id
}

func NewMemStore() *MemStore { return &MemStore{data: map[string]*ActionApproval{}} }

func key(tenantID, id string) string { return tenantID + "/" + id }

func clone(a *ActionApproval) *ActionApproval {
	cp := *a
	cp.AuditLog = append([]AuditEvent(nil), a.AuditLog...)
	return &cp
}

func (m *MemStore) Create(_ context.Context, a *ActionApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.TenantID, a.ID)
	if _, ok := m.data[k]; ok {
		return apperr.Validation("duplicate approval id %s", a.ID)
	}
	if len(a.AuditLog) != 1 || a.AuditLog[0].Event != EventSubmitted {
		return apperr.Validation("new approval must carry exactly one submitted event")
	}
	m.data[k] = clone(a)
	return nil
}

func (m *MemStore) Get(_ context.Context, tenantID, id string) (*ActionApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.data[key(tenantID, id)]
	if a == nil {
		return nil, apperr.NotFound("approval %s not found", id)
	}
	return clone(a), nil
}

func (m *MemStore) List(_ context.Context, tenantID string, f Filter, p Page) ([]*ActionApproval, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var arr []*ActionApproval
	for _, a := range m.data {
		if a.TenantID != tenantID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.ModuleSlug != "" && a.ModuleSlug() != f.ModuleSlug {
			continue
		}
		if f.CreatedBy != "" && a.CreatedBy != f.CreatedBy {
			continue
		}
		arr = append(arr, clone(a))
	}
	desc := strings.ToLower(p.Sort) != "created_at_asc"
	sort.Slice(arr, func(i, j int) bool {
		if desc {
			return arr[i].CreatedAt.After(arr[j].CreatedAt)
		}
		return arr[i].CreatedAt.Before(arr[j].CreatedAt)
	})
	total := len(arr)
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	start := (p.Page - 1) * p.Size
	if start >= total {
		return []*ActionApproval{}, total, nil
	}
	end := start + p.Size
	if end > total {
		end = total
	}
	return arr[start:end], total, nil
}

func (m *MemStore) TenantsWithStatus(_ context.Context, st Status) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, a := range m.data {
		if a.Status == st && !seen[a.TenantID] {
			seen[a.TenantID] = true
			out = append(out, a.TenantID)
		}
	}
	return out, nil
}

func (m *MemStore) Decide(_ context.Context, tenantID, id, actorID string, d Decision, note string) (*ActionApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.data[key(tenantID, id)]
	if a == nil {
		return nil, apperr.NotFound("approval %s not found", id)
	}
	if a.Status != StatusPending {
		return nil, apperr.InvalidState("approval %s is %s, not pending", id, a.Status)
	}
	kind, st := decisionEvent(d)
	ts := now()
	a.AuditLog = append(a.AuditLog, NextEvent(a.AuditLog, kind, actorID, note, nil, ts))
	a.Status = st
	if d == DecisionApprove {
		a.ApprovedBy = actorID
		t := ts
		a.ApprovedAt = &t
	}
	return clone(a), nil
}

func (m *MemStore) MarkEnqueued(_ context.Context, tenantID, id, queueName, jobID string) (*ActionApproval, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.data[key(tenantID, id)]
	if a == nil {
		return nil, false, apperr.NotFound("approval %s not found", id)
	}
	if a.Status == StatusEnqueued || a.Status == StatusExecuting || a.Status == StatusExecuted || a.Status == StatusFailed {
		return clone(a), true, nil
	}
	if a.Status != StatusApproved {
		return nil, false, apperr.InvalidState("approval %s is %s, not approved", id, a.Status)
	}
	meta := map[string]any{"queueName": queueName, "jobId": jobID}
	a.AuditLog = append(a.AuditLog, NextEvent(a.AuditLog, EventEnqueued, SystemActor, "", meta, now()))
	a.Status = StatusEnqueued
	return clone(a), false, nil
}

func (m *MemStore) RecordExecuting(_ context.Context, tenantID, id string, progress map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.data[key(tenantID, id)]
	if a == nil {
		return apperr.NotFound("approval %s not found", id)
	}
	if a.Status != StatusEnqueued && a.Status != StatusExecuting {
		return apperr.InvalidState("approval %s is %s, not enqueued/executing", id, a.Status)
	}
	a.AuditLog = append(a.AuditLog, NextEvent(a.AuditLog, EventExecuting, SystemActor, "", progress, now()))
	a.Status = StatusExecuting
	return nil
}

func (m *MemStore) RecordOutcome(_ context.Context, tenantID, id string, outcome Outcome, meta map[string]any) (*ActionApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.data[key(tenantID, id)]
	if a == nil {
		return nil, apperr.NotFound("approval %s not found", id)
	}
	if a.Status != StatusExecuting {
		return nil, apperr.InvalidState("approval %s is %s, not executing", id, a.Status)
	}
	kind, st := outcomeEvent(outcome)
	ts := now()
	a.AuditLog = append(a.AuditLog, NextEvent(a.AuditLog, kind, SystemActor, "", meta, ts))
	a.Status = st
	if outcome == OutcomeCompleted {
		t := ts
		a.ExecutedAt = &t
	}
	return clone(a), nil
}
