package task

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-memory task store (dev/testing fallback).
type MemStore struct {
	mu         sync.Mutex
	byID       map[string]*Task // tenant+"/"+id
	byApproval map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{byID: map[string]*Task{}, byApproval: map[string]string{}}
}

func k(tenantID, id string) string { return tenantID + "/" + id }

func cp(t *Task) *Task {
	c := *t
	return &c
}

func (m *MemStore) Upsert(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prevID, ok := m.byApproval[k(t.TenantID, t.ActionApprovalID)]; ok && prevID != t.ID {
		delete(m.byID, k(t.TenantID, prevID))
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.byID[k(t.TenantID, t.ID)] = cp(t)
	m.byApproval[k(t.TenantID, t.ActionApprovalID)] = t.ID
	return nil
}

func (m *MemStore) Get(_ context.Context, tenantID, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID[k(tenantID, id)]
	if t == nil {
		return nil, notFound(id)
	}
	return cp(t), nil
}

func (m *MemStore) GetByApproval(_ context.Context, tenantID, approvalID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byApproval[k(tenantID, approvalID)]
	if !ok {
		return nil, notFound("for approval " + approvalID)
	}
	t := m.byID[k(tenantID, id)]
	if t == nil {
		return nil, notFound(id)
	}
	return cp(t), nil
}

func (m *MemStore) SetStatus(_ context.Context, tenantID, id string, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID[k(tenantID, id)]
	if t == nil {
		return notFound(id)
	}
	t.Status = st
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) SetResult(_ context.Context, tenantID, id string, st Status, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID[k(tenantID, id)]
	if t == nil {
		return notFound(id)
	}
	t.Status = st
	t.Result = result
	t.UpdatedAt = time.Now().UTC()
	return nil
}
