package task

import (
	"context"
	"testing"

	"github.com/flowgate/flowgate/internal/apperr"
)

func sample(id, approvalID string) *Task {
	return &Task{
		ID: id, TenantID: "t1", UserID: "alice", Type: TypeActionExecution,
		Status: StatusQueued, ModuleSlug: "mod", QueueName: "lane",
		JobID: "j-" + id, ActionApprovalID: approvalID,
	}
}

func TestMemStoreUpsertSupersedes(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Upsert(ctx, sample("t-1", "a1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// re-enqueue for the same approval replaces the prior task
	if err := st.Upsert(ctx, sample("t-2", "a1")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := st.GetByApproval(ctx, "t1", "a1")
	if err != nil {
		t.Fatalf("getByApproval: %v", err)
	}
	if got.ID != "t-2" {
		t.Fatalf("task id = %s, want t-2", got.ID)
	}
	if _, err := st.Get(ctx, "t1", "t-1"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("superseded task still present: %v", err)
	}
}

func TestMemStoreStatusAndResult(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Upsert(ctx, sample("t-1", "a1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.SetStatus(ctx, "t1", "t-1", StatusRunning); err != nil {
		t.Fatalf("setStatus: %v", err)
	}
	if err := st.SetResult(ctx, "t1", "t-1", StatusCompleted, map[string]any{"success": true}); err != nil {
		t.Fatalf("setResult: %v", err)
	}
	got, err := st.Get(ctx, "t1", "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.Result["success"] != true {
		t.Fatalf("task: %+v", got)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Fatalf("updatedAt regressed")
	}
}

func TestMemStoreTenantIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Upsert(ctx, sample("t-1", "a1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.Get(ctx, "t2", "t-1"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("cross-tenant get: %v", err)
	}
	if _, err := st.GetByApproval(ctx, "t2", "a1"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("cross-tenant getByApproval: %v", err)
	}
}
