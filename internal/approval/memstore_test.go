package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowgate/flowgate/internal/apperr"
)

func newPending(tenant, id string) *ActionApproval {
	ts := time.Now().UTC()
	return &ActionApproval{
		ID:        id,
		TenantID:  tenant,
		Source:    "module:revops-automation",
		Payload:   map[string]any{"moduleSlug": "revops-automation", "capability": "bulk-update"},
		RiskScore: 50,
		Status:    StatusPending,
		CreatedBy: "alice",
		CreatedAt: ts,
		AuditLog:  []AuditEvent{NextEvent(nil, EventSubmitted, "alice", "", nil, ts)},
	}
}

func TestMemStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Create(ctx, newPending("t1", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, err := st.Decide(ctx, "t1", "a1", "bob", DecisionApprove, "ok")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if a.Status != StatusApproved || a.ApprovedBy != "bob" || a.ApprovedAt == nil {
		t.Fatalf("after approve: %+v", a)
	}

	a, already, err := st.MarkEnqueued(ctx, "t1", "a1", "action-executor", "job-1")
	if err != nil || already {
		t.Fatalf("markEnqueued: already=%v err=%v", already, err)
	}
	if a.Status != StatusEnqueued {
		t.Fatalf("status = %s", a.Status)
	}

	if err := st.RecordExecuting(ctx, "t1", "a1", map[string]any{"attempt": 1}); err != nil {
		t.Fatalf("recordExecuting: %v", err)
	}
	// executing may repeat (retry)
	if err := st.RecordExecuting(ctx, "t1", "a1", map[string]any{"attempt": 2}); err != nil {
		t.Fatalf("recordExecuting repeat: %v", err)
	}

	a, err = st.RecordOutcome(ctx, "t1", "a1", OutcomeCompleted, map[string]any{"durationMs": 12})
	if err != nil {
		t.Fatalf("recordOutcome: %v", err)
	}
	if a.Status != StatusExecuted || a.ExecutedAt == nil {
		t.Fatalf("after outcome: %+v", a)
	}

	if err := VerifyChain(a.AuditLog); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	replayed, err := ReplayStatus(a.AuditLog)
	if err != nil || replayed != a.Status {
		t.Fatalf("replay = %s (%v), status = %s", replayed, err, a.Status)
	}
}

func TestMemStoreDecideRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Create(ctx, newPending("t1", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Decide(ctx, "t1", "a1", "bob", DecisionReject, "nope"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := st.Decide(ctx, "t1", "a1", "bob", DecisionApprove, ""); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("approve after reject: %v", err)
	}
	if _, _, err := st.MarkEnqueued(ctx, "t1", "a1", "lane", "j"); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("enqueue after reject: %v", err)
	}
}

func TestMemStoreConcurrentDecideSingleWinner(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Create(ctx, newPending("t1", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan Decision, n)
	for i := 0; i < n; i++ {
		d := DecisionApprove
		if i%2 == 1 {
			d = DecisionReject
		}
		wg.Add(1)
		go func(d Decision) {
			defer wg.Done()
			if _, err := st.Decide(ctx, "t1", "a1", "racer", d, ""); err == nil {
				wins <- d
			}
		}(d)
	}
	wg.Wait()
	close(wins)
	if len(wins) != 1 {
		t.Fatalf("decision winners = %d, want 1", len(wins))
	}

	a, err := st.Get(ctx, "t1", "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decisions := 0
	for _, ev := range a.AuditLog {
		if ev.Event == EventApproved || ev.Event == EventRejected {
			decisions++
		}
	}
	if decisions != 1 {
		t.Fatalf("decision audit entries = %d, want 1", decisions)
	}
}

func TestMemStoreMarkEnqueuedIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Create(ctx, newPending("t1", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Decide(ctx, "t1", "a1", "bob", DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, already, err := st.MarkEnqueued(ctx, "t1", "a1", "lane", "j1"); err != nil || already {
		t.Fatalf("first enqueue: already=%v err=%v", already, err)
	}
	a, already, err := st.MarkEnqueued(ctx, "t1", "a1", "lane", "j2")
	if err != nil || !already {
		t.Fatalf("repeat enqueue: already=%v err=%v", already, err)
	}
	count := 0
	for _, ev := range a.AuditLog {
		if ev.Event == EventEnqueued {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("enqueued entries = %d, want 1", count)
	}
}

func TestMemStoreTenantIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Create(ctx, newPending("t1", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Get(ctx, "t2", "a1"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("cross-tenant get: %v", err)
	}
	if _, err := st.Decide(ctx, "t2", "a1", "eve", DecisionApprove, ""); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("cross-tenant decide: %v", err)
	}
	items, total, err := st.List(ctx, "t2", Filter{}, Page{})
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("cross-tenant list: %d items, total %d, err %v", len(items), total, err)
	}
}

func TestMemStoreTenantsWithStatus(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	for _, k := range []struct{ tenant, id string }{{"t1", "a1"}, {"t1", "a2"}, {"t2", "b1"}} {
		if err := st.Create(ctx, newPending(k.tenant, k.id)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := st.Decide(ctx, "t1", "a1", "bob", DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := st.Decide(ctx, "t2", "b1", "bob", DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	tenants, err := st.TenantsWithStatus(ctx, StatusApproved)
	if err != nil {
		t.Fatalf("tenantsWithStatus: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("tenants = %v, want two", tenants)
	}
}
