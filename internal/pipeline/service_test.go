package pipeline

import (
	"context"
	"testing"

	"github.com/flowgate/flowgate/internal/apperr"
	"github.com/flowgate/flowgate/internal/approval"
	"github.com/flowgate/flowgate/internal/auth/gate"
	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/risk"
	"github.com/flowgate/flowgate/internal/task"
)

const wideOpenSchema = `{"type": "object", "required": ["moduleSlug", "capability"]}`

type testEnv struct {
	svc       *Service
	approvals *approval.MemStore
	tasks     *task.MemStore
	queue     *dispatch.MemQueue
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	g, err := gate.New()
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	reg := capability.NewRegistry()
	err = reg.Register(capability.Descriptor{
		ModuleSlug: "mod", Name: "cap", InputSchema: wideOpenSchema,
	}, capability.HandlerFunc(func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	env := &testEnv{
		approvals: approval.NewMemStore(),
		tasks:     task.NewMemStore(),
		queue:     dispatch.NewMemQueue(),
	}
	env.svc = New(Options{
		Approvals: env.approvals,
		Tasks:     env.tasks,
		Queue:     env.queue,
		Registry:  reg,
		Scorer:    risk.NewScorer(risk.DefaultThresholds()),
		Gate:      g,
	})
	return env
}

func payload(extra map[string]any) map[string]any {
	p := map[string]any{"moduleSlug": "mod", "capability": "cap"}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

var (
	alice = Identity{TenantID: "t1", ActorID: "alice", Role: gate.RoleMember}
	bob   = Identity{TenantID: "t1", ActorID: "bob", Role: gate.RoleAdmin}
)

func TestSubmitApproveEnqueue(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	a, err := env.svc.Submit(ctx, alice, "module:mod", payload(map[string]any{"bulk": true}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != approval.StatusPending || a.RiskScore <= 0 {
		t.Fatalf("submitted: %+v", a)
	}
	if a.AuditLog[0].Metadata["riskScore"] == nil || a.AuditLog[0].Metadata["riskLevel"] == nil {
		t.Fatalf("submitted event missing risk breakdown: %+v", a.AuditLog[0].Metadata)
	}

	if _, err := env.svc.Decide(ctx, bob, a.ID, approval.DecisionApprove, "go"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	tk, err := env.svc.EnqueueApproved(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if tk.ActionApprovalID != a.ID || tk.Status != task.StatusQueued {
		t.Fatalf("task: %+v", tk)
	}

	got, err := env.approvals.Get(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != approval.StatusEnqueued {
		t.Fatalf("status = %s", got.Status)
	}
	kinds := []approval.EventKind{}
	for _, ev := range got.AuditLog {
		kinds = append(kinds, ev.Event)
	}
	want := []approval.EventKind{approval.EventSubmitted, approval.EventApproved, approval.EventEnqueued}
	if len(kinds) != len(want) {
		t.Fatalf("audit kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("audit kinds = %v, want %v", kinds, want)
		}
	}
	if err := approval.VerifyChain(got.AuditLog); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	claims, err := env.queue.Claim(ctx, "w1", 1, 0)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claims))
	}
	if claims[0].Job.ApprovalID != a.ID || claims[0].Job.TaskID != tk.ID {
		t.Fatalf("job: %+v", claims[0].Job)
	}
}

func TestEnqueueApprovedIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a, err := env.svc.Submit(ctx, alice, "module:mod", payload(nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.svc.Decide(ctx, bob, a.ID, approval.DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	first, err := env.svc.EnqueueApproved(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := env.svc.EnqueueApproved(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("repeat enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeat enqueue made a new task: %s vs %s", first.ID, second.ID)
	}

	claims, _ := env.queue.Claim(ctx, "w1", 10, 0)
	if len(claims) != 1 {
		t.Fatalf("jobs on lane = %d, want 1", len(claims))
	}
	got, _ := env.approvals.Get(ctx, "t1", a.ID)
	enqueued := 0
	for _, ev := range got.AuditLog {
		if ev.Event == approval.EventEnqueued {
			enqueued++
		}
	}
	if enqueued != 1 {
		t.Fatalf("enqueued audit entries = %d, want 1", enqueued)
	}
}

func TestEnqueueApprovedReDriveKeepsTaskIdentity(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a, err := env.svc.Submit(ctx, alice, "module:mod", payload(nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.approvals.Decide(ctx, "t1", a.ID, "bob", approval.DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// crash window: the task row and the queue entry landed, but
	// MarkEnqueued never ran, so the approval is still approved
	orig := &task.Task{
		ID: "t-orig", TenantID: "t1", UserID: "alice", Type: task.TypeActionExecution,
		Status: task.StatusQueued, Payload: a.Payload, ModuleSlug: "mod",
		QueueName: dispatch.DefaultLane, JobID: "j-orig", ActionApprovalID: a.ID,
	}
	if err := env.tasks.Upsert(ctx, orig); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := env.queue.Enqueue(ctx, dispatch.Job{
		TaskID: orig.ID, ApprovalID: a.ID, TenantID: "t1",
		ModuleSlug: "mod", Capability: "cap", Payload: a.Payload,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	redriven, err := env.svc.EnqueueApproved(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("re-drive: %v", err)
	}
	if redriven.ID != "t-orig" || redriven.JobID != "j-orig" {
		t.Fatalf("re-drive replaced the task identity: %+v", redriven)
	}

	claims, err := env.queue.Claim(ctx, "w1", 10, 0)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claims))
	}
	// the deduplicated job on the lane must still resolve to a live task
	if claims[0].Job.TaskID != redriven.ID {
		t.Fatalf("job task %s does not match task row %s", claims[0].Job.TaskID, redriven.ID)
	}
	if err := env.tasks.SetStatus(ctx, "t1", claims[0].Job.TaskID, task.StatusRunning); err != nil {
		t.Fatalf("worker status update against re-driven task: %v", err)
	}
	got, _ := env.approvals.Get(ctx, "t1", a.ID)
	if got.Status != approval.StatusEnqueued {
		t.Fatalf("status after re-drive = %s", got.Status)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a, err := env.svc.Submit(ctx, alice, "module:mod", payload(nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.svc.Decide(ctx, bob, a.ID, approval.DecisionReject, "too risky"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.svc.Decide(ctx, bob, a.ID, approval.DecisionApprove, ""); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("approve after reject: %v", err)
	}
	if _, err := env.svc.EnqueueApproved(ctx, "t1", a.ID); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("enqueue after reject: %v", err)
	}
	if _, err := env.tasks.GetByApproval(ctx, "t1", a.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("rejected approval grew a task: %v", err)
	}
	if claims, _ := env.queue.Claim(ctx, "w1", 10, 0); len(claims) != 0 {
		t.Fatalf("rejected approval reached the lane")
	}
}

func TestDecideGateByRiskLevel(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	// bulk + sensitive + no undo pushes the score past the member ceiling
	a, err := env.svc.Submit(ctx, alice, "cron", payload(map[string]any{
		"bulk": true, "dataClassification": "pii",
	}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	member := Identity{TenantID: "t1", ActorID: "mallory", Role: gate.RoleMember}
	if _, err := env.svc.Decide(ctx, member, a.ID, approval.DecisionApprove, ""); !apperr.Is(err, apperr.CodeForbidden) {
		t.Fatalf("member decided high risk: %v", err)
	}
	// the refusal must not consume the pending state
	if _, err := env.svc.Decide(ctx, bob, a.ID, approval.DecisionApprove, ""); err != nil {
		t.Fatalf("admin decide after refusal: %v", err)
	}
}

func TestSubmitRejectsBadPayloads(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	if _, err := env.svc.Submit(ctx, alice, "api", map[string]any{"capability": "cap"}); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("missing moduleSlug: %v", err)
	}
	if _, err := env.svc.Submit(ctx, alice, "api", payload(map[string]any{"tenantId": "t2"})); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("cross-tenant payload: %v", err)
	}
	if _, err := env.svc.Submit(ctx, alice, "tenant:t2:cron", payload(nil)); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("cross-tenant source: %v", err)
	}
	if _, err := env.svc.Submit(ctx, alice, "api", map[string]any{"moduleSlug": "ghost", "capability": "cap"}); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("unknown capability: %v", err)
	}
}

func TestAuditLogVisibility(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a, err := env.svc.Submit(ctx, alice, "module:mod", payload(nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.svc.AuditLog(ctx, alice, a.ID); !apperr.Is(err, apperr.CodeForbidden) {
		t.Fatalf("member read audit: %v", err)
	}
	log, err := env.svc.AuditLog(ctx, bob, a.ID)
	if err != nil || len(log) != 1 {
		t.Fatalf("admin audit: %v (%d)", err, len(log))
	}
}

func TestRecoverAllReEnqueuesStuckApprovals(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	a, err := env.svc.Submit(ctx, alice, "module:mod", payload(nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// decision landed but the enqueue step never ran (crash window)
	if _, err := env.approvals.Decide(ctx, "t1", a.ID, "bob", approval.DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	n, err := env.svc.RecoverAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recoverAll: n=%d err=%v", n, err)
	}
	got, _ := env.approvals.Get(ctx, "t1", a.ID)
	if got.Status != approval.StatusEnqueued {
		t.Fatalf("status = %s", got.Status)
	}
	if n, err := env.svc.RecoverAll(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}
