package dispatch

import (
	"context"
	"testing"
	"time"
)

func testJob(id string) Job {
	return Job{
		TaskID:     "task-" + id,
		ApprovalID: id,
		TenantID:   "t1",
		ModuleSlug: "revops-automation",
		Capability: "bulk-update",
		Payload:    map[string]any{"entity": "contact"},
	}
}

func TestMemQueueEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()
	added, err := q.Enqueue(ctx, testJob("a1"))
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	added, err = q.Enqueue(ctx, testJob("a1"))
	if err != nil || added {
		t.Fatalf("duplicate enqueue: added=%v err=%v", added, err)
	}
	claims, err := q.Claim(ctx, "w1", 10, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(claims))
	}
}

func TestMemQueueClaimAckRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()
	if _, err := q.Enqueue(ctx, testJob("a1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claims, err := q.Claim(ctx, "w1", 1, 0)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claims))
	}
	if claims[0].Attempt != 1 {
		t.Fatalf("first delivery attempt = %d", claims[0].Attempt)
	}

	if err := q.Requeue(ctx, claims[0], "transient"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	claims, err = q.Claim(ctx, "w1", 1, 0)
	if err != nil || len(claims) != 1 {
		t.Fatalf("reclaim: %v (%d)", err, len(claims))
	}
	if claims[0].Attempt != 2 {
		t.Fatalf("second delivery attempt = %d", claims[0].Attempt)
	}

	if err := q.Ack(ctx, claims[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	claims, err = q.Claim(ctx, "w1", 1, 0)
	if err != nil || len(claims) != 0 {
		t.Fatalf("claim after ack: %v (%d)", err, len(claims))
	}
}

func TestMemQueueStalledReclaim(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()
	if _, err := q.Enqueue(ctx, testJob("a1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claims, err := q.Claim(ctx, "w1", 1, 0)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim: %v", err)
	}

	// still fresh, nothing to reclaim
	stalled, err := q.ClaimStalled(ctx, "w2", time.Hour, 10)
	if err != nil || len(stalled) != 0 {
		t.Fatalf("fresh reclaim: %v (%d)", err, len(stalled))
	}

	stalled, err = q.ClaimStalled(ctx, "w2", 0, 10)
	if err != nil || len(stalled) != 1 {
		t.Fatalf("stalled reclaim: %v (%d)", err, len(stalled))
	}
	if stalled[0].Attempt != 2 || stalled[0].ClaimedBy != "w2" {
		t.Fatalf("stalled claim: %+v", stalled[0])
	}
}

func TestMemQueueDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue()
	if _, err := q.Enqueue(ctx, testJob("a1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claims, err := q.Claim(ctx, "w1", 1, 0)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Dead(ctx, claims[0], "handler exhausted retries", 3); err != nil {
		t.Fatalf("dead: %v", err)
	}

	letters, err := q.DeadLetters(ctx, 10)
	if err != nil || len(letters) != 1 {
		t.Fatalf("deadLetters: %v (%d)", err, len(letters))
	}
	dl := letters[0]
	if dl.Job.ApprovalID != "a1" || dl.Reason != "handler exhausted retries" || dl.AttemptsMade != 3 {
		t.Fatalf("dead letter: %+v", dl)
	}
	if dl.FailedAt.IsZero() {
		t.Fatalf("dead letter missing failedAt")
	}

	moved, err := q.RequeueDeadLetters(ctx, 10)
	if err != nil || moved != 1 {
		t.Fatalf("requeueDeadLetters: %v (%d)", err, moved)
	}
	letters, _ = q.DeadLetters(ctx, 10)
	if len(letters) != 0 {
		t.Fatalf("dead letters left: %d", len(letters))
	}
	claims, err = q.Claim(ctx, "w1", 1, 0)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim after requeue: %v (%d)", err, len(claims))
	}
}

func TestJobCodec(t *testing.T) {
	j := testJob("a1")
	got, ok := decodeJob(j.encode())
	if !ok {
		t.Fatalf("decode failed")
	}
	if got.ApprovalID != j.ApprovalID || got.TaskID != j.TaskID || got.Capability != j.Capability {
		t.Fatalf("round trip: %+v", got)
	}
	if _, ok := decodeJob([]byte("{")); ok {
		t.Fatalf("garbage decoded")
	}
	if _, ok := decodeJob([]byte(`{"taskId":"x"}`)); ok {
		t.Fatalf("job without approval id accepted")
	}
}
