package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memInflight struct {
	claim Claim
	since time.Time
}

// MemQueue is an in-memory queue with the same claim/ack semantics as the
// redis lane (dev/testing fallback).
type MemQueue struct {
	mu       sync.Mutex
	items    []Job
	seen     map[string]bool // idempotency keys
	attempts map[string]int  // approvalID -> deliveries
	inflight map[string]memInflight
	dead     []DeadLetter
	counter  uint64
}

func NewMemQueue() *MemQueue {
	return &MemQueue{
		seen:     map[string]bool{},
		attempts: map[string]int{},
		inflight: map[string]memInflight{},
	}
}

func (q *MemQueue) Enqueue(_ context.Context, job Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[job.IdempotencyKey()] {
		return false, nil
	}
	q.seen[job.IdempotencyKey()] = true
	q.items = append(q.items, job)
	return true, nil
}

func (q *MemQueue) Claim(_ context.Context, consumer string, max int, _ time.Duration) ([]Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	now := time.Now().UTC()
	out := make([]Claim, 0, max)
	for i := 0; i < max; i++ {
		job := q.items[0]
		q.items = q.items[1:]
		q.counter++
		q.attempts[job.ApprovalID]++
		c := Claim{
			Job:       job,
			Receipt:   fmt.Sprintf("mem:%s:%d", consumer, q.counter),
			Attempt:   q.attempts[job.ApprovalID],
			ClaimedBy: consumer,
			ClaimedAt: now,
		}
		q.inflight[c.Receipt] = memInflight{claim: c, since: now}
		out = append(out, c)
	}
	return out, nil
}

func (q *MemQueue) ClaimStalled(_ context.Context, consumer string, minIdle time.Duration, max int) ([]Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var out []Claim
	for receipt, infl := range q.inflight {
		if max > 0 && len(out) >= max {
			break
		}
		if now.Sub(infl.since) < minIdle {
			continue
		}
		delete(q.inflight, receipt)
		q.counter++
		q.attempts[infl.claim.Job.ApprovalID]++
		c := Claim{
			Job:       infl.claim.Job,
			Receipt:   fmt.Sprintf("mem:%s:%d", consumer, q.counter),
			Attempt:   q.attempts[infl.claim.Job.ApprovalID],
			ClaimedBy: consumer,
			ClaimedAt: now,
		}
		q.inflight[c.Receipt] = memInflight{claim: c, since: now}
		out = append(out, c)
	}
	return out, nil
}

func (q *MemQueue) Ack(_ context.Context, c Claim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, c.Receipt)
	delete(q.attempts, c.Job.ApprovalID)
	return nil
}

func (q *MemQueue) Requeue(_ context.Context, c Claim, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[c.Receipt]; !ok {
		return nil
	}
	delete(q.inflight, c.Receipt)
	q.items = append(q.items, c.Job)
	return nil
}

func (q *MemQueue) Dead(_ context.Context, c Claim, reason string, attemptsMade int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, c.Receipt)
	delete(q.attempts, c.Job.ApprovalID)
	q.dead = append(q.dead, DeadLetter{Job: c.Job, Reason: reason, AttemptsMade: attemptsMade, FailedAt: time.Now().UTC()})
	return nil
}

func (q *MemQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]DeadLetter, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

func (q *MemQueue) RequeueDeadLetters(_ context.Context, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	moved := 0
	for i := 0; i < limit; i++ {
		q.items = append(q.items, q.dead[i].Job)
		moved++
	}
	q.dead = q.dead[limit:]
	return moved, nil
}

func (q *MemQueue) Close() error { return nil }
