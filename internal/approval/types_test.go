package approval

import (
	"testing"
	"time"
)

func buildLog(t *testing.T, kinds ...EventKind) []AuditEvent {
	t.Helper()
	var log []AuditEvent
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, k := range kinds {
		log = append(log, NextEvent(log, k, "alice", "", nil, at))
		at = at.Add(time.Second)
	}
	return log
}

func TestNextEventSequencesAndLinks(t *testing.T) {
	log := buildLog(t, EventSubmitted, EventApproved, EventEnqueued)
	for i, ev := range log {
		if ev.Seq != i {
			t.Fatalf("seq[%d] = %d", i, ev.Seq)
		}
	}
	if log[0].Prev != zeroHash {
		t.Fatalf("genesis prev = %s", log[0].Prev)
	}
	if log[1].Prev != log[0].Hash || log[2].Prev != log[1].Hash {
		t.Fatalf("chain links broken")
	}
	if err := VerifyChain(log); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestNextEventClockSkewGuard(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log := []AuditEvent{NextEvent(nil, EventSubmitted, "alice", "", nil, base)}
	// wall clock went backwards between events
	ev := NextEvent(log, EventApproved, "bob", "", nil, base.Add(-time.Minute))
	if ev.At.Before(log[0].At) {
		t.Fatalf("event time regressed: %v < %v", ev.At, log[0].At)
	}
	log = append(log, ev)
	if err := VerifyChain(log); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log := buildLog(t, EventSubmitted, EventApproved, EventEnqueued)

	tampered := append([]AuditEvent(nil), log...)
	tampered[1].By = "mallory"
	if err := VerifyChain(tampered); err == nil {
		t.Fatalf("expected hash mismatch after editing event body")
	}

	relinked := append([]AuditEvent(nil), log...)
	relinked[2].Prev = zeroHash
	if err := VerifyChain(relinked); err == nil {
		t.Fatalf("expected prev mismatch after relinking")
	}
}

func TestReplayStatus(t *testing.T) {
	cases := []struct {
		kinds []EventKind
		want  Status
	}{
		{[]EventKind{EventSubmitted}, StatusPending},
		{[]EventKind{EventSubmitted, EventApproved}, StatusApproved},
		{[]EventKind{EventSubmitted, EventRejected}, StatusRejected},
		{[]EventKind{EventSubmitted, EventApproved, EventEnqueued}, StatusEnqueued},
		{[]EventKind{EventSubmitted, EventApproved, EventEnqueued, EventExecuting}, StatusExecuting},
		{[]EventKind{EventSubmitted, EventApproved, EventEnqueued, EventExecuting, EventExecuting, EventCompleted}, StatusExecuted},
		{[]EventKind{EventSubmitted, EventApproved, EventEnqueued, EventExecuting, EventFailed}, StatusFailed},
	}
	for _, tc := range cases {
		got, err := ReplayStatus(buildLog(t, tc.kinds...))
		if err != nil {
			t.Fatalf("ReplayStatus(%v): %v", tc.kinds, err)
		}
		if got != tc.want {
			t.Fatalf("ReplayStatus(%v) = %s, want %s", tc.kinds, got, tc.want)
		}
	}
}

func TestReplayStatusRejectsIllegalSequences(t *testing.T) {
	bad := [][]EventKind{
		{EventApproved},
		{EventSubmitted, EventEnqueued},
		{EventSubmitted, EventApproved, EventRejected},
		{EventSubmitted, EventRejected, EventApproved},
		{EventSubmitted, EventApproved, EventEnqueued, EventCompleted},
	}
	for _, kinds := range bad {
		if _, err := ReplayStatus(buildLog(t, kinds...)); err == nil {
			t.Fatalf("ReplayStatus(%v) accepted an illegal sequence", kinds)
		}
	}
	if _, err := ReplayStatus(nil); err == nil {
		t.Fatalf("ReplayStatus(nil) should fail")
	}
}
