package notify

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLogNotifierWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	n := NewLog(logger)
	err := n.Notify(context.Background(), Message{
		Event:      EventDecision,
		TenantID:   "t1",
		ApprovalID: "a1",
		Status:     "approved",
		RiskScore:  55,
		At:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"event":"decision"`, `"tenant":"t1"`, `"approval":"a1"`, `"risk_score":55`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log entry missing %s: %s", want, out)
		}
	}
}

func TestFactoryFallsBackToLogSink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if _, ok := New(Config{Type: "log"}, logger).(*LogNotifier); !ok {
		t.Fatalf("type log did not build a LogNotifier")
	}
	if _, ok := New(Config{Type: "noop"}, logger).(*Noop); !ok {
		t.Fatalf("type noop did not build a Noop")
	}
	if _, ok := New(Config{Type: "something-else"}, logger).(*LogNotifier); !ok {
		t.Fatalf("unknown type should degrade to the log sink")
	}
	// an unparseable redis URL degrades instead of failing startup
	if _, ok := New(Config{Type: "redis", RedisURL: "::bad::"}, logger).(*LogNotifier); !ok {
		t.Fatalf("broken redis config should degrade to the log sink")
	}
}
