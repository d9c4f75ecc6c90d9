// Package notify is the fire-and-forget side channel that tells humans about
// pipeline transitions. Publish failures are logged and swallowed; they must
// never roll back the state transition that triggered them.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event kinds the pipeline emits.
const (
	EventSubmitted       = "submitted"
	EventDecision        = "decision"
	EventExecutionResult = "executionResult"
)

// Message is the envelope handed to every sink.
type Message struct {
	Event      string         `json:"event"`
	TenantID   string         `json:"tenant_id"`
	ApprovalID string         `json:"approval_id"`
	Status     string         `json:"status"`
	Source     string         `json:"source"`
	RiskScore  int            `json:"risk_score"`
	Extra      map[string]any `json:"extra,omitempty"`
	At         time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
	Close() error
}

type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Notify(context.Context, Message) error { return nil }
func (n *Noop) Close() error                          { return nil }

// LogNotifier writes notifications to the structured log; the default sink
// in dev setups.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("pipeline notification",
		slog.String("event", msg.Event),
		slog.String("tenant", msg.TenantID),
		slog.String("approval", msg.ApprovalID),
		slog.String("status", msg.Status),
		slog.Int("risk_score", msg.RiskScore))
	return nil
}

func (n *LogNotifier) Close() error { return nil }
