// Package pipeline orchestrates the approval lifecycle: submission with risk
// scoring, gated human decision, idempotent enqueue, and audit access. The
// executor side lives in internal/executor; both meet at the approval store
// and the dispatch queue.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowgate/flowgate/internal/apperr"
	"github.com/flowgate/flowgate/internal/approval"
	"github.com/flowgate/flowgate/internal/auth/gate"
	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/notify"
	"github.com/flowgate/flowgate/internal/risk"
	"github.com/flowgate/flowgate/internal/task"
)

// Identity is the caller as resolved by the upstream auth middleware.
type Identity struct {
	TenantID string
	ActorID  string
	Role     string
}

type Service struct {
	approvals approval.Store
	tasks     task.Store
	queue     dispatch.Queue
	registry  *capability.Registry
	scorer    *risk.Scorer
	gate      *gate.Gate
	notifier  notify.Notifier
	logger    *slog.Logger
	tracer    trace.Tracer
	lane      string
}

type Options struct {
	Approvals approval.Store
	Tasks     task.Store
	Queue     dispatch.Queue
	Registry  *capability.Registry
	Scorer    *risk.Scorer
	Gate      *gate.Gate
	Notifier  notify.Notifier
	Logger    *slog.Logger
	Lane      string
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNoop()
	}
	if opts.Lane == "" {
		opts.Lane = dispatch.DefaultLane
	}
	return &Service{
		approvals: opts.Approvals,
		tasks:     opts.Tasks,
		queue:     opts.Queue,
		registry:  opts.Registry,
		scorer:    opts.Scorer,
		gate:      opts.Gate,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		tracer:    otel.Tracer("flowgate.pipeline"),
		lane:      opts.Lane,
	}
}

// Submit validates a proposal, scores it and persists it pending with its
// first audit entry. The submitted entry carries the risk breakdown so the
// decision context is reproducible from the trail alone.
func (s *Service) Submit(ctx context.Context, id Identity, source string, payload map[string]any) (*approval.ActionApproval, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.submit",
		trace.WithAttributes(attribute.String("tenant.id", id.TenantID), attribute.String("source", source)))
	defer span.End()

	moduleSlug, _ := payload["moduleSlug"].(string)
	capName, _ := payload["capability"].(string)
	if moduleSlug == "" || capName == "" {
		return nil, apperr.Validation("payload must carry moduleSlug and capability")
	}
	if err := checkSourceTenant(source, payload, id.TenantID); err != nil {
		return nil, err
	}
	if err := s.registry.ValidateInput(moduleSlug, capName, payload); err != nil {
		return nil, err
	}

	assessment := s.scorer.Score(payload, source)
	ts := now()
	a := &approval.ActionApproval{
		ID:        uuid.NewString(),
		TenantID:  id.TenantID,
		Source:    source,
		Payload:   payload,
		RiskScore: assessment.Score,
		Status:    approval.StatusPending,
		CreatedBy: id.ActorID,
		CreatedAt: ts,
	}
	meta := map[string]any{
		"riskScore":   assessment.Score,
		"riskLevel":   string(assessment.Level),
		"riskReasons": assessment.Reasons,
	}
	a.AuditLog = []approval.AuditEvent{
		approval.NextEvent(nil, approval.EventSubmitted, id.ActorID, "", meta, ts),
	}
	if err := s.approvals.Create(ctx, a); err != nil {
		return nil, err
	}
	s.notify(ctx, notify.EventSubmitted, a, nil)
	return a, nil
}

// Decide applies a human verdict. Approving does not enqueue; call
// EnqueueApproved afterwards so a crash between the two is recoverable
// without losing the decision.
func (s *Service) Decide(ctx context.Context, id Identity, approvalID string, d approval.Decision, note string) (*approval.ActionApproval, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.decide",
		trace.WithAttributes(attribute.String("approval.id", approvalID), attribute.String("decision", string(d))))
	defer span.End()

	cur, err := s.approvals.Get(ctx, id.TenantID, approvalID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.RequireDecide(id.Role, s.scorer.LevelOf(cur.RiskScore)); err != nil {
		return nil, err
	}
	a, err := s.approvals.Decide(ctx, id.TenantID, approvalID, id.ActorID, d, note)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notify.EventDecision, a, map[string]any{"decision": string(d), "note": note})
	return a, nil
}

// EnqueueApproved is the idempotent approved -> enqueued step: create (or
// supersede) the task, hand the job to the queue keyed by the approval id,
// and flip the approval. Safe to call any number of times; duplicates are
// logged as conflicts and dropped by the dedup layer.
func (s *Service) EnqueueApproved(ctx context.Context, tenantID, approvalID string) (*task.Task, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.enqueue",
		trace.WithAttributes(attribute.String("approval.id", approvalID)))
	defer span.End()

	a, err := s.approvals.Get(ctx, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case approval.StatusApproved:
	case approval.StatusEnqueued, approval.StatusExecuting, approval.StatusExecuted, approval.StatusFailed:
		return s.tasks.GetByApproval(ctx, tenantID, approvalID)
	default:
		return nil, apperr.InvalidState("approval %s is %s, not approved", approvalID, a.Status)
	}

	// A prior enqueue may have got partway (crash between the queue write
	// and MarkEnqueued, or the sweep racing the approve handler). The job
	// already on the lane carries that task's id, so reuse the existing
	// record instead of minting identifiers the worker can't correlate.
	t, err := s.tasks.GetByApproval(ctx, tenantID, approvalID)
	switch {
	case err == nil:
		t.Status = task.StatusQueued
		t.Payload = a.Payload
	case apperr.Is(err, apperr.CodeNotFound):
		t = &task.Task{
			ID:               uuid.NewString(),
			TenantID:         tenantID,
			UserID:           a.CreatedBy,
			Type:             task.TypeActionExecution,
			Status:           task.StatusQueued,
			Payload:          a.Payload,
			ModuleSlug:       a.ModuleSlug(),
			QueueName:        s.lane,
			JobID:            uuid.NewString(),
			ActionApprovalID: approvalID,
		}
	default:
		return nil, err
	}
	if err := s.tasks.Upsert(ctx, t); err != nil {
		return nil, err
	}
	added, err := s.queue.Enqueue(ctx, dispatch.Job{
		TaskID:     t.ID,
		ApprovalID: approvalID,
		TenantID:   tenantID,
		ModuleSlug: t.ModuleSlug,
		Capability: a.Capability(),
		Payload:    a.Payload,
	})
	if err != nil {
		return nil, apperr.Transient(err)
	}
	if !added {
		s.logger.Warn("duplicate enqueue suppressed by idempotency key",
			slog.String("approval", approvalID), slog.String("tenant", tenantID))
	}
	_, already, err := s.approvals.MarkEnqueued(ctx, tenantID, approvalID, s.lane, t.JobID)
	if err != nil {
		return nil, err
	}
	if already {
		s.logger.Warn("markEnqueued conflict: approval already past enqueued",
			slog.String("approval", approvalID))
	}
	return s.tasks.GetByApproval(ctx, tenantID, approvalID)
}

// RecoverApproved re-drives approvals stuck in approved (crash between
// decide and enqueue). Returns how many were enqueued.
func (s *Service) RecoverApproved(ctx context.Context, tenantID string) (int, error) {
	items, _, err := s.approvals.List(ctx, tenantID,
		approval.Filter{Status: approval.StatusApproved}, approval.Page{Page: 1, Size: 200, Sort: "created_at_asc"})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range items {
		if _, err := s.EnqueueApproved(ctx, tenantID, a.ID); err != nil {
			s.logger.Error("recover enqueue failed", slog.String("approval", a.ID), slog.String("err", err.Error()))
			continue
		}
		n++
	}
	return n, nil
}

// RecoverAll sweeps every tenant that has approvals stuck in approved.
// The server runs it periodically so a crash between decide and enqueue
// never strands an action.
func (s *Service) RecoverAll(ctx context.Context) (int, error) {
	tenants, err := s.approvals.TenantsWithStatus(ctx, approval.StatusApproved)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tid := range tenants {
		n, err := s.RecoverApproved(ctx, tid)
		if err != nil {
			s.logger.Error("recover sweep failed for tenant", slog.String("tenant", tid), slog.String("err", err.Error()))
			continue
		}
		total += n
	}
	return total, nil
}

func (s *Service) ListPending(ctx context.Context, id Identity, p approval.Page) ([]*approval.ActionApproval, int, error) {
	return s.approvals.List(ctx, id.TenantID, approval.Filter{Status: approval.StatusPending}, p)
}

func (s *Service) Get(ctx context.Context, id Identity, approvalID string) (*approval.ActionApproval, error) {
	return s.approvals.Get(ctx, id.TenantID, approvalID)
}

// AuditLog returns the full trail, owner/admin only. Members are refused
// outright; there is no filtered view.
func (s *Service) AuditLog(ctx context.Context, id Identity, approvalID string) ([]approval.AuditEvent, error) {
	if err := s.gate.RequireAudit(id.Role); err != nil {
		return nil, err
	}
	a, err := s.approvals.Get(ctx, id.TenantID, approvalID)
	if err != nil {
		return nil, err
	}
	return a.AuditLog, nil
}

func (s *Service) notify(ctx context.Context, event string, a *approval.ActionApproval, extra map[string]any) {
	msg := notify.Message{
		Event:      event,
		TenantID:   a.TenantID,
		ApprovalID: a.ID,
		Status:     string(a.Status),
		Source:     a.Source,
		RiskScore:  a.RiskScore,
		Extra:      extra,
		At:         now(),
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warn("notifier failed", slog.String("event", event), slog.String("err", err.Error()))
	}
}

func now() time.Time { return time.Now().UTC() }

// checkSourceTenant rejects a submission whose source or payload declares a
// tenant other than the caller's. Cross-tenant writes are a programming
// error, caught before anything persists.
func checkSourceTenant(source string, payload map[string]any, tenantID string) error {
	if declared, ok := payload["tenantId"].(string); ok && declared != tenantID {
		return apperr.Validation("payload tenant %s does not match caller tenant %s", declared, tenantID)
	}
	if strings.HasPrefix(source, "tenant:") {
		rest := strings.TrimPrefix(source, "tenant:")
		declared := rest
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			declared = rest[:i]
		}
		if declared != tenantID {
			return apperr.Validation("source tenant %s does not match caller tenant %s", declared, tenantID)
		}
	}
	return nil
}
