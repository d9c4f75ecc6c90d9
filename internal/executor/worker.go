// Package executor runs approved actions. A bounded pool of workers claims
// jobs from the dispatch lane, invokes the capability registry, and records
// outcomes. The whole handler invocation is the unit of retry; delivery is
// at-least-once, so handlers must tolerate redelivery.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/flowgate/flowgate/internal/apperr"
	"github.com/flowgate/flowgate/internal/approval"
	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/notify"
	"github.com/flowgate/flowgate/internal/task"
)

// Config bounds the pool. Zero values fall back to the defaults below.
type Config struct {
	WorkerID     string
	Concurrency  int           // workers per lane
	MaxAttempts  int           // handler invocations before dead-lettering
	ExecTimeout  time.Duration // per-attempt budget, enforced cooperatively
	ClaimBlock   time.Duration // how long a claim call may block
	StalledAfter time.Duration // claims idle this long get redelivered
	SweepEvery   time.Duration // stalled sweep interval
	InitialDelay time.Duration // first backoff interval
}

func (c *Config) fill() {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Minute
	}
	if c.ClaimBlock <= 0 {
		c.ClaimBlock = 2 * time.Second
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
}

// DataFactory builds the request-scoped data handle passed to handlers.
type DataFactory func(tenantID string) capability.DataHandle

type plainHandle struct{ tenant string }

func (h plainHandle) TenantID() string { return h.tenant }

type Worker struct {
	cfg       Config
	queue     dispatch.Queue
	approvals approval.Store
	tasks     task.Store
	registry  *capability.Registry
	notifier  notify.Notifier
	data      DataFactory
	logger    *slog.Logger
}

func New(cfg Config, q dispatch.Queue, approvals approval.Store, tasks task.Store, reg *capability.Registry, n notify.Notifier, data DataFactory, logger *slog.Logger) *Worker {
	cfg.fill()
	if n == nil {
		n = notify.NewNoop()
	}
	if data == nil {
		data = func(tenantID string) capability.DataHandle { return plainHandle{tenant: tenantID} }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, queue: q, approvals: approvals, tasks: tasks, registry: reg, notifier: n, data: data, logger: logger}
}

// Run blocks until ctx is cancelled, then drains in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", w.cfg.WorkerID, i)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx, consumer)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.stalledLoop(ctx)
	}()
	wg.Wait()
}

func (w *Worker) claimLoop(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		claims, err := w.queue.Claim(ctx, consumer, 1, w.cfg.ClaimBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", slog.String("err", err.Error()))
			time.Sleep(w.cfg.ClaimBlock)
			continue
		}
		for _, c := range claims {
			w.Process(ctx, c)
		}
	}
}

func (w *Worker) stalledLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claims, err := w.queue.ClaimStalled(ctx, w.cfg.WorkerID+"-sweep", w.cfg.StalledAfter, 10)
			if err != nil {
				w.logger.Error("stalled sweep failed", slog.String("err", err.Error()))
				continue
			}
			for _, c := range claims {
				w.logger.Warn("requeuing stalled job",
					slog.String("approval", c.Job.ApprovalID), slog.Int("delivery", c.Attempt))
				w.Process(ctx, c)
			}
		}
	}
}

// Process runs one claimed job to completion: retry with exponential
// backoff on retryable failures, fail fast on terminal ones, dead-letter
// on exhaustion. Exported so tests can drive single jobs synchronously.
func (w *Worker) Process(ctx context.Context, c dispatch.Claim) {
	job := c.Job
	log := w.logger.With(
		slog.String("approval", job.ApprovalID),
		slog.String("task", job.TaskID),
		slog.String("capability", job.ModuleSlug+"/"+job.Capability))

	// A redelivered job whose approval already reached a terminal state has
	// nothing left to do; ack it away.
	if err := w.approvals.RecordExecuting(ctx, job.TenantID, job.ApprovalID, map[string]any{
		"attempt": 1, "workerId": w.cfg.WorkerID, "jobDelivery": c.Attempt,
	}); err != nil {
		if apperr.Is(err, apperr.CodeInvalidState) {
			log.Warn("skipping job for non-runnable approval", slog.String("err", err.Error()))
			_ = w.queue.Ack(ctx, c)
			return
		}
		log.Error("recordExecuting failed, requeueing", slog.String("err", err.Error()))
		_ = w.queue.Requeue(ctx, c, "store unavailable")
		return
	}
	if err := w.tasks.SetStatus(ctx, job.TenantID, job.TaskID, task.StatusRunning); err != nil {
		log.Warn("task status update failed", slog.String("err", err.Error()))
	}

	startedAt := time.Now().UTC()
	outputs, attempts, execErr := w.attempt(ctx, job, log)
	result := capability.NewResult(job.TaskID, w.cfg.WorkerID, startedAt, outputs, execErr)
	result.Metadata.Extra = map[string]any{"attemptsMade": attempts, "jobDelivery": c.Attempt}

	if execErr == nil {
		w.finish(ctx, c, result, approval.OutcomeCompleted, task.StatusCompleted, log)
		return
	}
	log.Error("execution exhausted", slog.Int("attempts", attempts), slog.String("err", execErr.Error()))
	if err := w.queue.Dead(ctx, c, execErr.Error(), attempts); err != nil {
		log.Error("dead-letter move failed", slog.String("err", err.Error()))
	}
	w.record(ctx, c, result, approval.OutcomeFailed, task.StatusFailed, log)
}

// attempt runs up to MaxAttempts handler invocations. Each attempt gets its
// own timeout; terminal errors abort the budget immediately.
func (w *Worker) attempt(ctx context.Context, job dispatch.Job, log *slog.Logger) (map[string]any, int, error) {
	attempts := 0
	var outputs map[string]any

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialDelay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		if attempts > 1 {
			_ = w.approvals.RecordExecuting(ctx, job.TenantID, job.ApprovalID, map[string]any{
				"attempt": attempts, "workerId": w.cfg.WorkerID,
			})
		}
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecTimeout)
		defer cancel()
		out, err := w.registry.Invoke(attemptCtx, capability.Invocation{
			ModuleSlug: job.ModuleSlug,
			Capability: job.Capability,
			TenantID:   job.TenantID,
			ActorID:    approval.SystemActor,
			TaskID:     job.TaskID,
			ApprovalID: job.ApprovalID,
			Payload:    job.Payload,
			Data:       w.data(job.TenantID),
			Logger:     log,
		})
		if err != nil {
			if !apperr.Retryable(err) {
				return backoff.Permanent(err)
			}
			log.Warn("attempt failed", slog.Int("attempt", attempts), slog.String("err", err.Error()))
			return err
		}
		outputs = out
		return nil
	}, policy)
	return outputs, attempts, err
}

func (w *Worker) finish(ctx context.Context, c dispatch.Claim, result capability.TaskExecutionResult, outcome approval.Outcome, st task.Status, log *slog.Logger) {
	w.record(ctx, c, result, outcome, st, log)
	if err := w.queue.Ack(ctx, c); err != nil {
		log.Error("ack failed", slog.String("err", err.Error()))
	}
}

func (w *Worker) record(ctx context.Context, c dispatch.Claim, result capability.TaskExecutionResult, outcome approval.Outcome, st task.Status, log *slog.Logger) {
	job := c.Job
	meta := map[string]any{
		"taskId":     job.TaskID,
		"workerId":   result.Metadata.WorkerID,
		"durationMs": result.Metadata.DurationMs,
	}
	if result.Error != "" {
		meta["error"] = result.Error
	}
	if extra, ok := result.Metadata.Extra["attemptsMade"]; ok {
		meta["attemptsMade"] = extra
	}
	a, err := w.approvals.RecordOutcome(ctx, job.TenantID, job.ApprovalID, outcome, meta)
	if err != nil {
		log.Error("recordOutcome failed", slog.String("err", err.Error()))
		return
	}
	resultDoc := map[string]any{
		"taskId":   result.TaskID,
		"success":  result.Success,
		"outputs":  result.Outputs,
		"error":    result.Error,
		"metadata": meta,
	}
	if err := w.tasks.SetResult(ctx, job.TenantID, job.TaskID, st, resultDoc); err != nil {
		log.Warn("task result update failed", slog.String("err", err.Error()))
	}
	if err := w.notifier.Notify(ctx, notify.Message{
		Event:      notify.EventExecutionResult,
		TenantID:   a.TenantID,
		ApprovalID: a.ID,
		Status:     string(a.Status),
		Source:     a.Source,
		RiskScore:  a.RiskScore,
		Extra:      map[string]any{"success": result.Success},
		At:         time.Now().UTC(),
	}); err != nil {
		log.Warn("notifier failed", slog.String("err", err.Error()))
	}
}
