package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/flowgate/flowgate/internal/apperr"
)

type approvalRow struct {
	ID         string            `gorm:"primaryKey;size:64"`
	TenantID   string            `gorm:"index:idx_approvals_tenant_status;size:64;not null"`
	Source     string            `gorm:"size:255"`
	Payload    datatypes.JSONMap `gorm:"not null"`
	RiskScore  int
	Status     string `gorm:"index:idx_approvals_tenant_status;size:16;not null"`
	CreatedBy  string `gorm:"size:100"`
	ApprovedBy string `gorm:"size:100"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedAt *time.Time
	ExecutedAt *time.Time
}

func (approvalRow) TableName() string { return "action_approvals" }

type auditEventRow struct {
	ID         uint   `gorm:"primaryKey"`
	ApprovalID string `gorm:"uniqueIndex:idx_audit_approval_seq;size:64;not null"`
	Seq        int    `gorm:"uniqueIndex:idx_audit_approval_seq;not null"`
	TenantID   string `gorm:"index;size:64;not null"`
	Event      string `gorm:"size:16;not null"`
	At         time.Time
	By         string            `gorm:"column:actor;size:100"`
	Note       string            `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:""`
	PrevHash   string            `gorm:"size:64"`
	Hash       string            `gorm:"size:64"`
}

func (auditEventRow) TableName() string { return "approval_audit_events" }

// GormStore persists approvals in SQL (sqlite or postgres via internal/db).
// All transitions are conditional single-row updates inside a transaction
// that also appends the audit entry, so a racing caller loses cleanly.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&approvalRow{}, &auditEventRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func toRow(a *ActionApproval) *approvalRow {
	return &approvalRow{
		ID: a.ID, TenantID: a.TenantID, Source: a.Source,
		Payload: datatypes.JSONMap(a.Payload), RiskScore: a.RiskScore,
		Status: string(a.Status), CreatedBy: a.CreatedBy, ApprovedBy: a.ApprovedBy,
		CreatedAt: a.CreatedAt, ApprovedAt: a.ApprovedAt, ExecutedAt: a.ExecutedAt,
	}
}

func eventRow(tenantID, approvalID string, ev AuditEvent) *auditEventRow {
	return &auditEventRow{
		ApprovalID: approvalID, Seq: ev.Seq, TenantID: tenantID,
		Event: string(ev.Event), At: ev.At, By: ev.By, Note: ev.Note,
		Metadata: datatypes.JSONMap(ev.Metadata), PrevHash: ev.Prev, Hash: ev.Hash,
	}
}

func fromRows(r *approvalRow, evs []auditEventRow) *ActionApproval {
	a := &ActionApproval{
		ID: r.ID, TenantID: r.TenantID, Source: r.Source,
		Payload: map[string]any(r.Payload), RiskScore: r.RiskScore,
		Status: Status(r.Status), CreatedBy: r.CreatedBy, ApprovedBy: r.ApprovedBy,
		CreatedAt: r.CreatedAt, ApprovedAt: r.ApprovedAt, ExecutedAt: r.ExecutedAt,
	}
	for _, e := range evs {
		a.AuditLog = append(a.AuditLog, AuditEvent{
			Seq: e.Seq, Event: EventKind(e.Event), At: e.At, By: e.By, Note: e.Note,
			Metadata: map[string]any(e.Metadata), Prev: e.PrevHash, Hash: e.Hash,
		})
	}
	return a
}

func (s *GormStore) Create(ctx context.Context, a *ActionApproval) error {
	if len(a.AuditLog) != 1 || a.AuditLog[0].Event != EventSubmitted {
		return apperr.Validation("new approval must carry exactly one submitted event")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toRow(a)).Error; err != nil {
			if isDuplicate(err) {
				return apperr.Validation("duplicate approval id %s", a.ID)
			}
			return err
		}
		return tx.Create(eventRow(a.TenantID, a.ID, a.AuditLog[0])).Error
	})
}

func (s *GormStore) Get(ctx context.Context, tenantID, id string) (*ActionApproval, error) {
	var r approvalRow
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("approval %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	evs, err := s.events(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return fromRows(&r, evs), nil
}

func (s *GormStore) events(ctx context.Context, tx *gorm.DB, approvalID string) ([]auditEventRow, error) {
	var evs []auditEventRow
	err := tx.WithContext(ctx).Where("approval_id = ?", approvalID).Order("seq ASC").Find(&evs).Error
	return evs, err
}

func (s *GormStore) List(ctx context.Context, tenantID string, f Filter, p Page) ([]*ActionApproval, int, error) {
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	q := s.db.WithContext(ctx).Model(&approvalRow{}).Where("tenant_id = ?", tenantID)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.ModuleSlug != "" {
		q = q.Where(datatypes.JSONQuery("payload").Equals(f.ModuleSlug, "moduleSlug"))
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	order := "created_at DESC"
	if strings.ToLower(p.Sort) == "created_at_asc" {
		order = "created_at ASC"
	}
	var rows []approvalRow
	if err := q.Order(order).Limit(p.Size).Offset((p.Page - 1) * p.Size).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]*ActionApproval, 0, len(rows))
	for i := range rows {
		evs, err := s.events(ctx, s.db, rows[i].ID)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, fromRows(&rows[i], evs))
	}
	return out, int(total), nil
}

func (s *GormStore) TenantsWithStatus(ctx context.Context, st Status) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).Model(&approvalRow{}).
		Where("status = ?", string(st)).Distinct("tenant_id").Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// transition loads the row inside tx, requires one of from, performs the
// conditional UPDATE and appends the audit entry. RowsAffected==0 after the
// existence check means a concurrent writer won the race.
func (s *GormStore) transition(ctx context.Context, tenantID, id string, from []Status, apply func(tx *gorm.DB, cur *ActionApproval) error) (*ActionApproval, error) {
	var result *ActionApproval
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r approvalRow
		err := tx.Where("id = ? AND tenant_id = ?", id, tenantID).First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("approval %s not found", id)
		}
		if err != nil {
			return err
		}
		ok := false
		for _, f := range from {
			if Status(r.Status) == f {
				ok = true
				break
			}
		}
		if !ok {
			return apperr.InvalidState("approval %s is %s", id, r.Status)
		}
		evs, err := s.events(ctx, tx, id)
		if err != nil {
			return err
		}
		cur := fromRows(&r, evs)
		if err := apply(tx, cur); err != nil {
			return err
		}
		result = cur
		return nil
	})
	return result, err
}

// condUpdate is the single atomic status flip guarded on the prior status.
func condUpdate(tx *gorm.DB, tenantID, id string, from Status, fields map[string]any) error {
	res := tx.Model(&approvalRow{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, string(from)).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.InvalidState("approval %s lost transition race from %s", id, from)
	}
	return nil
}

func (s *GormStore) Decide(ctx context.Context, tenantID, id, actorID string, d Decision, note string) (*ActionApproval, error) {
	kind, st := decisionEvent(d)
	return s.transition(ctx, tenantID, id, []Status{StatusPending}, func(tx *gorm.DB, cur *ActionApproval) error {
		ts := now()
		ev := NextEvent(cur.AuditLog, kind, actorID, note, nil, ts)
		fields := map[string]any{"status": string(st), "updated_at": ts}
		if d == DecisionApprove {
			fields["approved_by"] = actorID
			fields["approved_at"] = ts
		}
		if err := condUpdate(tx, tenantID, id, StatusPending, fields); err != nil {
			return err
		}
		if err := tx.Create(eventRow(tenantID, id, ev)).Error; err != nil {
			return err
		}
		cur.Status = st
		cur.AuditLog = append(cur.AuditLog, ev)
		if d == DecisionApprove {
			cur.ApprovedBy = actorID
			t := ts
			cur.ApprovedAt = &t
		}
		return nil
	})
}

func (s *GormStore) MarkEnqueued(ctx context.Context, tenantID, id, queueName, jobID string) (*ActionApproval, bool, error) {
	already := false
	a, err := s.transition(ctx, tenantID, id,
		[]Status{StatusApproved, StatusEnqueued, StatusExecuting, StatusExecuted, StatusFailed},
		func(tx *gorm.DB, cur *ActionApproval) error {
			if cur.Status != StatusApproved {
				already = true
				return nil
			}
			ts := now()
			meta := map[string]any{"queueName": queueName, "jobId": jobID}
			ev := NextEvent(cur.AuditLog, EventEnqueued, SystemActor, "", meta, ts)
			if err := condUpdate(tx, tenantID, id, StatusApproved, map[string]any{"status": string(StatusEnqueued), "updated_at": ts}); err != nil {
				// a concurrent producer got there first; treat as duplicate
				if apperr.Is(err, apperr.CodeInvalidState) {
					already = true
					return nil
				}
				return err
			}
			if err := tx.Create(eventRow(tenantID, id, ev)).Error; err != nil {
				return err
			}
			cur.Status = StatusEnqueued
			cur.AuditLog = append(cur.AuditLog, ev)
			return nil
		})
	return a, already, err
}

func (s *GormStore) RecordExecuting(ctx context.Context, tenantID, id string, progress map[string]any) error {
	_, err := s.transition(ctx, tenantID, id, []Status{StatusEnqueued, StatusExecuting},
		func(tx *gorm.DB, cur *ActionApproval) error {
			ts := now()
			ev := NextEvent(cur.AuditLog, EventExecuting, SystemActor, "", progress, ts)
			res := tx.Model(&approvalRow{}).
				Where("id = ? AND tenant_id = ? AND status IN ?", id, tenantID, []string{string(StatusEnqueued), string(StatusExecuting)}).
				Updates(map[string]any{"status": string(StatusExecuting), "updated_at": ts})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.InvalidState("approval %s lost executing transition race", id)
			}
			return tx.Create(eventRow(tenantID, id, ev)).Error
		})
	return err
}

func (s *GormStore) RecordOutcome(ctx context.Context, tenantID, id string, outcome Outcome, meta map[string]any) (*ActionApproval, error) {
	kind, st := outcomeEvent(outcome)
	return s.transition(ctx, tenantID, id, []Status{StatusExecuting}, func(tx *gorm.DB, cur *ActionApproval) error {
		ts := now()
		ev := NextEvent(cur.AuditLog, kind, SystemActor, "", meta, ts)
		fields := map[string]any{"status": string(st), "updated_at": ts}
		if outcome == OutcomeCompleted {
			fields["executed_at"] = ts
		}
		if err := condUpdate(tx, tenantID, id, StatusExecuting, fields); err != nil {
			return err
		}
		if err := tx.Create(eventRow(tenantID, id, ev)).Error; err != nil {
			return err
		}
		cur.Status = st
		cur.AuditLog = append(cur.AuditLog, ev)
		if outcome == OutcomeCompleted {
			t := ts
			cur.ExecutedAt = &t
		}
		return nil
	})
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
