package task

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type taskRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	TenantID         string `gorm:"uniqueIndex:idx_tasks_tenant_approval;size:64;not null"`
	UserID           string `gorm:"size:100"`
	Type             string `gorm:"size:32"`
	Status           string `gorm:"size:16;index"`
	Payload          datatypes.JSONMap
	ModuleSlug       string `gorm:"size:100"`
	QueueName        string `gorm:"size:100"`
	JobID            string `gorm:"size:64"`
	ActionApprovalID string `gorm:"uniqueIndex:idx_tasks_tenant_approval;size:64;not null"`
	Result           datatypes.JSONMap
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (taskRow) TableName() string { return "tasks" }

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&taskRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func toRow(t *Task) *taskRow {
	return &taskRow{
		ID: t.ID, TenantID: t.TenantID, UserID: t.UserID, Type: t.Type,
		Status: string(t.Status), Payload: datatypes.JSONMap(t.Payload),
		ModuleSlug: t.ModuleSlug, QueueName: t.QueueName, JobID: t.JobID,
		ActionApprovalID: t.ActionApprovalID, Result: datatypes.JSONMap(t.Result),
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func fromRow(r *taskRow) *Task {
	return &Task{
		ID: r.ID, TenantID: r.TenantID, UserID: r.UserID, Type: r.Type,
		Status: Status(r.Status), Payload: map[string]any(r.Payload),
		ModuleSlug: r.ModuleSlug, QueueName: r.QueueName, JobID: r.JobID,
		ActionApprovalID: r.ActionApprovalID, Result: map[string]any(r.Result),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// Upsert replaces any prior task for the same approval (supersede, never
// duplicate) using the (tenant, approval) unique key.
func (s *GormStore) Upsert(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "action_approval_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"id", "status", "payload", "queue_name", "job_id", "result", "updated_at",
		}),
	}).Create(toRow(t)).Error
}

func (s *GormStore) Get(ctx context.Context, tenantID, id string) (*Task, error) {
	var r taskRow
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&r), nil
}

func (s *GormStore) GetByApproval(ctx context.Context, tenantID, approvalID string) (*Task, error) {
	var r taskRow
	err := s.db.WithContext(ctx).Where("action_approval_id = ? AND tenant_id = ?", approvalID, tenantID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("for approval " + approvalID)
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&r), nil
}

func (s *GormStore) SetStatus(ctx context.Context, tenantID, id string, st Status) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]any{"status": string(st), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (s *GormStore) SetResult(ctx context.Context, tenantID, id string, st Status, result map[string]any) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]any{"status": string(st), "result": datatypes.JSONMap(result), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}
