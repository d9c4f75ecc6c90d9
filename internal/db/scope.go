package db

import "gorm.io/gorm"

// TenantData is the request-scoped data-access handle passed to capability
// handlers. It pins the tenant so a handler cannot accidentally read or
// write across the isolation boundary.
type TenantData struct {
	tenant string
	db     *gorm.DB
}

func NewTenantData(db *gorm.DB, tenantID string) *TenantData {
	return &TenantData{tenant: tenantID, db: db}
}

func (t *TenantData) TenantID() string { return t.tenant }

// DB returns a session already filtered to the tenant column. Handlers
// querying tables without a tenant_id column must not use this handle.
func (t *TenantData) DB() *gorm.DB {
	return t.db.Where("tenant_id = ?", t.tenant)
}
