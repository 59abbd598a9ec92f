// Package tenant provides tenant scoping for GORM queries.
//
// Every fiscal table carries a tenant_id column. Repositories apply Scope on
// every read and update so a query can never cross tenants:
//
//	db.WithContext(ctx).Scopes(tenant.Scope(tenantID)).Find(&docs)
package tenant

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrTenantIDRequired is returned when a scoped query has no tenant.
var ErrTenantIDRequired = errors.New("tenant_id is required")

// Scope filters by tenant_id. A nil tenant makes the query fail instead of
// silently returning every tenant's rows.
func Scope(tenantID uuid.UUID) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if tenantID == uuid.Nil {
			_ = db.AddError(ErrTenantIDRequired)
			return db
		}
		return db.Where("tenant_id = ?", tenantID)
	}
}
