package persistence

import (
	"context"

	"github.com/cfdisync/backend/internal/domain/audit"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormAuditRepository implements audit.Repository using GORM
type GormAuditRepository struct {
	db *gorm.DB
}

// NewGormAuditRepository creates a new GormAuditRepository
func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

var _ audit.Repository = (*GormAuditRepository)(nil)

// Append inserts e unless its event was already recorded
func (r *GormAuditRepository) Append(ctx context.Context, e *audit.Entry) error {
	var model models.AuditLogModel
	model.FromDomain(e)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&model).Error
}

// ListByEntity returns the trail of one entity, newest first
func (r *GormAuditRepository) ListByEntity(ctx context.Context, tenantID uuid.UUID, entityType string, entityID uuid.UUID, filter shared.Filter) (shared.Paginated[*audit.Entry], error) {
	filter = filter.Normalize()
	query := r.db.WithContext(ctx).
		Model(&models.AuditLogModel{}).
		Scopes(tenant.Scope(tenantID)).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return shared.Paginated[*audit.Entry]{}, err
	}
	var rows []models.AuditLogModel
	if err := query.
		Order(orderClause(filter, AuditLogSortFields, "occurred_at")).
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error; err != nil {
		return shared.Paginated[*audit.Entry]{}, err
	}
	out := make([]*audit.Entry, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return shared.NewPaginated(out, total, filter.Page, filter.PageSize), nil
}
