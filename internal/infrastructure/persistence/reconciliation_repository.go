package persistence

import (
	"context"

	"github.com/cfdisync/backend/internal/domain/reconciliation"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormConnectionRepository implements reconciliation.ConnectionRepository using GORM
type GormConnectionRepository struct {
	db *gorm.DB
}

// NewGormConnectionRepository creates a new GormConnectionRepository
func NewGormConnectionRepository(db *gorm.DB) *GormConnectionRepository {
	return &GormConnectionRepository{db: db}
}

var _ reconciliation.ConnectionRepository = (*GormConnectionRepository)(nil)

// Create inserts a connection
func (r *GormConnectionRepository) Create(ctx context.Context, c *reconciliation.Connection) error {
	var model models.ExternalConnectionModel
	model.FromDomain(c)
	return translateError(r.db.WithContext(ctx).Create(&model).Error)
}

// FindActiveByTenant returns the tenant's active connection, or shared.ErrNotFound
func (r *GormConnectionRepository) FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) (*reconciliation.Connection, error) {
	var model models.ExternalConnectionModel
	if err := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Where("active = ?", true).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// Update saves the connection's health fields; last writer wins
func (r *GormConnectionRepository) Update(ctx context.Context, c *reconciliation.Connection) error {
	result := r.db.WithContext(ctx).
		Model(&models.ExternalConnectionModel{}).
		Scopes(tenant.Scope(c.TenantID)).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"auto_post":       c.AutoPost,
			"active":          c.Active,
			"last_error":      c.LastError,
			"last_error_at":   c.LastErrorAt,
			"last_success_at": c.LastSuccessAt,
			"updated_at":      c.UpdatedAt.UTC(),
		})
	return translateError(result.Error)
}

// GormRecordRepository implements reconciliation.RecordRepository using GORM.
// It only ever inserts.
type GormRecordRepository struct {
	db *gorm.DB
}

// NewGormRecordRepository creates a new GormRecordRepository
func NewGormRecordRepository(db *gorm.DB) *GormRecordRepository {
	return &GormRecordRepository{db: db}
}

var _ reconciliation.RecordRepository = (*GormRecordRepository)(nil)

// Append inserts one record
func (r *GormRecordRepository) Append(ctx context.Context, rec *reconciliation.Record) error {
	return translateError(r.db.WithContext(ctx).Create(models.ReconciliationRecordModelFromDomain(rec)).Error)
}

// FindSuccess returns the latest success record for a document on a connection
func (r *GormRecordRepository) FindSuccess(ctx context.Context, connectionID uuid.UUID, documentUUID string, direction reconciliation.Direction) (*reconciliation.Record, error) {
	var model models.ReconciliationRecordModel
	if err := r.db.WithContext(ctx).
		Where("connection_id = ? AND document_uuid = ? AND direction = ? AND outcome = ?",
			connectionID, documentUUID, direction, reconciliation.OutcomeSuccess).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// FindOrphan returns the latest error record carrying an external id
func (r *GormRecordRepository) FindOrphan(ctx context.Context, connectionID uuid.UUID, documentUUID string, direction reconciliation.Direction) (*reconciliation.Record, error) {
	var model models.ReconciliationRecordModel
	if err := r.db.WithContext(ctx).
		Where("connection_id = ? AND document_uuid = ? AND direction = ? AND outcome = ?",
			connectionID, documentUUID, direction, reconciliation.OutcomeError).
		Where("external_id IS NOT NULL").
		Order("created_at DESC").
		First(&model).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// ListByDocument returns every record of a document, oldest first
func (r *GormRecordRepository) ListByDocument(ctx context.Context, tenantID uuid.UUID, documentUUID string) ([]*reconciliation.Record, error) {
	var rows []models.ReconciliationRecordModel
	if err := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Where("document_uuid = ?", documentUUID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*reconciliation.Record, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}
