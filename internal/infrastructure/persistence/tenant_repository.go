package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormTenantRepository implements fiscal.TenantDirectory using GORM
type GormTenantRepository struct {
	db *gorm.DB
}

// NewGormTenantRepository creates a new GormTenantRepository
func NewGormTenantRepository(db *gorm.DB) *GormTenantRepository {
	return &GormTenantRepository{db: db}
}

var _ fiscal.TenantDirectory = (*GormTenantRepository)(nil)

// Get finds a tenant by its ID
func (r *GormTenantRepository) Get(ctx context.Context, tenantID uuid.UUID) (*fiscal.Tenant, error) {
	var model models.TenantModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", tenantID).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// FindByRFC finds a tenant by its RFC
func (r *GormTenantRepository) FindByRFC(ctx context.Context, rfc string) (*fiscal.Tenant, error) {
	var model models.TenantModel
	if err := r.db.WithContext(ctx).
		Where("rfc = ?", strings.ToUpper(strings.TrimSpace(rfc))).
		First(&model).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// ListActive returns every active tenant ordered by RFC
func (r *GormTenantRepository) ListActive(ctx context.Context) ([]*fiscal.Tenant, error) {
	var rows []models.TenantModel
	if err := r.db.WithContext(ctx).Where("active = ?", true).Order("rfc ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*fiscal.Tenant, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// Save creates or updates a tenant
func (r *GormTenantRepository) Save(ctx context.Context, t *fiscal.Tenant) error {
	var model models.TenantModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", t.ID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	model.FromDomain(t, time.Now())
	return translateError(r.db.WithContext(ctx).Save(&model).Error)
}

// TouchLastSync stamps the last acquisition submission of a tenant
func (r *GormTenantRepository) TouchLastSync(ctx context.Context, tenantID uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.TenantModel{}).
		Where("id = ?", tenantID).
		Updates(map[string]any{"last_sync_at": at.UTC(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}
