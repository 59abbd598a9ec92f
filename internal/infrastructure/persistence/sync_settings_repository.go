package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormSyncSettingsRepository implements fiscal.SyncSettingsRepository using GORM
type GormSyncSettingsRepository struct {
	db *gorm.DB
}

// NewGormSyncSettingsRepository creates a new GormSyncSettingsRepository
func NewGormSyncSettingsRepository(db *gorm.DB) *GormSyncSettingsRepository {
	return &GormSyncSettingsRepository{db: db}
}

var _ fiscal.SyncSettingsRepository = (*GormSyncSettingsRepository)(nil)

// Get returns the stored settings or the defaults for a tenant that never saved any
func (r *GormSyncSettingsRepository) Get(ctx context.Context, tenantID uuid.UUID) (*fiscal.SyncSettings, error) {
	var model models.SyncSettingsModel
	err := r.db.WithContext(ctx).First(&model, "tenant_id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fiscal.DefaultSyncSettings(tenantID), nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save validates and upserts the settings
func (r *GormSyncSettingsRepository) Save(ctx context.Context, s *fiscal.SyncSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	var model models.SyncSettingsModel
	model.FromDomain(s)
	return r.db.WithContext(ctx).Save(&model).Error
}
