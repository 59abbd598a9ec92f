package persistence

import (
	"context"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormDownloadPackageRepository implements fiscal.DownloadPackageRepository using GORM
type GormDownloadPackageRepository struct {
	db *gorm.DB
}

// NewGormDownloadPackageRepository creates a new GormDownloadPackageRepository
func NewGormDownloadPackageRepository(db *gorm.DB) *GormDownloadPackageRepository {
	return &GormDownloadPackageRepository{db: db}
}

var _ fiscal.DownloadPackageRepository = (*GormDownloadPackageRepository)(nil)

// Create inserts a package; the (request_id, external_id) unique index
// turns a second materialisation into shared.ErrAlreadyExists.
func (r *GormDownloadPackageRepository) Create(ctx context.Context, p *fiscal.DownloadPackage) error {
	return translateError(r.db.WithContext(ctx).Create(models.DownloadPackageModelFromDomain(p)).Error)
}

// Update saves p if nobody saved a newer version in between. Two workers
// claiming the same package both move it to the same version, so only one
// of them succeeds.
func (r *GormDownloadPackageRepository) Update(ctx context.Context, p *fiscal.DownloadPackage) error {
	model := models.DownloadPackageModelFromDomain(p)
	result := r.db.WithContext(ctx).
		Model(&models.DownloadPackageModel{}).
		Scopes(tenant.Scope(p.TenantID)).
		Where("id = ? AND version < ?", p.ID, p.Version).
		Select("*").
		Omit("id", "tenant_id", "request_id", "external_id", "created_at").
		Updates(model)
	return checkVersioned(result)
}

// FindByID finds a package by ID
func (r *GormDownloadPackageRepository) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.DownloadPackage, error) {
	var model models.DownloadPackageModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// ListByRequest returns the packages of a request in creation order
func (r *GormDownloadPackageRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*fiscal.DownloadPackage, error) {
	var rows []models.DownloadPackageModel
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC, external_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return packagesToDomain(rows), nil
}

// FindStale returns claimed packages whose worker stopped touching them
// before the given time, oldest first
func (r *GormDownloadPackageRepository) FindStale(ctx context.Context, before time.Time, limit int) ([]*fiscal.DownloadPackage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.DownloadPackageModel
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []fiscal.PackageStatus{fiscal.PackageDownloading, fiscal.PackageProcessing}).
		Where("updated_at < ?", before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return packagesToDomain(rows), nil
}

func packagesToDomain(rows []models.DownloadPackageModel) []*fiscal.DownloadPackage {
	out := make([]*fiscal.DownloadPackage, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}
