package persistence

import (
	"context"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormDownloadRequestRepository implements fiscal.DownloadRequestRepository using GORM
type GormDownloadRequestRepository struct {
	db *gorm.DB
}

// NewGormDownloadRequestRepository creates a new GormDownloadRequestRepository
func NewGormDownloadRequestRepository(db *gorm.DB) *GormDownloadRequestRepository {
	return &GormDownloadRequestRepository{db: db}
}

var _ fiscal.DownloadRequestRepository = (*GormDownloadRequestRepository)(nil)

// Create inserts a new request
func (r *GormDownloadRequestRepository) Create(ctx context.Context, req *fiscal.DownloadRequest) error {
	return translateError(r.db.WithContext(ctx).Create(models.DownloadRequestModelFromDomain(req)).Error)
}

// Update saves req if nobody saved a newer version in between
func (r *GormDownloadRequestRepository) Update(ctx context.Context, req *fiscal.DownloadRequest) error {
	model := models.DownloadRequestModelFromDomain(req)
	result := r.db.WithContext(ctx).
		Model(&models.DownloadRequestModel{}).
		Scopes(tenant.Scope(req.TenantID)).
		Where("id = ? AND version < ?", req.ID, req.Version).
		Select("*").
		Omit("id", "tenant_id", "created_at").
		Updates(model)
	return checkVersioned(result)
}

// FindByID finds a request by ID
func (r *GormDownloadRequestRepository) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.DownloadRequest, error) {
	var model models.DownloadRequestModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// FindPollable returns requested or ready requests, oldest first
func (r *GormDownloadRequestRepository) FindPollable(ctx context.Context, limit int) ([]*fiscal.DownloadRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.DownloadRequestModel
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []fiscal.RequestStatus{fiscal.RequestStatusRequested, fiscal.RequestStatusReady}).
		Where("external_id <> ''").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return requestsToDomain(rows), nil
}

// FindUnsubmitted returns requested requests the authority never accepted
// and that were last touched before the given time, oldest first
func (r *GormDownloadRequestRepository) FindUnsubmitted(ctx context.Context, before time.Time, limit int) ([]*fiscal.DownloadRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.DownloadRequestModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", fiscal.RequestStatusRequested).
		Where("external_id = '' OR external_id IS NULL").
		Where("updated_at < ?", before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return requestsToDomain(rows), nil
}

// ListByTenant lists a tenant's requests with pagination
func (r *GormDownloadRequestRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*fiscal.DownloadRequest], error) {
	filter = filter.Normalize()
	query := r.db.WithContext(ctx).Model(&models.DownloadRequestModel{}).Scopes(tenant.Scope(tenantID))
	if status, ok := filter.Filters["status"].(string); ok && status != "" {
		query = query.Where("status = ?", status)
	}
	if direction, ok := filter.Filters["direction"].(string); ok && direction != "" {
		query = query.Where("direction = ?", direction)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return shared.Paginated[*fiscal.DownloadRequest]{}, err
	}
	var rows []models.DownloadRequestModel
	if err := query.
		Order(orderClause(filter, DownloadRequestSortFields, "created_at")).
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error; err != nil {
		return shared.Paginated[*fiscal.DownloadRequest]{}, err
	}
	return shared.NewPaginated(requestsToDomain(rows), total, filter.Page, filter.PageSize), nil
}

func requestsToDomain(rows []models.DownloadRequestModel) []*fiscal.DownloadRequest {
	out := make([]*fiscal.DownloadRequest, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}
