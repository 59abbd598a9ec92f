package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormDocumentRepository implements fiscal.DocumentRepository using GORM
type GormDocumentRepository struct {
	db *gorm.DB
}

// NewGormDocumentRepository creates a new GormDocumentRepository
func NewGormDocumentRepository(db *gorm.DB) *GormDocumentRepository {
	return &GormDocumentRepository{db: db}
}

var _ fiscal.DocumentRepository = (*GormDocumentRepository)(nil)

// Create inserts a document with its lines. The (tenant_id, uuid) unique
// index rejects a second copy with shared.ErrAlreadyExists.
func (r *GormDocumentRepository) Create(ctx context.Context, d *fiscal.FiscalDocument) error {
	if err := d.ValidatePaymentTerms(); err != nil {
		return err
	}
	model := models.FiscalDocumentModelFromDomain(d)
	return translateError(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(model).Error
	}))
}

func (r *GormDocumentRepository) withLines(ctx context.Context, tenantID uuid.UUID) *gorm.DB {
	return r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") })
}

// FindByID finds a document with its lines
func (r *GormDocumentRepository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*fiscal.FiscalDocument, error) {
	var model models.FiscalDocumentModel
	if err := r.withLines(ctx, tenantID).First(&model, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// FindByUUID finds a document by its fiscal UUID, case-insensitively
func (r *GormDocumentRepository) FindByUUID(ctx context.Context, tenantID uuid.UUID, documentUUID string) (*fiscal.FiscalDocument, error) {
	var model models.FiscalDocumentModel
	if err := r.withLines(ctx, tenantID).
		Where("uuid = ?", strings.ToUpper(strings.TrimSpace(documentUUID))).
		First(&model).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// FindByUUIDs returns the tenant's documents among uuids; unknown ones are skipped
func (r *GormDocumentRepository) FindByUUIDs(ctx context.Context, tenantID uuid.UUID, uuids []string) ([]*fiscal.FiscalDocument, error) {
	if len(uuids) == 0 {
		return []*fiscal.FiscalDocument{}, nil
	}
	normalized := make([]string, len(uuids))
	for i, u := range uuids {
		normalized[i] = strings.ToUpper(strings.TrimSpace(u))
	}
	var rows []models.FiscalDocumentModel
	if err := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Where("uuid IN ?", normalized).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return documentsToDomain(rows), nil
}

// List returns a page of documents without lines. Supported filters:
// authority_status, lifecycle, issuer_rfc, recipient_rfc, reconciled (bool),
// package_id (uuid.UUID), issued_from and issued_to (time.Time).
func (r *GormDocumentRepository) List(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*fiscal.FiscalDocument], error) {
	filter = filter.Normalize()
	query := r.db.WithContext(ctx).Model(&models.FiscalDocumentModel{}).Scopes(tenant.Scope(tenantID))
	for _, col := range []string{"authority_status", "lifecycle", "issuer_rfc", "recipient_rfc"} {
		if v, ok := filter.Filters[col].(string); ok && v != "" {
			query = query.Where(col+" = ?", v)
		}
	}
	if v, ok := filter.Filters["reconciled"].(bool); ok {
		query = query.Where("reconciled = ?", v)
	}
	if v, ok := filter.Filters["package_id"].(uuid.UUID); ok && v != uuid.Nil {
		query = query.Where("package_id = ?", v)
	}
	if v, ok := filter.Filters["issued_from"].(time.Time); ok && !v.IsZero() {
		query = query.Where("issued_at >= ?", v.UTC())
	}
	if v, ok := filter.Filters["issued_to"].(time.Time); ok && !v.IsZero() {
		query = query.Where("issued_at <= ?", v.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return shared.Paginated[*fiscal.FiscalDocument]{}, err
	}
	var rows []models.FiscalDocumentModel
	if err := query.
		Order(orderClause(filter, DocumentSortFields, "issued_at")).
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error; err != nil {
		return shared.Paginated[*fiscal.FiscalDocument]{}, err
	}
	return shared.NewPaginated(documentsToDomain(rows), total, filter.Page, filter.PageSize), nil
}

// SaveStatusCheck appends check, then writes the projection of d, in one
// transaction. The projection write is conditional on the stored version so
// two concurrent checks cannot interleave.
func (r *GormDocumentRepository) SaveStatusCheck(ctx context.Context, d *fiscal.FiscalDocument, check *fiscal.StatusCheck) error {
	if check.DocumentID != d.ID {
		return shared.NewDomainError("INVALID_INPUT", "status check does not belong to the document")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(models.StatusCheckModelFromDomain(check)).Error; err != nil {
			return translateError(err)
		}
		result := tx.Model(&models.FiscalDocumentModel{}).
			Scopes(tenant.Scope(d.TenantID)).
			Where("id = ? AND version < ?", d.ID, d.TenantAggregateRoot.Version).
			Updates(models.StatusColumns(d))
		return checkVersioned(result)
	})
}

// ListStatusChecks returns the ledger of a document, oldest first
func (r *GormDocumentRepository) ListStatusChecks(ctx context.Context, documentID uuid.UUID) ([]*fiscal.StatusCheck, error) {
	var rows []models.StatusCheckModel
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("checked_at ASC, created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*fiscal.StatusCheck, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// FindForRevalidation returns valid documents issued at or after since, newest first
func (r *GormDocumentRepository) FindForRevalidation(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]*fiscal.FiscalDocument, error) {
	var rows []models.FiscalDocumentModel
	if err := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Where("authority_status = ? AND issued_at >= ?", fiscal.AuthorityStatusValid, since.UTC()).
		Order("issued_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return documentsToDomain(rows), nil
}

// FindUnreconciled returns not-yet-reconciled documents of the given packages, with lines
func (r *GormDocumentRepository) FindUnreconciled(ctx context.Context, tenantID uuid.UUID, packageIDs []uuid.UUID, limit int) ([]*fiscal.FiscalDocument, error) {
	if len(packageIDs) == 0 {
		return []*fiscal.FiscalDocument{}, nil
	}
	var rows []models.FiscalDocumentModel
	if err := r.withLines(ctx, tenantID).
		Where("reconciled = ? AND package_id IN ?", false, packageIDs).
		Order("issued_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return documentsToDomain(rows), nil
}

// MarkReconciled sets the reconciled flag only
func (r *GormDocumentRepository) MarkReconciled(ctx context.Context, d *fiscal.FiscalDocument) error {
	result := r.db.WithContext(ctx).
		Model(&models.FiscalDocumentModel{}).
		Scopes(tenant.Scope(d.TenantID)).
		Where("id = ?", d.ID).
		Updates(map[string]any{"reconciled": true, "updated_at": d.UpdatedAt.UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func documentsToDomain(rows []models.FiscalDocumentModel) []*fiscal.FiscalDocument {
	out := make([]*fiscal.FiscalDocument, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}
