package persistence

import (
	"context"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/models"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCredentialRepository implements fiscal.CredentialRepository using GORM
type GormCredentialRepository struct {
	db *gorm.DB
}

// NewGormCredentialRepository creates a new GormCredentialRepository
func NewGormCredentialRepository(db *gorm.DB) *GormCredentialRepository {
	return &GormCredentialRepository{db: db}
}

var _ fiscal.CredentialRepository = (*GormCredentialRepository)(nil)

// FindByID finds a credential by ID within a tenant
func (r *GormCredentialRepository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*fiscal.SigningCredential, error) {
	var model models.SigningCredentialModel
	if err := r.db.WithContext(ctx).Scopes(tenant.Scope(tenantID)).First(&model, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// FindActive returns the active credential of kind, or shared.ErrNotFound.
func (r *GormCredentialRepository) FindActive(ctx context.Context, tenantID uuid.UUID, kind fiscal.CredentialKind) (*fiscal.SigningCredential, error) {
	var model models.SigningCredentialModel
	if err := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Where("kind = ? AND status = ?", kind, fiscal.CredentialActive).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// ListByTenant lists every credential of a tenant, newest first
func (r *GormCredentialRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*fiscal.SigningCredential, error) {
	var rows []models.SigningCredentialModel
	if err := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*fiscal.SigningCredential, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// Activate supersedes the current active credential of the same kind and
// inserts c, in one transaction.
func (r *GormCredentialRepository) Activate(ctx context.Context, c *fiscal.SigningCredential) (*uuid.UUID, error) {
	var supersededID *uuid.UUID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.SigningCredentialModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(tenant.Scope(c.TenantID)).
			Where("kind = ? AND status = ?", c.Kind, fiscal.CredentialActive).
			Find(&rows).Error; err != nil {
			return err
		}
		now := c.CreatedAt
		if now.IsZero() {
			now = time.Now()
		}
		for i := range rows {
			prev := rows[i].ToDomain()
			prev.Supersede(now)
			result := tx.Model(&models.SigningCredentialModel{}).
				Where("id = ? AND status = ?", prev.ID, fiscal.CredentialActive).
				Updates(map[string]any{
					"status":        prev.Status,
					"superseded_at": prev.SupersededAt,
					"version":       prev.Version,
					"updated_at":    prev.UpdatedAt,
				})
			if err := checkVersioned(result); err != nil {
				return err
			}
			id := prev.ID
			supersededID = &id
		}
		return translateError(tx.Create(models.SigningCredentialModelFromDomain(c)).Error)
	})
	if err != nil {
		return nil, err
	}
	return supersededID, nil
}

// Update saves status changes of an existing credential with optimistic locking
func (r *GormCredentialRepository) Update(ctx context.Context, c *fiscal.SigningCredential) error {
	model := models.SigningCredentialModelFromDomain(c)
	result := r.db.WithContext(ctx).
		Model(&models.SigningCredentialModel{}).
		Scopes(tenant.Scope(c.TenantID)).
		Where("id = ? AND version < ?", c.ID, c.Version).
		Updates(map[string]any{
			"status":        model.Status,
			"superseded_at": model.SupersededAt,
			"version":       model.Version,
			"updated_at":    model.UpdatedAt,
		})
	return checkVersioned(result)
}
