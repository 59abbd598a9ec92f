package fiscal

import (
	"context"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// CredentialRepository persists signing credentials.
type CredentialRepository interface {
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*SigningCredential, error)
	FindActive(ctx context.Context, tenantID uuid.UUID, kind CredentialKind) (*SigningCredential, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*SigningCredential, error)
	// Activate inserts c as the active credential and supersedes the
	// previously active one of the same kind in the same transaction.
	// It returns the superseded credential ID, if any.
	Activate(ctx context.Context, c *SigningCredential) (*uuid.UUID, error)
	Update(ctx context.Context, c *SigningCredential) error
}

// DownloadRequestRepository persists bulk requests.
type DownloadRequestRepository interface {
	Create(ctx context.Context, r *DownloadRequest) error
	Update(ctx context.Context, r *DownloadRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*DownloadRequest, error)
	// FindPollable returns requests in requested or ready status, oldest first.
	FindPollable(ctx context.Context, limit int) ([]*DownloadRequest, error)
	// FindUnsubmitted returns requested requests without an external id
	// that nobody touched since before, oldest first.
	FindUnsubmitted(ctx context.Context, before time.Time, limit int) ([]*DownloadRequest, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*DownloadRequest], error)
}

// DownloadPackageRepository persists packages.
type DownloadPackageRepository interface {
	// Create inserts p; it returns shared.ErrAlreadyExists when the
	// (request, external id) pair is already present.
	Create(ctx context.Context, p *DownloadPackage) error
	Update(ctx context.Context, p *DownloadPackage) error
	FindByID(ctx context.Context, id uuid.UUID) (*DownloadPackage, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*DownloadPackage, error)
	// FindStale returns downloading or processing packages not updated
	// since before, oldest first.
	FindStale(ctx context.Context, before time.Time, limit int) ([]*DownloadPackage, error)
}

// DocumentRepository persists fiscal documents and their status ledger.
type DocumentRepository interface {
	// Create inserts d; it returns shared.ErrAlreadyExists when the
	// (tenant, UUID) pair is taken and ErrBusinessRule when d is invalid.
	Create(ctx context.Context, d *FiscalDocument) error
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*FiscalDocument, error)
	FindByUUID(ctx context.Context, tenantID uuid.UUID, documentUUID string) (*FiscalDocument, error)
	List(ctx context.Context, tenantID uuid.UUID, filter shared.Filter) (shared.Paginated[*FiscalDocument], error)
	// SaveStatusCheck appends check and then writes d's projection in one
	// transaction. There is no way to update or delete a check.
	SaveStatusCheck(ctx context.Context, d *FiscalDocument, check *StatusCheck) error
	ListStatusChecks(ctx context.Context, documentID uuid.UUID) ([]*StatusCheck, error)
	// FindForRevalidation returns valid documents issued at or after since,
	// newest first.
	FindForRevalidation(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]*FiscalDocument, error)
	// FindUnreconciled returns documents of the given packages not yet
	// mirrored into the accounting system.
	FindUnreconciled(ctx context.Context, tenantID uuid.UUID, packageIDs []uuid.UUID, limit int) ([]*FiscalDocument, error)
	FindByUUIDs(ctx context.Context, tenantID uuid.UUID, uuids []string) ([]*FiscalDocument, error)
	MarkReconciled(ctx context.Context, d *FiscalDocument) error
}

// SyncSettingsRepository persists per-tenant schedule settings.
type SyncSettingsRepository interface {
	// Get returns the stored settings or DefaultSyncSettings.
	Get(ctx context.Context, tenantID uuid.UUID) (*SyncSettings, error)
	Save(ctx context.Context, s *SyncSettings) error
}

// TenantDirectory provides tenant identity and fiscal attributes.
type TenantDirectory interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*Tenant, error)
	ListActive(ctx context.Context) ([]*Tenant, error)
	TouchLastSync(ctx context.Context, tenantID uuid.UUID, at time.Time) error
}

// BlobStore stores bytes by path. Paths, not contents, are persisted.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// SecretCipher seals small secrets such as credential passwords.
type SecretCipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(sealed string) ([]byte, error)
}
