// Package credential uploads signing credentials and turns the active one
// back into key material for the authority client.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/event"
	"github.com/cfdisync/backend/internal/infrastructure/sat"
)

// UploadCommand carries the files of a new credential.
type UploadCommand struct {
	TenantID    uuid.UUID
	Kind        fiscal.CredentialKind
	Certificate []byte
	Key         []byte
	Password    string
	UploadedBy  string
}

// Service manages signing credentials.
type Service struct {
	repo      fiscal.CredentialRepository
	tenants   fiscal.TenantDirectory
	blobs     fiscal.BlobStore
	cipher    fiscal.SecretCipher
	publisher shared.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

var _ sat.MaterialLoader = (*Service)(nil)

// NewService creates a credential service
func NewService(
	repo fiscal.CredentialRepository,
	tenants fiscal.TenantDirectory,
	blobs fiscal.BlobStore,
	cipher fiscal.SecretCipher,
	publisher shared.EventPublisher,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		tenants:   tenants,
		blobs:     blobs,
		cipher:    cipher,
		publisher: publisher,
		logger:    logger.Named("credential"),
		now:       time.Now,
	}
}

// Upload validates the key pair, stores both files, seals the password and
// activates the credential, superseding the previous one of the same kind.
func (s *Service) Upload(ctx context.Context, cmd UploadCommand) (*fiscal.SigningCredential, error) {
	if !cmd.Kind.IsValid() {
		return nil, shared.NewDomainError("INVALID_CREDENTIAL_KIND", fmt.Sprintf("unknown credential kind %q", cmd.Kind))
	}
	if len(cmd.Certificate) == 0 || len(cmd.Key) == 0 {
		return nil, shared.NewDomainError("INVALID_INPUT", "certificate and key files are required")
	}
	now := s.now()

	material, err := sat.LoadCredentialMaterial(cmd.Certificate, cmd.Key, cmd.Password, now)
	if err != nil {
		return nil, err
	}
	tenant, err := s.tenants.Get(ctx, cmd.TenantID)
	if err != nil {
		return nil, err
	}
	rfc := material.RFC()
	if rfc == "" {
		rfc = tenant.RFC
	}
	if !strings.EqualFold(rfc, tenant.RFC) {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("certificate belongs to %s, tenant is %s", rfc, tenant.RFC))
	}

	cred, err := fiscal.NewSigningCredential(cmd.TenantID, cmd.Kind, rfc, material.SerialNumber(),
		material.Certificate.NotBefore, material.Certificate.NotAfter, now)
	if err != nil {
		return nil, err
	}

	sealed, err := s.cipher.Encrypt([]byte(cmd.Password))
	if err != nil {
		return nil, fmt.Errorf("seal credential password: %w", err)
	}
	cred.EncryptedPassword = sealed

	if err := s.blobs.Put(ctx, cred.CertificatePath, cmd.Certificate, "application/pkix-cert"); err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}
	if err := s.blobs.Put(ctx, cred.KeyPath, cmd.Key, "application/octet-stream"); err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}

	superseded, err := s.repo.Activate(ctx, cred)
	if err != nil {
		return nil, err
	}
	for _, ev := range cred.GetDomainEvents() {
		if activated, ok := ev.(*fiscal.CredentialActivatedEvent); ok {
			activated.SupersededID = superseded
		}
	}
	if err := event.PublishAndClear(ctx, s.publisher, cred); err != nil {
		s.logger.Warn("credential activated but event delivery failed",
			zap.String("credential_id", cred.ID.String()), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("tenant_id", cmd.TenantID.String()),
		zap.String("kind", string(cmd.Kind)),
		zap.String("serial", cred.SerialNumber),
		zap.Time("not_after", cred.NotAfter),
		zap.String("uploaded_by", cmd.UploadedBy),
	}
	if superseded != nil {
		fields = append(fields, zap.String("superseded_id", superseded.String()))
	}
	s.logger.Info("credential activated", fields...)
	return cred, nil
}

// List returns every credential of the tenant, active or not.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID) ([]*fiscal.SigningCredential, error) {
	return s.repo.ListByTenant(ctx, tenantID)
}

// LoadMaterial returns the decrypted key pair of the tenant's active
// credential of kind. Every failure is reported as fiscal.ErrCredential.
func (s *Service) LoadMaterial(ctx context.Context, tenantID uuid.UUID, kind fiscal.CredentialKind) (*sat.CredentialMaterial, error) {
	now := s.now()
	cred, err := s.repo.FindActive(ctx, tenantID, kind)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("tenant has no active %s credential", kind))
	}
	if err != nil {
		return nil, err
	}

	if err := cred.Usable(kind, now); err != nil {
		if cred.ExpireIfDue(now) {
			if uerr := s.repo.Update(ctx, cred); uerr != nil {
				s.logger.Warn("failed to mark credential expired", zap.String("credential_id", cred.ID.String()), zap.Error(uerr))
			}
		}
		return nil, err
	}

	cer, err := s.blobs.Get(ctx, cred.CertificatePath)
	if err != nil {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("certificate file unavailable: %v", err))
	}
	key, err := s.blobs.Get(ctx, cred.KeyPath)
	if err != nil {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("key file unavailable: %v", err))
	}
	password, err := s.cipher.Decrypt(cred.EncryptedPassword)
	if err != nil {
		return nil, fiscal.NewCredentialError(
			"credential password cannot be opened; the secrets key differs from the one used at upload")
	}
	return sat.LoadCredentialMaterial(cer, key, string(password), now)
}
