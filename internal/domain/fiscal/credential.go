package fiscal

import (
	"fmt"
	"strings"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// CredentialKind is the purpose of a key pair issued by the authority.
type CredentialKind string

const (
	// CredentialFIEL is the advanced electronic signature used for bulk
	// download and administrative calls.
	CredentialFIEL CredentialKind = "FIEL"
	// CredentialCSD is the per-document sealing certificate.
	CredentialCSD CredentialKind = "CSD"
)

// IsValid returns true if the kind is known
func (k CredentialKind) IsValid() bool {
	return k == CredentialFIEL || k == CredentialCSD
}

// CredentialStatus is the lifecycle of an uploaded credential.
type CredentialStatus string

const (
	CredentialActive     CredentialStatus = "active"
	CredentialSuperseded CredentialStatus = "superseded"
	CredentialExpired    CredentialStatus = "expired"
	CredentialRevoked    CredentialStatus = "revoked"
)

// SigningCredential references a certificate and its encrypted private key.
// The key bytes live in the blob store; the password is stored encrypted.
type SigningCredential struct {
	shared.TenantAggregateRoot
	Kind              CredentialKind
	RFC               string
	SerialNumber      string
	CertificatePath   string
	KeyPath           string
	EncryptedPassword string
	NotBefore         time.Time
	NotAfter          time.Time
	Status            CredentialStatus
	SupersededAt      *time.Time
}

// NewSigningCredential creates an active credential. Activation against the
// previous one of the same kind happens in CredentialRepository.Activate.
func NewSigningCredential(
	tenantID uuid.UUID,
	kind CredentialKind,
	rfc, serial string,
	notBefore, notAfter time.Time,
	now time.Time,
) (*SigningCredential, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !kind.IsValid() {
		return nil, shared.NewDomainError("INVALID_CREDENTIAL_KIND", fmt.Sprintf("unknown credential kind %q", kind))
	}
	if serial == "" {
		return nil, shared.NewDomainError("INVALID_SERIAL", "certificate serial number cannot be empty")
	}
	if !notAfter.After(notBefore) {
		return nil, NewCredentialError("certificate validity window is empty")
	}
	c := &SigningCredential{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID, now),
		Kind:                kind,
		RFC:                 strings.ToUpper(strings.TrimSpace(rfc)),
		SerialNumber:        serial,
		NotBefore:           notBefore.UTC(),
		NotAfter:            notAfter.UTC(),
		Status:              CredentialActive,
	}
	c.CertificatePath = CredentialBlobPath(tenantID, c.RFC, kind, serial, "cer")
	c.KeyPath = CredentialBlobPath(tenantID, c.RFC, kind, serial, "key")
	c.AddDomainEvent(NewCredentialActivatedEvent(c, now))
	return c, nil
}

// Usable returns ErrCredential unless the credential is active, of the
// requested kind and inside its validity window at now.
func (c *SigningCredential) Usable(kind CredentialKind, now time.Time) error {
	if c.Kind != kind {
		return NewCredentialError(fmt.Sprintf("credential %s is %s, %s required", c.SerialNumber, c.Kind, kind))
	}
	if c.Status != CredentialActive {
		return NewCredentialError(fmt.Sprintf("credential %s is %s", c.SerialNumber, c.Status))
	}
	if now.Before(c.NotBefore) {
		return NewCredentialError(fmt.Sprintf("credential %s is not valid before %s", c.SerialNumber, c.NotBefore.Format(time.RFC3339)))
	}
	if now.After(c.NotAfter) {
		return NewCredentialError(fmt.Sprintf("credential %s expired at %s", c.SerialNumber, c.NotAfter.Format(time.RFC3339)))
	}
	return nil
}

// Supersede demotes the credential when a newer one of the same kind is activated.
func (c *SigningCredential) Supersede(now time.Time) {
	if c.Status != CredentialActive {
		return
	}
	at := now.UTC()
	c.Status = CredentialSuperseded
	c.SupersededAt = &at
	c.Touch(now)
	c.IncrementVersion()
}

// Revoke marks the credential as revoked by the authority.
func (c *SigningCredential) Revoke(now time.Time) {
	c.Status = CredentialRevoked
	c.Touch(now)
	c.IncrementVersion()
}

// ExpireIfDue flips an active credential past its NotAfter to expired.
func (c *SigningCredential) ExpireIfDue(now time.Time) bool {
	if c.Status != CredentialActive || !now.After(c.NotAfter) {
		return false
	}
	c.Status = CredentialExpired
	c.Touch(now)
	c.IncrementVersion()
	return true
}
