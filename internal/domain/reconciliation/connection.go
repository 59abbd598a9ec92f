package reconciliation

import (
	"strings"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// ErrReconciliation is the class of external-system failures. It is
// recorded per document and never disables the connection.
var ErrReconciliation = shared.NewDomainError("RECONCILIATION_ERROR", "external accounting system failure")

// NewReconciliationError builds an ErrReconciliation with a specific message.
func NewReconciliationError(message string) error {
	return shared.NewDomainError(ErrReconciliation.Code, message)
}

// Connection is a tenant's link to an external accounting system.
type Connection struct {
	shared.TenantAggregateRoot
	Name            string
	URL             string
	Database        string
	Username        string
	EncryptedSecret string
	CompanyID       int64
	AutoPost        bool
	Active          bool
	LastError       string
	LastErrorAt     *time.Time
	LastSuccessAt   *time.Time
}

// NewConnection creates an active connection.
func NewConnection(tenantID uuid.UUID, name, url, database, username string, companyID int64, now time.Time) (*Connection, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if strings.TrimSpace(url) == "" || strings.TrimSpace(database) == "" {
		return nil, shared.NewDomainError("INVALID_INPUT", "connection url and database are required")
	}
	return &Connection{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID, now),
		Name:                name,
		URL:                 strings.TrimRight(url, "/"),
		Database:            database,
		Username:            username,
		CompanyID:           companyID,
		Active:              true,
	}, nil
}

// RecordError stores the last failure for operators. The connection stays active.
func (c *Connection) RecordError(message string, now time.Time) {
	at := now.UTC()
	c.LastError = message
	c.LastErrorAt = &at
	c.Touch(now)
}

// RecordSuccess clears nothing; it only stamps the last successful call.
func (c *Connection) RecordSuccess(now time.Time) {
	at := now.UTC()
	c.LastSuccessAt = &at
	c.Touch(now)
}
