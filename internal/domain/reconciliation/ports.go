package reconciliation

import (
	"context"

	"github.com/google/uuid"
)

// ConnectionRepository persists connections.
type ConnectionRepository interface {
	Create(ctx context.Context, c *Connection) error
	FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) (*Connection, error)
	Update(ctx context.Context, c *Connection) error
}

// RecordRepository appends records. There is no update or delete.
type RecordRepository interface {
	Append(ctx context.Context, r *Record) error
	// FindSuccess returns the latest success record for the document on
	// the connection, or shared.ErrNotFound.
	FindSuccess(ctx context.Context, connectionID uuid.UUID, documentUUID string, direction Direction) (*Record, error)
	// FindOrphan returns the latest error record that left an entry behind
	// in the external system, or shared.ErrNotFound.
	FindOrphan(ctx context.Context, connectionID uuid.UUID, documentUUID string, direction Direction) (*Record, error)
	ListByDocument(ctx context.Context, tenantID uuid.UUID, documentUUID string) ([]*Record, error)
}
