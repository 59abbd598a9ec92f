// Package audit holds the append-only trail of changes to fiscal documents
// and signing credentials.
package audit

import (
	"context"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Actions recorded in the trail.
const (
	ActionStatusChanged       = "status_changed"
	ActionCredentialActivated = "credential_activated"
)

// Entry is one audit row. Before and After hold JSON snapshots.
type Entry struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	EventID    uuid.UUID
	EntityType string
	EntityID   uuid.UUID
	Action     string
	Before     string
	After      string
	Actor      string
	Notes      string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// Repository appends entries. Appending an entry whose EventID is already
// recorded is a no-op, so redelivered events do not duplicate rows.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByEntity(ctx context.Context, tenantID uuid.UUID, entityType string, entityID uuid.UUID, filter shared.Filter) (shared.Paginated[*Entry], error)
}
