package reconciliation

import (
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Direction of a reconciliation relative to the external system.
type Direction string

const (
	DirectionToExternal   Direction = "to_external"
	DirectionFromExternal Direction = "from_external"
)

// Outcome of one reconcile invocation.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// Action is what the invocation did in the external system.
type Action string

const (
	ActionNone          Action = ""
	ActionCreated       Action = "created"
	ActionVerified      Action = "verified"
	ActionStatusUpdated Action = "status_updated"
)

// Record is the immutable log of one reconcile invocation for one document.
type Record struct {
	shared.BaseEntity
	TenantID        uuid.UUID
	ConnectionID    uuid.UUID
	DocumentID      uuid.UUID
	DocumentUUID    string
	Direction       Direction
	Outcome         Outcome
	Action          Action
	ExternalID      *int64
	Step            string
	Error           string
	RequestPayload  string
	ResponsePayload string
}

// NewRecord creates a record for one invocation.
func NewRecord(conn *Connection, documentID uuid.UUID, documentUUID string, direction Direction, outcome Outcome, action Action, now time.Time) *Record {
	return &Record{
		BaseEntity:   shared.NewBaseEntity(now),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		DocumentID:   documentID,
		DocumentUUID: documentUUID,
		Direction:    direction,
		Outcome:      outcome,
		Action:       action,
	}
}
