package shared

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is a fact about a tenant's fiscal data: a document changed
// state, a credential was activated, a package was ingested.
type DomainEvent interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	AggregateID() uuid.UUID
	AggregateType() string
	TenantID() uuid.UUID
}

// BaseDomainEvent is embedded by concrete events. The JSON tags are the
// audit log's payload envelope.
type BaseDomainEvent struct {
	ID         uuid.UUID `json:"event_id"`
	Type       string    `json:"event_type"`
	At         time.Time `json:"occurred_at"`
	Subject    uuid.UUID `json:"subject_id"`
	SubjectOf  string    `json:"subject_type"`
	TenantUUID uuid.UUID `json:"tenant_id"`
}

func (e *BaseDomainEvent) EventID() uuid.UUID { return e.ID }
func (e *BaseDomainEvent) EventType() string { return e.Type }
func (e *BaseDomainEvent) OccurredAt() time.Time { return e.At }
func (e *BaseDomainEvent) AggregateID() uuid.UUID { return e.Subject }
func (e *BaseDomainEvent) AggregateType() string { return e.SubjectOf }
func (e *BaseDomainEvent) TenantID() uuid.UUID { return e.TenantUUID }

// NewBaseDomainEvent stamps a fresh id and normalizes occurredAt to UTC.
func NewBaseDomainEvent(eventType, subjectType string, subjectID, tenantID uuid.UUID, occurredAt time.Time) BaseDomainEvent {
	return BaseDomainEvent{
		ID:         uuid.New(),
		Type:       eventType,
		At:         occurredAt.UTC(),
		Subject:    subjectID,
		SubjectOf:  subjectType,
		TenantUUID: tenantID,
	}
}
