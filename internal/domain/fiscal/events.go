package fiscal

import (
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Aggregate type names used in event envelopes and audit rows.
const (
	AggregateTypeDocument   = "FiscalDocument"
	AggregateTypeCredential = "SigningCredential"
)

// Event types
const (
	EventTypeDocumentStatusChanged = "fiscal.document.status_changed"
	EventTypeCredentialActivated   = "fiscal.credential.activated"
)

// DocumentStatusChangedEvent is raised when a status check changed the
// authority status of a document. It is the audit record of the change.
type DocumentStatusChangedEvent struct {
	shared.BaseDomainEvent
	DocumentUUID string         `json:"document_uuid"`
	IssuerRFC    string         `json:"issuer_rfc"`
	RecipientRFC string         `json:"recipient_rfc"`
	Before       StatusSnapshot `json:"before"`
	After        StatusSnapshot `json:"after"`
	Source       CheckSource    `json:"source"`
	Actor        string         `json:"actor,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// NewDocumentStatusChangedEvent creates the event for d.
func NewDocumentStatusChangedEvent(d *FiscalDocument, before, after StatusSnapshot, u StatusUpdate, now time.Time) *DocumentStatusChangedEvent {
	return &DocumentStatusChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeDocumentStatusChanged, AggregateTypeDocument, d.ID, d.TenantID, now),
		DocumentUUID:    d.UUID,
		IssuerRFC:       d.Issuer.RFC,
		RecipientRFC:    d.Recipient.RFC,
		Before:          before,
		After:           after,
		Source:          u.Source,
		Actor:           u.Actor,
		Reason:          u.Reason,
	}
}

// CredentialActivatedEvent is raised when a credential becomes the active
// one for its (tenant, kind). SupersededID is the demoted credential, if any.
type CredentialActivatedEvent struct {
	shared.BaseDomainEvent
	Kind         CredentialKind `json:"kind"`
	RFC          string         `json:"rfc"`
	SerialNumber string         `json:"serial_number"`
	NotAfter     time.Time      `json:"not_after"`
	SupersededID *uuid.UUID     `json:"superseded_id,omitempty"`
}

// NewCredentialActivatedEvent creates the event for c.
func NewCredentialActivatedEvent(c *SigningCredential, now time.Time) *CredentialActivatedEvent {
	return &CredentialActivatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeCredentialActivated, AggregateTypeCredential, c.ID, c.TenantID, now),
		Kind:            c.Kind,
		RFC:             c.RFC,
		SerialNumber:    c.SerialNumber,
		NotAfter:        c.NotAfter,
	}
}
