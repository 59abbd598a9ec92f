package fiscal

import (
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// StatusProjection is the cached view of a document's latest StatusCheck.
// It has no setters; FiscalDocument.UpdateStatus builds new values.
type StatusProjection struct {
	authority          AuthorityStatus
	lifecycle          LifecycleState
	cancellable        string
	cancellationStatus string
	cancelledAt        *time.Time
	currentCheckID     *uuid.UUID
	lastCheckedAt      *time.Time
}

func (p StatusProjection) AuthorityStatus() AuthorityStatus { return p.authority }
func (p StatusProjection) Lifecycle() LifecycleState        { return p.lifecycle }
func (p StatusProjection) Cancellable() string              { return p.cancellable }
func (p StatusProjection) CancellationStatus() string       { return p.cancellationStatus }

// CancelledAt is the time of the first check that found the document cancelled.
func (p StatusProjection) CancelledAt() *time.Time { return copyTime(p.cancelledAt) }

// CurrentCheckID points at the StatusCheck the projection mirrors. It is a
// lookup reference; the check does not point back.
func (p StatusProjection) CurrentCheckID() *uuid.UUID {
	if p.currentCheckID == nil {
		return nil
	}
	id := *p.currentCheckID
	return &id
}

func (p StatusProjection) LastCheckedAt() *time.Time { return copyTime(p.lastCheckedAt) }

// Snapshot exports the projection, for persistence and audit payloads.
func (p StatusProjection) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		AuthorityStatus:    p.authority,
		Lifecycle:          p.lifecycle,
		Cancellable:        p.cancellable,
		CancellationStatus: p.cancellationStatus,
		CancelledAt:        copyTime(p.cancelledAt),
		CurrentCheckID:     p.CurrentCheckID(),
		LastCheckedAt:      copyTime(p.lastCheckedAt),
	}
}

// StatusSnapshot is the exported form of a StatusProjection.
type StatusSnapshot struct {
	AuthorityStatus    AuthorityStatus `json:"authority_status"`
	Lifecycle          LifecycleState  `json:"lifecycle"`
	Cancellable        string          `json:"cancellable,omitempty"`
	CancellationStatus string          `json:"cancellation_status,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CurrentCheckID     *uuid.UUID      `json:"current_check_id,omitempty"`
	LastCheckedAt      *time.Time      `json:"last_checked_at,omitempty"`
}

func (s StatusSnapshot) projection() StatusProjection {
	return StatusProjection{
		authority:          s.AuthorityStatus,
		lifecycle:          s.Lifecycle,
		cancellable:        s.Cancellable,
		cancellationStatus: s.CancellationStatus,
		cancelledAt:        copyTime(s.CancelledAt),
		currentCheckID:     s.CurrentCheckID,
		lastCheckedAt:      copyTime(s.LastCheckedAt),
	}
}

// StatusCheck is one append-only ledger entry. It is never updated or deleted.
type StatusCheck struct {
	shared.BaseEntity
	TenantID           uuid.UUID
	DocumentID         uuid.UUID
	PreviousStatus     AuthorityStatus
	NewStatus          AuthorityStatus
	Changed            bool
	Source             CheckSource
	Cancellable        string
	CancellationStatus string
	RawResponse        string
	Actor              string
	Reason             string
	CredentialID       *uuid.UUID
	CheckedAt          time.Time
}

func newStatusCheck(d *FiscalDocument, previous AuthorityStatus, u StatusUpdate, now time.Time) *StatusCheck {
	return &StatusCheck{
		BaseEntity:         shared.NewBaseEntity(now),
		TenantID:           d.TenantID,
		DocumentID:         d.ID,
		PreviousStatus:     previous,
		NewStatus:          u.Status,
		Changed:            previous != u.Status,
		Source:             u.Source,
		Cancellable:        u.Cancellable,
		CancellationStatus: u.CancellationStatus,
		RawResponse:        u.Raw,
		Actor:              u.Actor,
		Reason:             u.Reason,
		CredentialID:       u.CredentialID,
		CheckedAt:          now.UTC(),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
