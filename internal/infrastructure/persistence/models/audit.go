package models

import (
	"time"

	"github.com/cfdisync/backend/internal/domain/audit"
	"github.com/google/uuid"
)

// AuditLogModel is the persistence model for an audit Entry.
type AuditLogModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index:idx_audit_logs_entity"`
	EventID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	EntityType string    `gorm:"type:varchar(50);not null;index:idx_audit_logs_entity"`
	EntityID   uuid.UUID `gorm:"type:uuid;not null;index:idx_audit_logs_entity"`
	Action     string    `gorm:"type:varchar(50);not null"`
	Before     string    `gorm:"type:text"`
	After      string    `gorm:"type:text"`
	Actor      string    `gorm:"type:varchar(100)"`
	Notes      string    `gorm:"type:text"`
	OccurredAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (AuditLogModel) TableName() string {
	return "audit_logs"
}

// ToDomain converts the persistence model to an audit Entry.
func (m *AuditLogModel) ToDomain() *audit.Entry {
	return &audit.Entry{
		ID:         m.ID,
		TenantID:   m.TenantID,
		EventID:    m.EventID,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Action:     m.Action,
		Before:     m.Before,
		After:      m.After,
		Actor:      m.Actor,
		Notes:      m.Notes,
		OccurredAt: m.OccurredAt.UTC(),
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

// FromDomain populates the persistence model from an audit Entry.
func (m *AuditLogModel) FromDomain(e *audit.Entry) {
	m.ID = e.ID
	m.TenantID = e.TenantID
	m.EventID = e.EventID
	m.EntityType = e.EntityType
	m.EntityID = e.EntityID
	m.Action = e.Action
	m.Before = e.Before
	m.After = e.After
	m.Actor = e.Actor
	m.Notes = e.Notes
	m.OccurredAt = e.OccurredAt.UTC()
	m.CreatedAt = e.CreatedAt.UTC()
}
