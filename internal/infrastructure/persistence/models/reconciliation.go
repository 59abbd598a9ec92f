package models

import (
	"time"

	"github.com/cfdisync/backend/internal/domain/reconciliation"
	"github.com/google/uuid"
)

// ExternalConnectionModel is the persistence model for a reconciliation Connection.
type ExternalConnectionModel struct {
	TenantAggregateModel
	Name            string     `gorm:"type:varchar(100);not null"`
	URL             string     `gorm:"type:varchar(500);not null"`
	Database        string     `gorm:"column:database_name;type:varchar(100);not null"`
	Username        string     `gorm:"type:varchar(100);not null"`
	EncryptedSecret string     `gorm:"type:text;not null"`
	CompanyID       int64      `gorm:"not null;default:0"`
	AutoPost        bool       `gorm:"not null;default:false"`
	Active          bool       `gorm:"not null;index"`
	LastError       string     `gorm:"type:text"`
	LastErrorAt     *time.Time
	LastSuccessAt   *time.Time
}

// TableName returns the table name for GORM
func (ExternalConnectionModel) TableName() string {
	return "external_connections"
}

// ToDomain converts the persistence model to a domain Connection.
func (m *ExternalConnectionModel) ToDomain() *reconciliation.Connection {
	c := &reconciliation.Connection{
		Name:            m.Name,
		URL:             m.URL,
		Database:        m.Database,
		Username:        m.Username,
		EncryptedSecret: m.EncryptedSecret,
		CompanyID:       m.CompanyID,
		AutoPost:        m.AutoPost,
		Active:          m.Active,
		LastError:       m.LastError,
		LastErrorAt:     utcPtr(m.LastErrorAt),
		LastSuccessAt:   utcPtr(m.LastSuccessAt),
	}
	m.PopulateTenantAggregateRoot(&c.TenantAggregateRoot)
	return c
}

// FromDomain populates the persistence model from a domain Connection.
func (m *ExternalConnectionModel) FromDomain(c *reconciliation.Connection) {
	m.FromDomainTenantAggregateRoot(c.TenantAggregateRoot)
	m.Name = c.Name
	m.URL = c.URL
	m.Database = c.Database
	m.Username = c.Username
	m.EncryptedSecret = c.EncryptedSecret
	m.CompanyID = c.CompanyID
	m.AutoPost = c.AutoPost
	m.Active = c.Active
	m.LastError = c.LastError
	m.LastErrorAt = utcPtr(c.LastErrorAt)
	m.LastSuccessAt = utcPtr(c.LastSuccessAt)
}

// ReconciliationRecordModel is one immutable reconciliation log row.
type ReconciliationRecordModel struct {
	BaseModel
	TenantID        uuid.UUID                `gorm:"type:uuid;not null;index"`
	ConnectionID    uuid.UUID                `gorm:"type:uuid;not null;index:idx_reconciliation_lookup"`
	DocumentID      uuid.UUID                `gorm:"type:uuid;not null"`
	DocumentUUID    string                   `gorm:"type:varchar(36);not null;index:idx_reconciliation_lookup"`
	Direction       reconciliation.Direction `gorm:"type:varchar(20);not null;index:idx_reconciliation_lookup"`
	Outcome         reconciliation.Outcome   `gorm:"type:varchar(10);not null"`
	Action          reconciliation.Action    `gorm:"type:varchar(20)"`
	ExternalID      *int64
	Step            string `gorm:"type:varchar(50)"`
	Error           string `gorm:"type:text"`
	RequestPayload  string `gorm:"type:text"`
	ResponsePayload string `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (ReconciliationRecordModel) TableName() string {
	return "reconciliation_records"
}

// ToDomain converts the persistence model to a domain Record.
func (m *ReconciliationRecordModel) ToDomain() *reconciliation.Record {
	return &reconciliation.Record{
		BaseEntity:      m.BaseModel.ToDomain(),
		TenantID:        m.TenantID,
		ConnectionID:    m.ConnectionID,
		DocumentID:      m.DocumentID,
		DocumentUUID:    m.DocumentUUID,
		Direction:       m.Direction,
		Outcome:         m.Outcome,
		Action:          m.Action,
		ExternalID:      m.ExternalID,
		Step:            m.Step,
		Error:           m.Error,
		RequestPayload:  m.RequestPayload,
		ResponsePayload: m.ResponsePayload,
	}
}

// ReconciliationRecordModelFromDomain creates a new persistence model from a domain Record.
func ReconciliationRecordModelFromDomain(r *reconciliation.Record) *ReconciliationRecordModel {
	m := &ReconciliationRecordModel{
		TenantID:        r.TenantID,
		ConnectionID:    r.ConnectionID,
		DocumentID:      r.DocumentID,
		DocumentUUID:    r.DocumentUUID,
		Direction:       r.Direction,
		Outcome:         r.Outcome,
		Action:          r.Action,
		ExternalID:      r.ExternalID,
		Step:            r.Step,
		Error:           r.Error,
		RequestPayload:  r.RequestPayload,
		ResponsePayload: r.ResponsePayload,
	}
	m.FromDomainBaseEntity(r.BaseEntity)
	return m
}
