package models

import (
	"encoding/json"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var modelLogger = zap.L().Named("persistence.models")

// TenantModel is the persistence model for a taxpayer company.
type TenantModel struct {
	BaseModel
	RFC        string     `gorm:"type:varchar(13);not null;uniqueIndex"`
	Name       string     `gorm:"type:varchar(300);not null"`
	Active     bool       `gorm:"not null;index"`
	LastSyncAt *time.Time
}

// TableName returns the table name for GORM
func (TenantModel) TableName() string {
	return "fiscal_tenants"
}

// ToDomain converts the persistence model to a domain Tenant.
func (m *TenantModel) ToDomain() *fiscal.Tenant {
	return &fiscal.Tenant{
		ID:         m.ID,
		RFC:        m.RFC,
		Name:       m.Name,
		Active:     m.Active,
		LastSyncAt: utcPtr(m.LastSyncAt),
	}
}

// FromDomain populates the persistence model from a domain Tenant.
func (m *TenantModel) FromDomain(t *fiscal.Tenant, now time.Time) {
	m.ID = t.ID
	m.RFC = t.RFC
	m.Name = t.Name
	m.Active = t.Active
	m.LastSyncAt = utcPtr(t.LastSyncAt)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	m.UpdatedAt = now.UTC()
}

// SyncSettingsModel stores one row per tenant; absence means defaults.
type SyncSettingsModel struct {
	TenantID         uuid.UUID  `gorm:"type:uuid;primary_key"`
	DailyEnabled     bool       `gorm:"not null"`
	DailyHour        int        `gorm:"not null"`
	WeeklyEnabled    bool       `gorm:"not null;default:false"`
	WeeklyDay        int        `gorm:"not null"`
	WeeklyHour       int        `gorm:"not null"`
	WeeklyMinute     int        `gorm:"not null;default:0"`
	LookbackDays     int        `gorm:"not null"`
	ReconcileEnabled bool       `gorm:"not null;default:false"`
	LastDailyRunAt   *time.Time
	LastWeeklyRunAt  *time.Time
	UpdatedAt        time.Time  `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncSettingsModel) TableName() string {
	return "sync_settings"
}

// ToDomain converts the persistence model to domain SyncSettings.
func (m *SyncSettingsModel) ToDomain() *fiscal.SyncSettings {
	return &fiscal.SyncSettings{
		TenantID:         m.TenantID,
		DailyEnabled:     m.DailyEnabled,
		DailyHour:        m.DailyHour,
		WeeklyEnabled:    m.WeeklyEnabled,
		WeeklyDay:        time.Weekday(m.WeeklyDay),
		WeeklyHour:       m.WeeklyHour,
		WeeklyMinute:     m.WeeklyMinute,
		LookbackDays:     m.LookbackDays,
		ReconcileEnabled: m.ReconcileEnabled,
		LastDailyRunAt:   utcPtr(m.LastDailyRunAt),
		LastWeeklyRunAt:  utcPtr(m.LastWeeklyRunAt),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}

// FromDomain populates the persistence model from domain SyncSettings.
func (m *SyncSettingsModel) FromDomain(s *fiscal.SyncSettings) {
	m.TenantID = s.TenantID
	m.DailyEnabled = s.DailyEnabled
	m.DailyHour = s.DailyHour
	m.WeeklyEnabled = s.WeeklyEnabled
	m.WeeklyDay = int(s.WeeklyDay)
	m.WeeklyHour = s.WeeklyHour
	m.WeeklyMinute = s.WeeklyMinute
	m.LookbackDays = s.LookbackDays
	m.ReconcileEnabled = s.ReconcileEnabled
	m.LastDailyRunAt = utcPtr(s.LastDailyRunAt)
	m.LastWeeklyRunAt = utcPtr(s.LastWeeklyRunAt)
	m.UpdatedAt = s.UpdatedAt.UTC()
}

// SigningCredentialModel is the persistence model for SigningCredential.
// The partial unique index on (tenant_id, kind) WHERE status = 'active' is
// created by the SQL migrations.
type SigningCredentialModel struct {
	TenantAggregateModel
	Kind              fiscal.CredentialKind   `gorm:"type:varchar(8);not null;index"`
	RFC               string                  `gorm:"type:varchar(13);not null"`
	SerialNumber      string                  `gorm:"type:varchar(64);not null"`
	CertificatePath   string                  `gorm:"type:varchar(500);not null"`
	KeyPath           string                  `gorm:"type:varchar(500);not null"`
	EncryptedPassword string                  `gorm:"type:text;not null"`
	NotBefore         time.Time               `gorm:"not null"`
	NotAfter          time.Time               `gorm:"not null"`
	Status            fiscal.CredentialStatus `gorm:"type:varchar(20);not null;index"`
	SupersededAt      *time.Time
}

// TableName returns the table name for GORM
func (SigningCredentialModel) TableName() string {
	return "signing_credentials"
}

// ToDomain converts the persistence model to a domain SigningCredential.
func (m *SigningCredentialModel) ToDomain() *fiscal.SigningCredential {
	c := &fiscal.SigningCredential{
		Kind:              m.Kind,
		RFC:               m.RFC,
		SerialNumber:      m.SerialNumber,
		CertificatePath:   m.CertificatePath,
		KeyPath:           m.KeyPath,
		EncryptedPassword: m.EncryptedPassword,
		NotBefore:         m.NotBefore.UTC(),
		NotAfter:          m.NotAfter.UTC(),
		Status:            m.Status,
		SupersededAt:      utcPtr(m.SupersededAt),
	}
	m.PopulateTenantAggregateRoot(&c.TenantAggregateRoot)
	return c
}

// FromDomain populates the persistence model from a domain SigningCredential.
func (m *SigningCredentialModel) FromDomain(c *fiscal.SigningCredential) {
	m.FromDomainTenantAggregateRoot(c.TenantAggregateRoot)
	m.Kind = c.Kind
	m.RFC = c.RFC
	m.SerialNumber = c.SerialNumber
	m.CertificatePath = c.CertificatePath
	m.KeyPath = c.KeyPath
	m.EncryptedPassword = c.EncryptedPassword
	m.NotBefore = c.NotBefore.UTC()
	m.NotAfter = c.NotAfter.UTC()
	m.Status = c.Status
	m.SupersededAt = utcPtr(c.SupersededAt)
}

// SigningCredentialModelFromDomain creates a new persistence model from a domain SigningCredential.
func SigningCredentialModelFromDomain(c *fiscal.SigningCredential) *SigningCredentialModel {
	m := &SigningCredentialModel{}
	m.FromDomain(c)
	return m
}

// DownloadRequestModel is the persistence model for DownloadRequest.
type DownloadRequestModel struct {
	TenantAggregateModel
	RFC              string               `gorm:"type:varchar(13);not null"`
	RangeStart       time.Time            `gorm:"not null"`
	RangeEnd         time.Time            `gorm:"not null"`
	Direction        fiscal.Direction     `gorm:"type:varchar(10);not null"`
	Status           fiscal.RequestStatus `gorm:"type:varchar(20);not null;index"`
	ExternalID       string               `gorm:"type:varchar(64);index"`
	AuthorityCode    string               `gorm:"type:varchar(10)"`
	AuthorityMessage string               `gorm:"type:text"`
	AuthorityState   fiscal.RequestState  `gorm:"type:varchar(20)"`
	RawResponse      string               `gorm:"type:text"`
	PayloadHash      string               `gorm:"type:char(64);not null;index"`
	RequestedBy      string               `gorm:"type:varchar(100)"`
	AutoGenerated    bool                 `gorm:"not null;default:false"`
	PackageIDsJSON   string               `gorm:"column:package_ids;type:text;not null;default:'[]'"`
	DocumentCount    int                  `gorm:"not null;default:0"`
	Attempts         int                  `gorm:"not null;default:0"`
	ErrorMessage     string               `gorm:"type:text"`
	LastPolledAt     *time.Time
	CompletedAt      *time.Time
}

// TableName returns the table name for GORM
func (DownloadRequestModel) TableName() string {
	return "download_requests"
}

// ToDomain converts the persistence model to a domain DownloadRequest.
func (m *DownloadRequestModel) ToDomain() *fiscal.DownloadRequest {
	r := &fiscal.DownloadRequest{
		RFC:              m.RFC,
		Range:            fiscal.DateRange{Start: m.RangeStart.UTC(), End: m.RangeEnd.UTC()},
		Direction:        m.Direction,
		Status:           m.Status,
		ExternalID:       m.ExternalID,
		AuthorityCode:    m.AuthorityCode,
		AuthorityMessage: m.AuthorityMessage,
		AuthorityState:   m.AuthorityState,
		RawResponse:      m.RawResponse,
		PayloadHash:      m.PayloadHash,
		RequestedBy:      m.RequestedBy,
		AutoGenerated:    m.AutoGenerated,
		PackageIDs:       []string{},
		DocumentCount:    m.DocumentCount,
		Attempts:         m.Attempts,
		ErrorMessage:     m.ErrorMessage,
		LastPolledAt:     utcPtr(m.LastPolledAt),
		CompletedAt:      utcPtr(m.CompletedAt),
	}
	m.PopulateTenantAggregateRoot(&r.TenantAggregateRoot)
	if m.PackageIDsJSON != "" && m.PackageIDsJSON != "[]" {
		if err := json.Unmarshal([]byte(m.PackageIDsJSON), &r.PackageIDs); err != nil {
			modelLogger.Warn("failed to parse package_ids JSON",
				zap.String("request_id", m.ID.String()),
				zap.Error(err))
		}
	}
	return r
}

// FromDomain populates the persistence model from a domain DownloadRequest.
func (m *DownloadRequestModel) FromDomain(r *fiscal.DownloadRequest) {
	m.FromDomainTenantAggregateRoot(r.TenantAggregateRoot)
	m.RFC = r.RFC
	m.RangeStart = r.Range.Start.UTC()
	m.RangeEnd = r.Range.End.UTC()
	m.Direction = r.Direction
	m.Status = r.Status
	m.ExternalID = r.ExternalID
	m.AuthorityCode = r.AuthorityCode
	m.AuthorityMessage = r.AuthorityMessage
	m.AuthorityState = r.AuthorityState
	m.RawResponse = r.RawResponse
	m.PayloadHash = r.PayloadHash
	m.RequestedBy = r.RequestedBy
	m.AutoGenerated = r.AutoGenerated
	m.DocumentCount = r.DocumentCount
	m.Attempts = r.Attempts
	m.ErrorMessage = r.ErrorMessage
	m.LastPolledAt = utcPtr(r.LastPolledAt)
	m.CompletedAt = utcPtr(r.CompletedAt)
	m.PackageIDsJSON = "[]"
	if len(r.PackageIDs) > 0 {
		if raw, err := json.Marshal(r.PackageIDs); err == nil {
			m.PackageIDsJSON = string(raw)
		}
	}
}

// DownloadRequestModelFromDomain creates a new persistence model from a domain DownloadRequest.
func DownloadRequestModelFromDomain(r *fiscal.DownloadRequest) *DownloadRequestModel {
	m := &DownloadRequestModel{}
	m.FromDomain(r)
	return m
}

// DownloadPackageModel is the persistence model for DownloadPackage.
type DownloadPackageModel struct {
	TenantAggregateModel
	RequestID    uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:uq_download_packages_request_external"`
	ExternalID   string               `gorm:"type:varchar(100);not null;uniqueIndex:uq_download_packages_request_external"`
	Status       fiscal.PackageStatus `gorm:"type:varchar(20);not null;index"`
	RetryCount   int                  `gorm:"not null;default:0"`
	ArchivePath  string               `gorm:"type:varchar(500)"`
	ArchiveHash  string               `gorm:"type:char(64)"`
	ArchiveSize  int64                `gorm:"not null;default:0"`
	Total        int                  `gorm:"not null;default:0"`
	Processed    int                  `gorm:"not null;default:0"`
	Created      int                  `gorm:"not null;default:0"`
	Duplicates   int                  `gorm:"not null;default:0"`
	Errors       int                  `gorm:"not null;default:0"`
	ErrorMessage string               `gorm:"type:text"`
	DownloadedAt *time.Time
	CompletedAt  *time.Time
}

// TableName returns the table name for GORM
func (DownloadPackageModel) TableName() string {
	return "download_packages"
}

// ToDomain converts the persistence model to a domain DownloadPackage.
func (m *DownloadPackageModel) ToDomain() *fiscal.DownloadPackage {
	p := &fiscal.DownloadPackage{
		RequestID:   m.RequestID,
		ExternalID:  m.ExternalID,
		Status:      m.Status,
		RetryCount:  m.RetryCount,
		ArchivePath: m.ArchivePath,
		ArchiveHash: m.ArchiveHash,
		ArchiveSize: m.ArchiveSize,
		Summary: fiscal.BatchSummary{
			Total:      m.Total,
			Processed:  m.Processed,
			Created:    m.Created,
			Duplicates: m.Duplicates,
			Errors:     m.Errors,
		},
		ErrorMessage: m.ErrorMessage,
		DownloadedAt: utcPtr(m.DownloadedAt),
		CompletedAt:  utcPtr(m.CompletedAt),
	}
	m.PopulateTenantAggregateRoot(&p.TenantAggregateRoot)
	return p
}

// FromDomain populates the persistence model from a domain DownloadPackage.
func (m *DownloadPackageModel) FromDomain(p *fiscal.DownloadPackage) {
	m.FromDomainTenantAggregateRoot(p.TenantAggregateRoot)
	m.RequestID = p.RequestID
	m.ExternalID = p.ExternalID
	m.Status = p.Status
	m.RetryCount = p.RetryCount
	m.ArchivePath = p.ArchivePath
	m.ArchiveHash = p.ArchiveHash
	m.ArchiveSize = p.ArchiveSize
	m.Total = p.Summary.Total
	m.Processed = p.Summary.Processed
	m.Created = p.Summary.Created
	m.Duplicates = p.Summary.Duplicates
	m.Errors = p.Summary.Errors
	m.ErrorMessage = p.ErrorMessage
	m.DownloadedAt = utcPtr(p.DownloadedAt)
	m.CompletedAt = utcPtr(p.CompletedAt)
}

// DownloadPackageModelFromDomain creates a new persistence model from a domain DownloadPackage.
func DownloadPackageModelFromDomain(p *fiscal.DownloadPackage) *DownloadPackageModel {
	m := &DownloadPackageModel{}
	m.FromDomain(p)
	return m
}
