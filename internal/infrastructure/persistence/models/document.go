package models

import (
	"encoding/json"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FiscalDocumentModel is the persistence model for FiscalDocument. The
// status columns are a cache of the row pointed to by current_check_id.
type FiscalDocumentModel struct {
	BaseModel
	Version              int                  `gorm:"not null;default:1"`
	TenantID             uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:uq_fiscal_documents_tenant_uuid"`
	UUID                 string               `gorm:"column:uuid;type:varchar(36);not null;uniqueIndex:uq_fiscal_documents_tenant_uuid"`
	CFDIVersion          string               `gorm:"type:varchar(5);not null"`
	Series               string               `gorm:"type:varchar(25)"`
	Folio                string               `gorm:"type:varchar(40)"`
	Kind                 fiscal.DocumentKind  `gorm:"type:char(1);not null"`
	IssuedAt             time.Time            `gorm:"not null;index"`
	StampedAt            time.Time
	SATCertificateNumber string               `gorm:"column:sat_certificate_number;type:varchar(20)"`
	IssuerRFC            string               `gorm:"type:varchar(13);not null;index"`
	IssuerName           string               `gorm:"type:varchar(300)"`
	IssuerRegime         string               `gorm:"type:varchar(3)"`
	RecipientRFC         string               `gorm:"type:varchar(13);not null;index"`
	RecipientName        string               `gorm:"type:varchar(300)"`
	RecipientRegime      string               `gorm:"type:varchar(3)"`
	RecipientUse         string               `gorm:"type:varchar(4)"`
	RecipientPostalCode  string               `gorm:"type:varchar(5)"`
	Currency             string               `gorm:"type:varchar(3);not null;default:'MXN'"`
	ExchangeRate         decimal.Decimal      `gorm:"type:numeric(18,6)"`
	Subtotal             decimal.Decimal      `gorm:"type:numeric(18,2);not null"`
	Discount             decimal.Decimal      `gorm:"type:numeric(18,2);not null"`
	Total                decimal.Decimal      `gorm:"type:numeric(18,2);not null"`
	TransferredTaxTotal  decimal.Decimal      `gorm:"type:numeric(18,2);not null"`
	WithheldTaxTotal     decimal.Decimal      `gorm:"type:numeric(18,2);not null"`
	PaymentMethod        fiscal.PaymentMethod `gorm:"type:varchar(3)"`
	PaymentForm          string               `gorm:"type:varchar(2)"`
	PaymentTerms         string               `gorm:"type:varchar(1000)"`
	Provenance           fiscal.Provenance    `gorm:"type:varchar(12);not null"`
	PackageID            *uuid.UUID           `gorm:"type:uuid;index"`
	BlobPath             string               `gorm:"type:varchar(500)"`
	ContentHash          string               `gorm:"type:char(64)"`
	ContentSize          int64                `gorm:"not null;default:0"`
	Reconciled           bool                 `gorm:"not null;default:false;index"`

	AuthorityStatus    fiscal.AuthorityStatus `gorm:"type:varchar(12);not null;index"`
	Lifecycle          fiscal.LifecycleState  `gorm:"type:varchar(20);not null"`
	Cancellable        string                 `gorm:"type:varchar(60)"`
	CancellationStatus string                 `gorm:"type:varchar(60)"`
	CancelledAt        *time.Time
	CurrentCheckID     *uuid.UUID             `gorm:"type:uuid"`
	LastCheckedAt      *time.Time

	Lines []FiscalDocumentLineModel `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (FiscalDocumentModel) TableName() string {
	return "fiscal_documents"
}

// ToDomain converts the persistence model to a domain FiscalDocument. Lines
// are included only when they were preloaded.
func (m *FiscalDocumentModel) ToDomain() *fiscal.FiscalDocument {
	d := &fiscal.FiscalDocument{
		UUID:                 m.UUID,
		Version:              m.CFDIVersion,
		Series:               m.Series,
		Folio:                m.Folio,
		Kind:                 m.Kind,
		IssuedAt:             m.IssuedAt.UTC(),
		StampedAt:            m.StampedAt.UTC(),
		SATCertificateNumber: m.SATCertificateNumber,
		Issuer: fiscal.Party{
			RFC:    m.IssuerRFC,
			Name:   m.IssuerName,
			Regime: m.IssuerRegime,
		},
		Recipient: fiscal.Party{
			RFC:        m.RecipientRFC,
			Name:       m.RecipientName,
			Regime:     m.RecipientRegime,
			Use:        m.RecipientUse,
			PostalCode: m.RecipientPostalCode,
		},
		Currency:            m.Currency,
		ExchangeRate:        m.ExchangeRate,
		Subtotal:            m.Subtotal,
		Discount:            m.Discount,
		Total:               m.Total,
		TransferredTaxTotal: m.TransferredTaxTotal,
		WithheldTaxTotal:    m.WithheldTaxTotal,
		PaymentMethod:       m.PaymentMethod,
		PaymentForm:         m.PaymentForm,
		PaymentTerms:        m.PaymentTerms,
		Provenance:          m.Provenance,
		PackageID:           m.PackageID,
		BlobPath:            m.BlobPath,
		ContentHash:         m.ContentHash,
		ContentSize:         m.ContentSize,
		Reconciled:          m.Reconciled,
	}
	d.BaseEntity = m.BaseModel.ToDomain()
	d.TenantAggregateRoot.Version = m.Version
	d.TenantID = m.TenantID
	d.RestoreStatus(fiscal.StatusSnapshot{
		AuthorityStatus:    m.AuthorityStatus,
		Lifecycle:          m.Lifecycle,
		Cancellable:        m.Cancellable,
		CancellationStatus: m.CancellationStatus,
		CancelledAt:        utcPtr(m.CancelledAt),
		CurrentCheckID:     m.CurrentCheckID,
		LastCheckedAt:      utcPtr(m.LastCheckedAt),
	})
	if len(m.Lines) > 0 {
		d.Lines = make([]fiscal.LineItem, len(m.Lines))
		for i := range m.Lines {
			d.Lines[i] = m.Lines[i].ToDomain()
		}
	}
	return d
}

// FromDomain populates the persistence model from a domain FiscalDocument,
// lines included.
func (m *FiscalDocumentModel) FromDomain(d *fiscal.FiscalDocument) {
	m.FromDomainBaseEntity(d.BaseEntity)
	m.Version = d.TenantAggregateRoot.Version
	m.TenantID = d.TenantID
	m.UUID = d.UUID
	m.CFDIVersion = d.Version
	m.Series = d.Series
	m.Folio = d.Folio
	m.Kind = d.Kind
	m.IssuedAt = d.IssuedAt.UTC()
	m.StampedAt = d.StampedAt.UTC()
	m.SATCertificateNumber = d.SATCertificateNumber
	m.IssuerRFC = d.Issuer.RFC
	m.IssuerName = d.Issuer.Name
	m.IssuerRegime = d.Issuer.Regime
	m.RecipientRFC = d.Recipient.RFC
	m.RecipientName = d.Recipient.Name
	m.RecipientRegime = d.Recipient.Regime
	m.RecipientUse = d.Recipient.Use
	m.RecipientPostalCode = d.Recipient.PostalCode
	m.Currency = d.Currency
	m.ExchangeRate = d.ExchangeRate
	m.Subtotal = d.Subtotal
	m.Discount = d.Discount
	m.Total = d.Total
	m.TransferredTaxTotal = d.TransferredTaxTotal
	m.WithheldTaxTotal = d.WithheldTaxTotal
	m.PaymentMethod = d.PaymentMethod
	m.PaymentForm = d.PaymentForm
	m.PaymentTerms = d.PaymentTerms
	m.Provenance = d.Provenance
	m.PackageID = d.PackageID
	m.BlobPath = d.BlobPath
	m.ContentHash = d.ContentHash
	m.ContentSize = d.ContentSize
	m.Reconciled = d.Reconciled
	m.applyStatus(d.Status().Snapshot())

	m.Lines = make([]FiscalDocumentLineModel, len(d.Lines))
	for i := range d.Lines {
		m.Lines[i] = FiscalDocumentLineModelFromDomain(d.ID, d.Lines[i])
	}
}

func (m *FiscalDocumentModel) applyStatus(s fiscal.StatusSnapshot) {
	m.AuthorityStatus = s.AuthorityStatus
	m.Lifecycle = s.Lifecycle
	m.Cancellable = s.Cancellable
	m.CancellationStatus = s.CancellationStatus
	m.CancelledAt = utcPtr(s.CancelledAt)
	m.CurrentCheckID = s.CurrentCheckID
	m.LastCheckedAt = utcPtr(s.LastCheckedAt)
}

// StatusColumns returns the cache columns written after a status check.
func StatusColumns(d *fiscal.FiscalDocument) map[string]any {
	var m FiscalDocumentModel
	m.applyStatus(d.Status().Snapshot())
	return map[string]any{
		"authority_status":    m.AuthorityStatus,
		"lifecycle":           m.Lifecycle,
		"cancellable":         m.Cancellable,
		"cancellation_status": m.CancellationStatus,
		"cancelled_at":        m.CancelledAt,
		"current_check_id":    m.CurrentCheckID,
		"last_checked_at":     m.LastCheckedAt,
		"version":             d.TenantAggregateRoot.Version,
		"updated_at":          d.UpdatedAt.UTC(),
	}
}

// FiscalDocumentModelFromDomain creates a new persistence model from a domain FiscalDocument.
func FiscalDocumentModelFromDomain(d *fiscal.FiscalDocument) *FiscalDocumentModel {
	m := &FiscalDocumentModel{}
	m.FromDomain(d)
	return m
}

// taxLineJSON is the stored shape of one line tax.
type taxLineJSON struct {
	Kind       fiscal.TaxKind  `json:"kind"`
	Tax        string          `json:"tax"`
	FactorType string          `json:"factor_type"`
	Rate       decimal.Decimal `json:"rate"`
	Base       decimal.Decimal `json:"base"`
	Amount     decimal.Decimal `json:"amount"`
}

// FiscalDocumentLineModel is one Concepto row. Taxes are kept as JSON since
// they are only ever read together with the line.
type FiscalDocumentLineModel struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key"`
	DocumentID  uuid.UUID       `gorm:"type:uuid;not null;index"`
	Position    int             `gorm:"not null"`
	ProductCode string          `gorm:"type:varchar(8)"`
	Quantity    decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	UnitCode    string          `gorm:"type:varchar(3)"`
	Unit        string          `gorm:"type:varchar(50)"`
	Description string          `gorm:"type:text"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Discount    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	TaxObject   string          `gorm:"type:varchar(2)"`
	TaxesJSON   string          `gorm:"column:taxes;type:text;not null;default:'[]'"`
}

// TableName returns the table name for GORM
func (FiscalDocumentLineModel) TableName() string {
	return "fiscal_document_lines"
}

// ToDomain converts the persistence model to a domain LineItem.
func (m *FiscalDocumentLineModel) ToDomain() fiscal.LineItem {
	item := fiscal.LineItem{
		Position:    m.Position,
		ProductCode: m.ProductCode,
		Quantity:    m.Quantity,
		UnitCode:    m.UnitCode,
		Unit:        m.Unit,
		Description: m.Description,
		UnitPrice:   m.UnitPrice,
		Amount:      m.Amount,
		Discount:    m.Discount,
		TaxObject:   m.TaxObject,
	}
	if m.TaxesJSON != "" && m.TaxesJSON != "[]" {
		var taxes []taxLineJSON
		if err := json.Unmarshal([]byte(m.TaxesJSON), &taxes); err != nil {
			modelLogger.Warn("failed to parse line taxes JSON",
				zap.String("document_id", m.DocumentID.String()),
				zap.Int("position", m.Position),
				zap.Error(err))
			return item
		}
		item.Taxes = make([]fiscal.TaxLine, len(taxes))
		for i, t := range taxes {
			item.Taxes[i] = fiscal.TaxLine(t)
		}
	}
	return item
}

// FiscalDocumentLineModelFromDomain creates a line row for documentID.
func FiscalDocumentLineModelFromDomain(documentID uuid.UUID, item fiscal.LineItem) FiscalDocumentLineModel {
	m := FiscalDocumentLineModel{
		ID:          uuid.New(),
		DocumentID:  documentID,
		Position:    item.Position,
		ProductCode: item.ProductCode,
		Quantity:    item.Quantity,
		UnitCode:    item.UnitCode,
		Unit:        item.Unit,
		Description: item.Description,
		UnitPrice:   item.UnitPrice,
		Amount:      item.Amount,
		Discount:    item.Discount,
		TaxObject:   item.TaxObject,
		TaxesJSON:   "[]",
	}
	if len(item.Taxes) > 0 {
		taxes := make([]taxLineJSON, len(item.Taxes))
		for i, t := range item.Taxes {
			taxes[i] = taxLineJSON(t)
		}
		if raw, err := json.Marshal(taxes); err == nil {
			m.TaxesJSON = string(raw)
		}
	}
	return m
}

// StatusCheckModel is one row of the append-only status ledger.
type StatusCheckModel struct {
	ID                 uuid.UUID              `gorm:"type:uuid;primary_key"`
	TenantID           uuid.UUID              `gorm:"type:uuid;not null;index"`
	DocumentID         uuid.UUID              `gorm:"type:uuid;not null;index"`
	PreviousStatus     fiscal.AuthorityStatus `gorm:"type:varchar(12)"`
	NewStatus          fiscal.AuthorityStatus `gorm:"type:varchar(12);not null"`
	Changed            bool                   `gorm:"not null"`
	Source             fiscal.CheckSource     `gorm:"type:varchar(20);not null"`
	Cancellable        string                 `gorm:"type:varchar(60)"`
	CancellationStatus string                 `gorm:"type:varchar(60)"`
	RawResponse        string                 `gorm:"type:text"`
	Actor              string                 `gorm:"type:varchar(100)"`
	Reason             string                 `gorm:"type:text"`
	CredentialID       *uuid.UUID             `gorm:"type:uuid"`
	CheckedAt          time.Time              `gorm:"not null;index"`
	CreatedAt          time.Time              `gorm:"not null"`
}

// TableName returns the table name for GORM
func (StatusCheckModel) TableName() string {
	return "status_checks"
}

// ToDomain converts the persistence model to a domain StatusCheck.
func (m *StatusCheckModel) ToDomain() *fiscal.StatusCheck {
	c := &fiscal.StatusCheck{
		TenantID:           m.TenantID,
		DocumentID:         m.DocumentID,
		PreviousStatus:     m.PreviousStatus,
		NewStatus:          m.NewStatus,
		Changed:            m.Changed,
		Source:             m.Source,
		Cancellable:        m.Cancellable,
		CancellationStatus: m.CancellationStatus,
		RawResponse:        m.RawResponse,
		Actor:              m.Actor,
		Reason:             m.Reason,
		CredentialID:       m.CredentialID,
		CheckedAt:          m.CheckedAt.UTC(),
	}
	c.ID = m.ID
	c.CreatedAt = m.CreatedAt.UTC()
	c.UpdatedAt = m.CreatedAt.UTC()
	return c
}

// StatusCheckModelFromDomain creates a new persistence model from a domain StatusCheck.
func StatusCheckModelFromDomain(c *fiscal.StatusCheck) *StatusCheckModel {
	return &StatusCheckModel{
		ID:                 c.ID,
		TenantID:           c.TenantID,
		DocumentID:         c.DocumentID,
		PreviousStatus:     c.PreviousStatus,
		NewStatus:          c.NewStatus,
		Changed:            c.Changed,
		Source:             c.Source,
		Cancellable:        c.Cancellable,
		CancellationStatus: c.CancellationStatus,
		RawResponse:        c.RawResponse,
		Actor:              c.Actor,
		Reason:             c.Reason,
		CredentialID:       c.CredentialID,
		CheckedAt:          c.CheckedAt.UTC(),
		CreatedAt:          c.CreatedAt.UTC(),
	}
}
