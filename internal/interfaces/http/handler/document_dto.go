package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/interfaces/http/dto"
)

// ListDocumentsQuery filters the document list. Dates are 2006-01-02.
type ListDocumentsQuery struct {
	dto.ListRequest
	AuthorityStatus string `form:"authority_status" binding:"omitempty,oneof=valid cancelled not_found"`
	Lifecycle       string `form:"lifecycle" binding:"omitempty,oneof=draft sent cancel_requested cancelled received global_sent global_cancelled"`
	IssuerRFC       string `form:"issuer_rfc" binding:"omitempty,rfc"`
	RecipientRFC    string `form:"recipient_rfc" binding:"omitempty,rfc"`
	Reconciled      *bool  `form:"reconciled"`
	PackageID       string `form:"package_id" binding:"omitempty,uuid"`
	IssuedFrom      string `form:"issued_from" binding:"omitempty,datetime=2006-01-02"`
	IssuedTo        string `form:"issued_to" binding:"omitempty,datetime=2006-01-02"`
}

// CancellationBody files a cancellation for a sent document.
type CancellationBody struct {
	Reason string `json:"reason" binding:"max=500"`
}

// PartyResponse is an issuer or recipient.
type PartyResponse struct {
	RFC    string `json:"rfc"`
	Name   string `json:"name"`
	Regime string `json:"regime,omitempty"`
	Use    string `json:"use,omitempty"`
}

// StatusResponse is the current status projection of a document.
type StatusResponse struct {
	AuthorityStatus    string     `json:"authority_status"`
	Lifecycle          string     `json:"lifecycle"`
	Cancellable        string     `json:"cancellable,omitempty"`
	CancellationStatus string     `json:"cancellation_status,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty"`
}

// DocumentResponse is a fiscal document in list and detail views.
type DocumentResponse struct {
	ID                  string          `json:"id"`
	UUID                string          `json:"uuid"`
	Version             string          `json:"version"`
	Series              string          `json:"series,omitempty"`
	Folio               string          `json:"folio,omitempty"`
	Kind                string          `json:"kind"`
	IssuedAt            time.Time       `json:"issued_at"`
	StampedAt           time.Time       `json:"stamped_at"`
	Issuer              PartyResponse   `json:"issuer"`
	Recipient           PartyResponse   `json:"recipient"`
	Currency            string          `json:"currency"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	Discount            decimal.Decimal `json:"discount"`
	Total               decimal.Decimal `json:"total"`
	TransferredTaxTotal decimal.Decimal `json:"transferred_tax_total"`
	WithheldTaxTotal    decimal.Decimal `json:"withheld_tax_total"`
	PaymentMethod       string          `json:"payment_method,omitempty"`
	PaymentForm         string          `json:"payment_form,omitempty"`
	Provenance          string          `json:"provenance"`
	PackageID           *string         `json:"package_id,omitempty"`
	Reconciled          bool            `json:"reconciled"`
	Status              StatusResponse  `json:"status"`
}

// StatusCheckResponse is one entry of a document's status ledger.
type StatusCheckResponse struct {
	ID                 string    `json:"id"`
	PreviousStatus     string    `json:"previous_status,omitempty"`
	NewStatus          string    `json:"new_status"`
	Changed            bool      `json:"changed"`
	Source             string    `json:"source"`
	Cancellable        string    `json:"cancellable,omitempty"`
	CancellationStatus string    `json:"cancellation_status,omitempty"`
	Actor              string    `json:"actor,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	CheckedAt          time.Time `json:"checked_at"`
}

// DocumentDetailResponse adds the status ledger, newest last.
type DocumentDetailResponse struct {
	DocumentResponse
	Checks []StatusCheckResponse `json:"checks"`
}

func toDocumentResponse(d *fiscal.FiscalDocument) DocumentResponse {
	status := d.Status()
	out := DocumentResponse{
		ID:                  d.ID.String(),
		UUID:                d.UUID,
		Version:             d.Version,
		Series:              d.Series,
		Folio:               d.Folio,
		Kind:                string(d.Kind),
		IssuedAt:            d.IssuedAt,
		StampedAt:           d.StampedAt,
		Issuer:              PartyResponse{RFC: d.Issuer.RFC, Name: d.Issuer.Name, Regime: d.Issuer.Regime},
		Recipient:           PartyResponse{RFC: d.Recipient.RFC, Name: d.Recipient.Name, Regime: d.Recipient.Regime, Use: d.Recipient.Use},
		Currency:            d.Currency,
		Subtotal:            d.Subtotal,
		Discount:            d.Discount,
		Total:               d.Total,
		TransferredTaxTotal: d.TransferredTaxTotal,
		WithheldTaxTotal:    d.WithheldTaxTotal,
		PaymentMethod:       string(d.PaymentMethod),
		PaymentForm:         d.PaymentForm,
		Provenance:          string(d.Provenance),
		Reconciled:          d.Reconciled,
		Status: StatusResponse{
			AuthorityStatus:    string(status.AuthorityStatus()),
			Lifecycle:          string(status.Lifecycle()),
			Cancellable:        status.Cancellable(),
			CancellationStatus: status.CancellationStatus(),
			CancelledAt:        status.CancelledAt(),
			LastCheckedAt:      status.LastCheckedAt(),
		},
	}
	if d.PackageID != nil {
		id := d.PackageID.String()
		out.PackageID = &id
	}
	return out
}

func toStatusCheckResponse(c *fiscal.StatusCheck) StatusCheckResponse {
	return StatusCheckResponse{
		ID:                 c.ID.String(),
		PreviousStatus:     string(c.PreviousStatus),
		NewStatus:          string(c.NewStatus),
		Changed:            c.Changed,
		Source:             string(c.Source),
		Cancellable:        c.Cancellable,
		CancellationStatus: c.CancellationStatus,
		Actor:              c.Actor,
		Reason:             c.Reason,
		CheckedAt:          c.CheckedAt,
	}
}
