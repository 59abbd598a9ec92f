package fiscal

import (
	"fmt"
	"strings"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TaxLine is one transferred or withheld tax applied to a line item.
type TaxLine struct {
	Kind       TaxKind
	Tax        string // 001 ISR, 002 IVA, 003 IEPS
	FactorType string // Tasa, Cuota or Exento
	Rate       decimal.Decimal
	Base       decimal.Decimal
	Amount     decimal.Decimal
}

// LineItem is one Concepto of a document.
type LineItem struct {
	Position    int
	ProductCode string
	Quantity    decimal.Decimal
	UnitCode    string
	Unit        string
	Description string
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
	Discount    decimal.Decimal
	TaxObject   string
	Taxes       []TaxLine
}

// Party is the issuer or recipient block of a document.
type Party struct {
	RFC        string
	Name       string
	Regime     string
	Use        string // recipient only
	PostalCode string // recipient only
}

// FiscalDocument is the canonical record of one stamped document for one
// tenant. Its status projection can only change through UpdateStatus.
type FiscalDocument struct {
	shared.TenantAggregateRoot
	UUID                 string
	Version              string
	Series               string
	Folio                string
	Kind                 DocumentKind
	IssuedAt             time.Time
	StampedAt            time.Time
	SATCertificateNumber string
	Issuer               Party
	Recipient            Party
	Currency             string
	ExchangeRate         decimal.Decimal
	Subtotal             decimal.Decimal
	Discount             decimal.Decimal
	Total                decimal.Decimal
	TransferredTaxTotal  decimal.Decimal
	WithheldTaxTotal     decimal.Decimal
	PaymentMethod        PaymentMethod
	PaymentForm          string
	PaymentTerms         string
	Lines                []LineItem
	Provenance           Provenance
	PackageID            *uuid.UUID
	BlobPath             string
	ContentHash          string
	ContentSize          int64
	Reconciled           bool

	status StatusProjection
}

// NewFiscalDocument validates d and sets its initial projection: authority
// status valid and the given lifecycle state. d is filled by the parser.
func NewFiscalDocument(d *FiscalDocument, tenantID uuid.UUID, initial LifecycleState, now time.Time) (*FiscalDocument, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if strings.TrimSpace(d.UUID) == "" {
		return nil, NewParseError("missing stamp")
	}
	if !initial.IsValid() {
		return nil, shared.NewDomainError("INVALID_STATE", fmt.Sprintf("unknown lifecycle state %q", initial))
	}
	d.TenantAggregateRoot = shared.NewTenantAggregateRoot(tenantID, now)
	d.UUID = strings.ToUpper(strings.TrimSpace(d.UUID))
	if d.Currency == "" {
		d.Currency = "MXN"
	}
	if d.Kind == "" {
		d.Kind = KindIncome
	}
	if !d.Provenance.IsValid() {
		d.Provenance = ProvenanceAuthority
	}
	if err := d.ValidatePaymentTerms(); err != nil {
		return nil, err
	}
	d.status = StatusProjection{
		authority: AuthorityStatusValid,
		lifecycle: initial,
	}
	return d, nil
}

// Status returns the read-only status projection.
func (d *FiscalDocument) Status() StatusProjection {
	return d.status
}

// RestoreStatus rehydrates the projection from storage. Only repositories
// call it; domain code changes status through UpdateStatus.
func (d *FiscalDocument) RestoreStatus(s StatusSnapshot) {
	d.status = s.projection()
}

// IssuedBy reports whether rfc is the document's issuer.
func (d *FiscalDocument) IssuedBy(rfc string) bool {
	return strings.EqualFold(d.Issuer.RFC, strings.TrimSpace(rfc))
}

// ReceivedBy reports whether rfc is the document's recipient.
func (d *FiscalDocument) ReceivedBy(rfc string) bool {
	return strings.EqualFold(d.Recipient.RFC, strings.TrimSpace(rfc))
}

// ValidatePaymentTerms enforces the payment form rule: a single-installment
// (PUE) document cannot use the "to be defined" form. A deferred (PPD)
// document may use any form, including a specific one.
func (d *FiscalDocument) ValidatePaymentTerms() error {
	if d.PaymentMethod == PaymentSingle && strings.TrimSpace(d.PaymentForm) == PaymentFormToBeDefined {
		return NewBusinessRuleError(fmt.Sprintf(
			"document %s: payment method PUE cannot use payment form %s", d.UUID, PaymentFormToBeDefined))
	}
	return nil
}

// MarkReconciled flags the document as mirrored into the accounting system.
func (d *FiscalDocument) MarkReconciled(now time.Time) {
	d.Reconciled = true
	d.Touch(now)
}

// StatusUpdate is the input of UpdateStatus.
type StatusUpdate struct {
	Status             AuthorityStatus
	Cancellable        string
	CancellationStatus string
	Source             CheckSource
	Actor              string
	Reason             string
	Raw                string
	CredentialID       *uuid.UUID
}

// UpdateStatus is the only mutator of the status projection. It appends a
// StatusCheck, points the document at it, mirrors it into the projection and,
// when the authority status changed, raises DocumentStatusChangedEvent.
// An unchanged status still produces a check.
//
// The caller must persist the returned check before the document
// (DocumentRepository.SaveStatusCheck does both in one transaction).
func (d *FiscalDocument) UpdateStatus(u StatusUpdate, now time.Time) (*StatusCheck, error) {
	if !u.Status.IsValid() {
		return nil, shared.NewDomainError("INVALID_STATUS", fmt.Sprintf("unknown authority status %q", u.Status))
	}
	if !u.Source.IsValid() {
		return nil, shared.NewDomainError("INVALID_SOURCE", fmt.Sprintf("unknown check source %q", u.Source))
	}

	before := d.status.Snapshot()
	check := newStatusCheck(d, before.AuthorityStatus, u, now)

	next := d.status
	next.authority = u.Status
	next.cancellable = u.Cancellable
	next.cancellationStatus = u.CancellationStatus
	next.lifecycle = deriveLifecycle(d.status, u)
	if u.Status == AuthorityStatusCancelled && d.status.cancelledAt == nil {
		at := check.CheckedAt
		next.cancelledAt = &at
	}
	checkID := check.ID
	checkedAt := check.CheckedAt
	next.currentCheckID = &checkID
	next.lastCheckedAt = &checkedAt
	d.status = next

	d.Touch(now)
	d.IncrementVersion()

	if check.Changed {
		d.AddDomainEvent(NewDocumentStatusChangedEvent(d, before, d.status.Snapshot(), u, now))
	}
	return check, nil
}

// RequestCancellation records that a cancellation was filed for a sent
// document. The authority status is unchanged; the lifecycle moves to
// cancel_requested through the regular status ledger.
func (d *FiscalDocument) RequestCancellation(actor, reason string, now time.Time) (*StatusCheck, error) {
	if !d.status.lifecycle.CanTransitionTo(LifecycleCancelRequested) {
		return nil, shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("cannot request cancellation of a %s document", d.status.lifecycle))
	}
	return d.UpdateStatus(StatusUpdate{
		Status:             d.status.authority,
		Cancellable:        d.status.cancellable,
		CancellationStatus: CancellationInProgress,
		Source:             CheckSourceManual,
		Actor:              actor,
		Reason:             reason,
	}, now)
}

// deriveLifecycle computes the lifecycle implied by a status check.
func deriveLifecycle(current StatusProjection, u StatusUpdate) LifecycleState {
	state := current.lifecycle
	switch {
	case u.Status == AuthorityStatusCancelled:
		if state == LifecycleGlobalSent {
			return LifecycleGlobalCancelled
		}
		if state.CanTransitionTo(LifecycleCancelled) {
			return LifecycleCancelled
		}
	case u.Status == AuthorityStatusValid && state == LifecycleSent && isCancellationPending(u.CancellationStatus):
		return LifecycleCancelRequested
	case u.Status == AuthorityStatusValid && state == LifecycleCancelRequested && isCancellationRejected(u.CancellationStatus):
		return LifecycleSent
	}
	return state
}

func isCancellationPending(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "en proceso") || strings.Contains(s, "pendiente")
}

func isCancellationRejected(s string) bool {
	return strings.Contains(strings.ToLower(s), "rechaz")
}
