package reconciliation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MoveType is the kind of accounting entry a document becomes.
type MoveType string

const (
	MoveCustomerInvoice MoveType = "out_invoice"
	MoveVendorBill      MoveType = "in_invoice"
)

// TaxUse returns the tax scope used for lines of this move type.
func (m MoveType) TaxUse() string {
	if m == MoveCustomerInvoice {
		return "sale"
	}
	return "purchase"
}

// EDIState is the electronic-document state recorded next to the entry.
func (m MoveType) EDIState() string {
	if m == MoveCustomerInvoice {
		return "invoice_sent"
	}
	return "invoice_received"
}

// Invoice is an entry found in the accounting system.
type Invoice struct {
	ID       int64
	Name     string
	State    string
	MoveType string
	UUID     string
	EDIState string
	SATState string
}

// Draft reports whether the entry was never posted
func (i *Invoice) Draft() bool {
	return i.State == "draft"
}

// PartnerSpec identifies a customer or supplier by tax id.
type PartnerSpec struct {
	VAT       string
	Name      string
	Customer  bool
	CompanyID int64
}

// TaxSpec describes one line tax. Percent is negative for withholdings.
type TaxSpec struct {
	Percent    decimal.Decimal
	Use        string
	SATCode    string
	FactorType string
	CompanyID  int64
}

// InvoiceLine is one line of a new entry.
type InvoiceLine struct {
	Name            string
	ProductID       int64
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
	TaxIDs          []int64
}

// InvoiceDraft is a new entry. It carries no UUID: the accounting system
// derives it from the attached XML.
type InvoiceDraft struct {
	MoveType  MoveType
	PartnerID int64
	CompanyID int64
	Date      time.Time
	Ref       string
	Currency  string
	Narration string
	Lines     []InvoiceLine
}

// EDIDocumentSpec links an entry with its XML attachment.
type EDIDocumentSpec struct {
	InvoiceID    int64
	AttachmentID int64
	State        string
	SATState     string
	StampedAt    time.Time
}

// Accounting is a session with a tenant's external accounting system.
// Lookups return a nil result, not an error, when nothing matches.
type Accounting interface {
	FindInvoiceByUUID(ctx context.Context, documentUUID string, companyID int64) (*Invoice, error)
	FindOrCreatePartner(ctx context.Context, spec PartnerSpec) (int64, error)
	FindOrCreateTax(ctx context.Context, spec TaxSpec) (int64, error)
	FindProductByCode(ctx context.Context, code string, companyID int64) (int64, error)
	CreateInvoice(ctx context.Context, draft InvoiceDraft) (int64, error)
	AttachXML(ctx context.Context, invoiceID int64, documentUUID string, xml []byte, companyID int64) (int64, error)
	CreateEDIDocument(ctx context.Context, spec EDIDocumentSpec) (int64, error)
	PostInvoice(ctx context.Context, invoiceID int64) error
	// UpdateSATState writes the authority state on the entry's EDI
	// document; false means the entry has none.
	UpdateSATState(ctx context.Context, invoiceID int64, satState string) (bool, error)
	CancelDraft(ctx context.Context, invoiceID int64) error
}

// AccountingFactory opens a session for conn using its decrypted secret.
type AccountingFactory interface {
	Open(conn *Connection, secret string) Accounting
}
