// Package reconciliation mirrors stored fiscal documents into a tenant's
// external accounting system and pushes later status changes to it.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/reconciliation"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

const defaultBatchLimit = 50

// Status of one document's reconciliation.
const (
	StatusCreated = "created"
	StatusExists  = "exists"
	StatusError   = "error"
)

// ErrNoConnection means the tenant has no active accounting connection.
var ErrNoConnection = shared.NewDomainError("NOT_FOUND", "no active accounting connection")

// Result reports one document's reconciliation.
type Result struct {
	DocumentUUID string `json:"document_uuid"`
	Status       string `json:"status"`
	ExternalID   *int64 `json:"external_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// BatchSummary counts one batch run.
type BatchSummary struct {
	Total   int      `json:"total"`
	Created int      `json:"created"`
	Exists  int      `json:"exists"`
	Errors  int      `json:"errors"`
	Results []Result `json:"results"`
}

// Config tunes reconciliation.
type Config struct {
	// BatchLimit caps the documents of one ReconcileBatch run.
	BatchLimit int
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Tenants     fiscal.TenantDirectory
	Documents   fiscal.DocumentRepository
	Packages    fiscal.DownloadPackageRepository
	Blobs       fiscal.BlobStore
	Connections reconciliation.ConnectionRepository
	Records     reconciliation.RecordRepository
	Accounting  reconciliation.AccountingFactory
	Cipher      fiscal.SecretCipher
	Metrics     *telemetry.PipelineMetrics
}

// Service reconciles documents into the accounting system.
type Service struct {
	tenants     fiscal.TenantDirectory
	documents   fiscal.DocumentRepository
	packages    fiscal.DownloadPackageRepository
	blobs       fiscal.BlobStore
	connections reconciliation.ConnectionRepository
	records     reconciliation.RecordRepository
	accounting  reconciliation.AccountingFactory
	cipher      fiscal.SecretCipher
	metrics     *telemetry.PipelineMetrics
	batchLimit  int
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a reconciliation service
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tenants:     deps.Tenants,
		documents:   deps.Documents,
		packages:    deps.Packages,
		blobs:       deps.Blobs,
		connections: deps.Connections,
		records:     deps.Records,
		accounting:  deps.Accounting,
		cipher:      deps.Cipher,
		metrics:     deps.Metrics,
		batchLimit:  cfg.BatchLimit,
		logger:      logger.Named("reconciliation"),
		now:         time.Now,
	}
}

// session is an open link to one tenant's accounting system.
type session struct {
	tenant *fiscal.Tenant
	conn   *reconciliation.Connection
	acct   reconciliation.Accounting
}

func (s *Service) open(ctx context.Context, tenantID uuid.UUID) (*session, error) {
	tenant, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	conn, err := s.connections.FindActiveByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrNoConnection
		}
		return nil, err
	}
	secret, err := s.cipher.Decrypt(conn.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: connection secret cannot be opened", fiscal.ErrCredential)
	}
	return &session{tenant: tenant, conn: conn, acct: s.accounting.Open(conn, string(secret))}, nil
}

// Reconcile mirrors one document. A document already mirrored reports
// exists without touching the external system. A failure is recorded and
// returned wrapped in reconciliation.ErrReconciliation.
func (s *Service) Reconcile(ctx context.Context, tenantID uuid.UUID, documentUUID string) (Result, error) {
	d, err := s.documents.FindByUUID(ctx, tenantID, documentUUID)
	if err != nil {
		return Result{}, err
	}
	sess, err := s.open(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	res := s.reconcile(ctx, sess, d)
	s.saveConnection(ctx, sess.conn)
	if res.Status == StatusError {
		return res, fmt.Errorf("%w: %s", reconciliation.ErrReconciliation, res.Message)
	}
	return res, nil
}

// ReconcileBatch mirrors the unreconciled documents acquired by one
// request, at most BatchLimit per run. Per-document failures are counted.
// Without an active connection the batch is skipped.
func (s *Service) ReconcileBatch(ctx context.Context, tenantID, requestID uuid.UUID) (BatchSummary, error) {
	summary := BatchSummary{Results: []Result{}}
	pkgs, err := s.packages.ListByRequest(ctx, requestID)
	if err != nil {
		return summary, err
	}
	packageIDs := make([]uuid.UUID, 0, len(pkgs))
	for _, p := range pkgs {
		packageIDs = append(packageIDs, p.ID)
	}
	docs, err := s.documents.FindUnreconciled(ctx, tenantID, packageIDs, s.batchLimit)
	if err != nil {
		return summary, err
	}
	if len(docs) == 0 {
		return summary, nil
	}

	sess, err := s.open(ctx, tenantID)
	if errors.Is(err, ErrNoConnection) {
		s.logger.Info("no accounting connection; batch skipped",
			zap.String("tenant_id", tenantID.String()),
			zap.String("request_id", requestID.String()))
		return summary, nil
	}
	if err != nil {
		return summary, err
	}
	defer s.saveConnection(ctx, sess.conn)

	for _, d := range docs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		res := s.reconcile(ctx, sess, d)
		summary.Total++
		switch res.Status {
		case StatusCreated:
			summary.Created++
		case StatusExists:
			summary.Exists++
		default:
			summary.Errors++
		}
		summary.Results = append(summary.Results, res)
	}
	s.logger.Info("reconciliation batch finished",
		zap.String("tenant_id", tenantID.String()),
		zap.String("request_id", requestID.String()),
		zap.Int("total", summary.Total),
		zap.Int("created", summary.Created),
		zap.Int("exists", summary.Exists),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

// stepError names the step a reconciliation failed at. invoiceID is set
// once the entry exists in the external system.
type stepError struct {
	step      string
	invoiceID int64
	err       error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func step(name string, err error) error {
	if err == nil {
		return nil
	}
	return &stepError{step: name, err: err}
}

// invoiceStep is step for failures after the entry was created.
func invoiceStep(name string, invoiceID int64, err error) error {
	if err == nil {
		return nil
	}
	return &stepError{step: name, invoiceID: invoiceID, err: err}
}

// reconcile runs one document and appends exactly one record.
func (s *Service) reconcile(ctx context.Context, sess *session, d *fiscal.FiscalDocument) Result {
	res := Result{DocumentUUID: d.UUID}
	now := s.now()

	if prior, err := s.records.FindSuccess(ctx, sess.conn.ID, d.UUID, reconciliation.DirectionToExternal); err == nil {
		res.Status = StatusExists
		res.ExternalID = prior.ExternalID
		res.Message = "already reconciled"
		rec := reconciliation.NewRecord(sess.conn, d.ID, d.UUID, reconciliation.DirectionToExternal, reconciliation.OutcomeSuccess, reconciliation.ActionVerified, now)
		rec.ExternalID = prior.ExternalID
		rec.Step = "local"
		s.finish(ctx, d, rec, res)
		return res
	} else if !errors.Is(err, shared.ErrNotFound) {
		return s.fail(ctx, sess, d, step("local lookup", err))
	}

	if orphan, err := s.records.FindOrphan(ctx, sess.conn.ID, d.UUID, reconciliation.DirectionToExternal); err == nil {
		return s.resume(ctx, sess, d, orphan)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return s.fail(ctx, sess, d, step("local lookup", err))
	}

	existing, err := sess.acct.FindInvoiceByUUID(ctx, d.UUID, sess.conn.CompanyID)
	if err != nil {
		return s.fail(ctx, sess, d, step("lookup", err))
	}
	if existing != nil {
		id := existing.ID
		res.Status = StatusExists
		res.ExternalID = &id
		res.Message = fmt.Sprintf("entry %s exists (state %s, SAT %s)", existing.Name, existing.State, existing.SATState)
		rec := reconciliation.NewRecord(sess.conn, d.ID, d.UUID, reconciliation.DirectionToExternal, reconciliation.OutcomeSuccess, reconciliation.ActionVerified, now)
		rec.ExternalID = &id
		rec.Step = "lookup"
		sess.conn.RecordSuccess(now)
		s.finish(ctx, d, rec, res)
		return res
	}

	id, err := s.create(ctx, sess, d)
	if err != nil {
		return s.fail(ctx, sess, d, err)
	}
	return s.created(ctx, sess, d, id, now)
}

// created records a finished entry.
func (s *Service) created(ctx context.Context, sess *session, d *fiscal.FiscalDocument, id int64, now time.Time) Result {
	res := Result{DocumentUUID: d.UUID, Status: StatusCreated, ExternalID: &id}
	rec := reconciliation.NewRecord(sess.conn, d.ID, d.UUID, reconciliation.DirectionToExternal, reconciliation.OutcomeSuccess, reconciliation.ActionCreated, now)
	rec.ExternalID = &id
	rec.Step = "created"
	if sess.conn.AutoPost {
		rec.Step = "posted"
	}
	sess.conn.RecordSuccess(now)
	s.finish(ctx, d, rec, res)
	s.logger.Info("document reconciled",
		zap.String("document_uuid", d.UUID),
		zap.Int64("external_id", id))
	return res
}

// resume finishes an entry an earlier run created but could not complete,
// starting at the step that failed, so no second entry is created.
func (s *Service) resume(ctx context.Context, sess *session, d *fiscal.FiscalDocument, orphan *reconciliation.Record) Result {
	id := *orphan.ExternalID
	s.logger.Info("resuming reconciliation",
		zap.String("document_uuid", d.UUID),
		zap.Int64("external_id", id),
		zap.String("failed_step", orphan.Step))

	var err error
	if orphan.Step == "post" {
		err = invoiceStep("post", id, sess.acct.PostInvoice(ctx, id))
	} else {
		var xml []byte
		if xml, err = s.blobs.Get(ctx, d.BlobPath); err != nil {
			err = invoiceStep("xml", id, err)
		} else {
			err = s.link(ctx, sess, d, moveTypeOf(sess, d), id, xml)
		}
	}
	if err != nil {
		return s.fail(ctx, sess, d, err)
	}
	return s.created(ctx, sess, d, id, s.now())
}

// create builds the entry, attaches the XML and links the EDI document.
func (s *Service) create(ctx context.Context, sess *session, d *fiscal.FiscalDocument) (int64, error) {
	if d.BlobPath == "" {
		return 0, step("xml", errors.New("document XML is not stored"))
	}
	xml, err := s.blobs.Get(ctx, d.BlobPath)
	if err != nil {
		return 0, step("xml", err)
	}

	moveType := moveTypeOf(sess, d)
	party := d.Issuer
	if moveType == reconciliation.MoveCustomerInvoice {
		party = d.Recipient
	}
	companyID := sess.conn.CompanyID

	partnerID, err := sess.acct.FindOrCreatePartner(ctx, reconciliation.PartnerSpec{
		VAT:       party.RFC,
		Name:      party.Name,
		Customer:  moveType == reconciliation.MoveCustomerInvoice,
		CompanyID: companyID,
	})
	if err != nil {
		return 0, step("partner", err)
	}

	lines := make([]reconciliation.InvoiceLine, 0, len(d.Lines))
	for _, l := range d.Lines {
		line, err := s.invoiceLine(ctx, sess, moveType, l)
		if err != nil {
			return 0, err
		}
		lines = append(lines, line)
	}

	invoiceID, err := sess.acct.CreateInvoice(ctx, reconciliation.InvoiceDraft{
		MoveType:  moveType,
		PartnerID: partnerID,
		CompanyID: companyID,
		Date:      d.IssuedAt,
		Ref:       d.Series + d.Folio,
		Currency:  d.Currency,
		Narration: narration(d),
		Lines:     lines,
	})
	if err != nil {
		return 0, step("invoice", err)
	}
	if err := s.link(ctx, sess, d, moveType, invoiceID, xml); err != nil {
		return 0, err
	}
	return invoiceID, nil
}

// link attaches the XML to an existing entry, records its EDI document and
// posts it when the connection asks for that. Errors carry invoiceID.
func (s *Service) link(ctx context.Context, sess *session, d *fiscal.FiscalDocument, moveType reconciliation.MoveType, invoiceID int64, xml []byte) error {
	attachmentID, err := sess.acct.AttachXML(ctx, invoiceID, d.UUID, xml, sess.conn.CompanyID)
	if err != nil {
		return invoiceStep("attachment", invoiceID, err)
	}
	if _, err := sess.acct.CreateEDIDocument(ctx, reconciliation.EDIDocumentSpec{
		InvoiceID:    invoiceID,
		AttachmentID: attachmentID,
		State:        moveType.EDIState(),
		SATState:     "not_defined",
		StampedAt:    d.StampedAt,
	}); err != nil {
		return invoiceStep("edi document", invoiceID, err)
	}
	if sess.conn.AutoPost {
		if err := sess.acct.PostInvoice(ctx, invoiceID); err != nil {
			return invoiceStep("post", invoiceID, err)
		}
	}
	return nil
}

func moveTypeOf(sess *session, d *fiscal.FiscalDocument) reconciliation.MoveType {
	if d.IssuedBy(sess.tenant.RFC) {
		return reconciliation.MoveCustomerInvoice
	}
	return reconciliation.MoveVendorBill
}

var hundred = decimal.NewFromInt(100)

func (s *Service) invoiceLine(ctx context.Context, sess *session, moveType reconciliation.MoveType, l fiscal.LineItem) (reconciliation.InvoiceLine, error) {
	companyID := sess.conn.CompanyID
	taxIDs := make([]int64, 0, len(l.Taxes))
	for _, t := range l.Taxes {
		percent := t.Rate.Mul(hundred)
		factor := t.FactorType
		if t.Kind == fiscal.TaxWithheld {
			if percent.IsZero() {
				continue
			}
			percent = percent.Neg()
			if factor == "" {
				factor = "Tasa"
			}
		}
		id, err := sess.acct.FindOrCreateTax(ctx, reconciliation.TaxSpec{
			Percent:    percent,
			Use:        moveType.TaxUse(),
			SATCode:    t.Tax,
			FactorType: factor,
			CompanyID:  companyID,
		})
		if err != nil {
			return reconciliation.InvoiceLine{}, step("tax", err)
		}
		taxIDs = append(taxIDs, id)
	}

	productID, err := sess.acct.FindProductByCode(ctx, l.ProductCode, companyID)
	if err != nil {
		// Lines without a product are accepted.
		s.logger.Warn("product lookup failed", zap.String("code", l.ProductCode), zap.Error(err))
		productID = 0
	}
	discount := decimal.Zero
	if !l.Amount.IsZero() {
		discount = l.Discount.Div(l.Amount).Mul(hundred)
	}
	return reconciliation.InvoiceLine{
		Name:            fmt.Sprintf("[%s] %s", l.ProductCode, l.Description),
		ProductID:       productID,
		Quantity:        l.Quantity,
		UnitPrice:       l.UnitPrice,
		DiscountPercent: discount,
		TaxIDs:          taxIDs,
	}, nil
}

func narration(d *fiscal.FiscalDocument) string {
	var parts []string
	if d.PaymentForm != "" {
		parts = append(parts, "Forma de pago: "+d.PaymentForm)
	}
	if d.PaymentMethod != "" {
		parts = append(parts, "Método de pago: "+string(d.PaymentMethod))
	}
	return strings.Join(parts, "\n")
}

func (s *Service) fail(ctx context.Context, sess *session, d *fiscal.FiscalDocument, cause error) Result {
	now := s.now()
	rec := reconciliation.NewRecord(sess.conn, d.ID, d.UUID, reconciliation.DirectionToExternal, reconciliation.OutcomeError, reconciliation.ActionNone, now)
	var se *stepError
	if errors.As(cause, &se) {
		rec.Step = se.step
		if se.invoiceID != 0 {
			id := se.invoiceID
			rec.ExternalID = &id
		}
	}
	rec.Error = cause.Error()
	sess.conn.RecordError(cause.Error(), now)
	if err := s.records.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append reconciliation record", zap.String("document_uuid", d.UUID), zap.Error(err))
	}
	s.metrics.Reconciliation(StatusError)
	s.logger.Warn("reconciliation failed",
		zap.String("document_uuid", d.UUID),
		zap.String("step", rec.Step),
		zap.Error(cause))
	return Result{DocumentUUID: d.UUID, Status: StatusError, Message: cause.Error()}
}

// finish appends the success record and flags the document.
func (s *Service) finish(ctx context.Context, d *fiscal.FiscalDocument, rec *reconciliation.Record, res Result) {
	if err := s.records.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append reconciliation record", zap.String("document_uuid", d.UUID), zap.Error(err))
	}
	if !d.Reconciled {
		d.MarkReconciled(s.now())
		if err := s.documents.MarkReconciled(ctx, d); err != nil {
			s.logger.Error("failed to flag document reconciled", zap.String("document_uuid", d.UUID), zap.Error(err))
		}
	}
	s.metrics.Reconciliation(res.Status)
}

func (s *Service) saveConnection(ctx context.Context, conn *reconciliation.Connection) {
	if err := s.connections.Update(context.WithoutCancel(ctx), conn); err != nil {
		s.logger.Warn("failed to save connection health", zap.String("connection_id", conn.ID.String()), zap.Error(err))
	}
}
