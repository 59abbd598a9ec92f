package odoo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/reconciliation"
)

// Mexico in res.country.
const countryMexico = 156

const ediTimeLayout = "2006-01-02 15:04:05"

// Session implements reconciliation.Accounting against one Odoo database.
type Session struct {
	client *Client
	logger *zap.Logger
}

var _ reconciliation.Accounting = (*Session)(nil)

// NewSession wraps client.
func NewSession(client *Client) *Session {
	return &Session{client: client, logger: client.logger}
}

type moveRecord struct {
	ID       int64 `json:"id"`
	Name     Text  `json:"name"`
	State    Text  `json:"state"`
	MoveType Text  `json:"move_type"`
	UUID     Text  `json:"l10n_mx_edi_cfdi_uuid"`
	EDIState Text  `json:"l10n_mx_edi_cfdi_state"`
	SATState Text  `json:"l10n_mx_edi_cfdi_sat_state"`
}

var moveFields = []string{"id", "name", "state", "move_type", "l10n_mx_edi_cfdi_uuid", "l10n_mx_edi_cfdi_state", "l10n_mx_edi_cfdi_sat_state"}

func (m moveRecord) invoice() *reconciliation.Invoice {
	return &reconciliation.Invoice{
		ID:       m.ID,
		Name:     string(m.Name),
		State:    string(m.State),
		MoveType: string(m.MoveType),
		UUID:     string(m.UUID),
		EDIState: string(m.EDIState),
		SATState: string(m.SATState),
	}
}

func companyClause(companyID int64) []any {
	if companyID == 0 {
		return nil
	}
	return []any{[]any{"company_id", "=", companyID}}
}

// FindInvoiceByUUID looks on the move first, then on EDI documents, then
// on attachments. The fallbacks tolerate modules that are not installed.
func (s *Session) FindInvoiceByUUID(ctx context.Context, documentUUID string, companyID int64) (*reconciliation.Invoice, error) {
	upper := strings.ToUpper(documentUUID)
	domain := Domain{"|", "|",
		[]any{"l10n_mx_edi_cfdi_uuid", "=", upper},
		[]any{"l10n_mx_edi_cfdi_uuid", "=", strings.ToLower(documentUUID)},
		[]any{"l10n_mx_edi_cfdi_uuid", "=ilike", documentUUID},
	}
	domain = append(domain, companyClause(companyID)...)
	var moves []moveRecord
	if err := s.client.SearchRead(ctx, "account.move", domain, moveFields, 1, &moves); err != nil {
		if !isMissingModel(err) {
			return nil, err
		}
	}
	if len(moves) > 0 {
		return moves[0].invoice(), nil
	}

	moveID, err := s.moveFromEDIDocument(ctx, documentUUID)
	if err != nil {
		return nil, err
	}
	if moveID == 0 {
		if moveID, err = s.moveFromAttachment(ctx, upper); err != nil {
			return nil, err
		}
	}
	if moveID == 0 {
		return nil, nil
	}
	if err := s.client.Read(ctx, "account.move", []int64{moveID}, moveFields, &moves); err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		return nil, nil
	}
	return moves[0].invoice(), nil
}

func (s *Session) moveFromEDIDocument(ctx context.Context, documentUUID string) (int64, error) {
	var docs []struct {
		MoveID Many2One `json:"move_id"`
	}
	domain := Domain{[]any{"attachment_uuid", "=ilike", documentUUID}}
	err := s.client.SearchRead(ctx, "l10n_mx_edi.document", domain, []string{"move_id"}, 1, &docs)
	if err != nil {
		if isMissingModel(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	return docs[0].MoveID.ID, nil
}

func (s *Session) moveFromAttachment(ctx context.Context, documentUUID string) (int64, error) {
	var atts []struct {
		ResID int64 `json:"res_id"`
	}
	domain := Domain{
		[]any{"cfdi_uuid", "=ilike", documentUUID},
		[]any{"res_model", "=", "account.move"},
	}
	err := s.client.SearchRead(ctx, "ir.attachment", domain, []string{"res_id"}, 1, &atts)
	if err != nil {
		if isMissingModel(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(atts) == 0 {
		return 0, nil
	}
	return atts[0].ResID, nil
}

type idRecord struct {
	ID int64 `json:"id"`
}

// FindOrCreatePartner matches by VAT among shared and company partners.
func (s *Session) FindOrCreatePartner(ctx context.Context, spec reconciliation.PartnerSpec) (int64, error) {
	vat := strings.ToUpper(strings.TrimSpace(spec.VAT))
	if vat == "" {
		return 0, reconciliation.NewReconciliationError("partner VAT is required")
	}
	domain := Domain{[]any{"vat", "=ilike", vat}}
	if spec.CompanyID != 0 {
		domain = append(domain, "|", []any{"company_id", "=", spec.CompanyID}, []any{"company_id", "=", false})
	}
	var found []idRecord
	if err := s.client.SearchRead(ctx, "res.partner", domain, []string{"id"}, 1, &found); err != nil {
		return 0, err
	}
	if len(found) > 0 {
		return found[0].ID, nil
	}

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = vat
	}
	// Legal entities carry 12-character RFCs.
	isCompany := len(vat) == 12
	companyType := "person"
	if isCompany {
		companyType = "company"
	}
	values := map[string]any{
		"name":         name,
		"vat":          vat,
		"company_type": companyType,
		"is_company":   isCompany,
		"country_id":   countryMexico,
	}
	if spec.CompanyID != 0 {
		values["company_id"] = spec.CompanyID
	}
	if spec.Customer {
		values["customer_rank"] = 1
	} else {
		values["supplier_rank"] = 1
	}
	id, err := s.client.Create(ctx, "res.partner", values)
	if err != nil {
		return 0, err
	}
	s.logger.Info("partner created", zap.Int64("partner_id", id), zap.String("vat", vat))
	return id, nil
}

var taxNames = map[string]string{"001": "ISR", "002": "IVA", "003": "IEPS"}

// FindOrCreateTax matches on rate, use and company and, where the
// localization fields exist, on SAT code and factor type.
func (s *Session) FindOrCreateTax(ctx context.Context, spec reconciliation.TaxSpec) (int64, error) {
	amount, _ := spec.Percent.Float64()
	base := Domain{
		[]any{"amount", "=", amount},
		[]any{"type_tax_use", "=", spec.Use},
	}
	if spec.CompanyID != 0 {
		base = append(base, []any{"company_id", "=", spec.CompanyID})
	}

	var found []idRecord
	if spec.SATCode != "" {
		domain := append(Domain{}, base...)
		domain = append(domain, "|",
			[]any{"l10n_mx_tax_type", "=", spec.SATCode},
			[]any{"description", "=", spec.SATCode},
		)
		if spec.FactorType != "" {
			domain = append(domain, []any{"l10n_mx_factor_type", "=", spec.FactorType})
		}
		err := s.client.SearchRead(ctx, "account.tax", domain, []string{"id"}, 1, &found)
		if err != nil && !isFault(err) {
			return 0, err
		}
		if err != nil {
			// Localization fields missing; retry on the base match.
			found = nil
			if err := s.client.SearchRead(ctx, "account.tax", base, []string{"id"}, 1, &found); err != nil {
				return 0, err
			}
		}
	} else if err := s.client.SearchRead(ctx, "account.tax", base, []string{"id"}, 1, &found); err != nil {
		return 0, err
	}
	if len(found) > 0 {
		return found[0].ID, nil
	}

	values := map[string]any{
		"name":         taxName(spec),
		"amount":       amount,
		"amount_type":  "percent",
		"type_tax_use": spec.Use,
		"description":  spec.SATCode,
	}
	if spec.CompanyID != 0 {
		values["company_id"] = spec.CompanyID
	}
	if spec.FactorType != "" {
		values["l10n_mx_factor_type"] = spec.FactorType
	}
	id, err := s.client.Create(ctx, "account.tax", values)
	if err != nil {
		if !isFault(err) || spec.FactorType == "" {
			return 0, err
		}
		delete(values, "l10n_mx_factor_type")
		if id, err = s.client.Create(ctx, "account.tax", values); err != nil {
			return 0, err
		}
	}
	s.logger.Info("tax created", zap.Int64("tax_id", id), zap.String("name", values["name"].(string)))
	return id, nil
}

// taxName renders e.g. "IVA 16% Compras (Tasa)".
func taxName(spec reconciliation.TaxSpec) string {
	label, ok := taxNames[spec.SATCode]
	if !ok {
		label = "Impuesto"
	}
	scope := "Compras"
	if spec.Use == "sale" {
		scope = "Ventas"
	}
	name := fmt.Sprintf("%s %s%% %s", label, spec.Percent.Abs().String(), scope)
	if spec.FactorType != "" {
		name += " (" + spec.FactorType + ")"
	}
	return name
}

// FindProductByCode returns 0 when no product carries code.
func (s *Session) FindProductByCode(ctx context.Context, code string, companyID int64) (int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, nil
	}
	domain := Domain{[]any{"default_code", "=", code}}
	if companyID != 0 {
		domain = append(domain, "|", []any{"company_id", "=", companyID}, []any{"company_id", "=", false})
	}
	var found []idRecord
	if err := s.client.SearchRead(ctx, "product.product", domain, []string{"id"}, 1, &found); err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, nil
	}
	return found[0].ID, nil
}

func (s *Session) currencyID(ctx context.Context, code string) (int64, error) {
	if code == "" {
		return 0, nil
	}
	var found []idRecord
	domain := Domain{[]any{"name", "=", strings.ToUpper(code)}}
	if err := s.client.SearchRead(ctx, "res.currency", domain, []string{"id"}, 1, &found); err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, nil
	}
	return found[0].ID, nil
}

func decimalFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// CreateInvoice creates a draft move with its lines.
func (s *Session) CreateInvoice(ctx context.Context, draft reconciliation.InvoiceDraft) (int64, error) {
	lines := make([]any, 0, len(draft.Lines))
	for _, l := range draft.Lines {
		taxIDs := l.TaxIDs
		if taxIDs == nil {
			taxIDs = []int64{}
		}
		vals := map[string]any{
			"name":       l.Name,
			"quantity":   decimalFloat(l.Quantity),
			"price_unit": decimalFloat(l.UnitPrice),
			"discount":   decimalFloat(l.DiscountPercent),
			"tax_ids":    []any{[]any{6, 0, taxIDs}},
		}
		if l.ProductID != 0 {
			vals["product_id"] = l.ProductID
		}
		lines = append(lines, []any{0, 0, vals})
	}
	values := map[string]any{
		"move_type":        string(draft.MoveType),
		"partner_id":       draft.PartnerID,
		"invoice_date":     draft.Date.Format("2006-01-02"),
		"ref":              draft.Ref,
		"narration":        draft.Narration,
		"invoice_line_ids": lines,
	}
	if draft.CompanyID != 0 {
		values["company_id"] = draft.CompanyID
	}
	currencyID, err := s.currencyID(ctx, draft.Currency)
	if err != nil {
		return 0, err
	}
	if currencyID != 0 {
		values["currency_id"] = currencyID
	}
	id, err := s.client.Create(ctx, "account.move", values)
	if err != nil {
		return 0, err
	}
	s.logger.Info("invoice created", zap.Int64("move_id", id), zap.String("move_type", string(draft.MoveType)))
	return id, nil
}

// AttachXML stores the document XML on the move.
func (s *Session) AttachXML(ctx context.Context, invoiceID int64, documentUUID string, xml []byte, companyID int64) (int64, error) {
	values := map[string]any{
		"name":      strings.ToUpper(documentUUID) + ".xml",
		"datas":     base64.StdEncoding.EncodeToString(xml),
		"res_model": "account.move",
		"res_id":    invoiceID,
		"mimetype":  "application/xml",
		"type":      "binary",
		"cfdi_uuid": strings.ToUpper(documentUUID),
	}
	if companyID != 0 {
		values["company_id"] = companyID
	}
	id, err := s.client.Create(ctx, "ir.attachment", values)
	if err != nil && isFault(err) {
		// cfdi_uuid only exists with the localization installed.
		delete(values, "cfdi_uuid")
		id, err = s.client.Create(ctx, "ir.attachment", values)
	}
	return id, err
}

// CreateEDIDocument links the attachment so Odoo computes the move UUID.
func (s *Session) CreateEDIDocument(ctx context.Context, spec reconciliation.EDIDocumentSpec) (int64, error) {
	satState := spec.SATState
	if satState == "" {
		satState = "not_defined"
	}
	return s.client.Create(ctx, "l10n_mx_edi.document", map[string]any{
		"move_id":       spec.InvoiceID,
		"attachment_id": spec.AttachmentID,
		"state":         spec.State,
		"sat_state":     satState,
		"datetime":      spec.StampedAt.UTC().Format(ediTimeLayout),
	})
}

// PostInvoice confirms a draft move
func (s *Session) PostInvoice(ctx context.Context, invoiceID int64) error {
	return s.client.ExecuteKW(ctx, "account.move", "action_post", []any{[]int64{invoiceID}}, nil, nil)
}

// UpdateSATState writes satState on every EDI document of the move.
func (s *Session) UpdateSATState(ctx context.Context, invoiceID int64, satState string) (bool, error) {
	var docs []idRecord
	domain := Domain{[]any{"move_id", "=", invoiceID}}
	if err := s.client.SearchRead(ctx, "l10n_mx_edi.document", domain, []string{"id"}, 0, &docs); err != nil {
		if isMissingModel(err) {
			return false, nil
		}
		return false, err
	}
	if len(docs) == 0 {
		return false, nil
	}
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	if err := s.client.Write(ctx, "l10n_mx_edi.document", ids, map[string]any{"sat_state": satState}); err != nil {
		return false, err
	}
	return true, nil
}

// CancelDraft cancels a move that was never posted.
func (s *Session) CancelDraft(ctx context.Context, invoiceID int64) error {
	return s.client.ExecuteKW(ctx, "account.move", "button_cancel", []any{[]int64{invoiceID}}, nil, nil)
}

func isFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Factory opens sessions; clients are not cached between runs.
type Factory struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

var _ reconciliation.AccountingFactory = Factory{}

// Open implements reconciliation.AccountingFactory
func (f Factory) Open(conn *reconciliation.Connection, secret string) reconciliation.Accounting {
	return NewSession(NewClient(Config{
		URL:      conn.URL,
		Database: conn.Database,
		Username: conn.Username,
		Password: secret,
		Timeout:  f.Timeout,
	}, f.Logger))
}
