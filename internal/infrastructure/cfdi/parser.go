// Package cfdi parses stamped CFDI payloads (versions 3.3 and 4.0) into a
// normalized form and maps them to fiscal documents.
package cfdi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
)

// Namespaces of the supported schema generations and the stamp complement.
const (
	NamespaceV40   = "http://www.sat.gob.mx/cfd/4"
	NamespaceV33   = "http://www.sat.gob.mx/cfd/3"
	NamespaceStamp = "http://www.sat.gob.mx/TimbreFiscalDigital"
)

var versionNamespaces = map[string]string{
	"4.0": NamespaceV40,
	"3.3": NamespaceV33,
}

// Document is the normalized content of one CFDI.
type Document struct {
	UUID                 string
	Version              string
	Series               string
	Folio                string
	Kind                 fiscal.DocumentKind
	IssuedAt             time.Time
	StampedAt            time.Time
	SATCertificateNumber string
	Issuer               fiscal.Party
	Recipient            fiscal.Party
	Currency             string
	ExchangeRate         decimal.Decimal
	Subtotal             decimal.Decimal
	Discount             decimal.Decimal
	Total                decimal.Decimal
	TransferredTaxTotal  decimal.Decimal
	WithheldTaxTotal     decimal.Decimal
	PaymentMethod        fiscal.PaymentMethod
	PaymentForm          string
	PaymentTerms         string
	Lines                []fiscal.LineItem
}

// Parse reads a CFDI payload. It never touches storage. Malformed payloads
// and missing mandatory nodes or attributes yield an fiscal.ErrParse error.
func Parse(raw []byte) (*Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charsetReader
	if err := doc.ReadFromBytes(bytes.TrimSpace(raw)); err != nil {
		return nil, fiscal.NewParseError(fmt.Sprintf("invalid xml: %v", err))
	}
	root := doc.Root()
	if root == nil || root.Tag != "Comprobante" {
		return nil, fiscal.NewParseError("root element is not a Comprobante")
	}

	version := root.SelectAttrValue("Version", "")
	ns, ok := versionNamespaces[version]
	if !ok {
		return nil, fiscal.NewParseError(fmt.Sprintf("unsupported CFDI version %q", version))
	}
	if root.NamespaceURI() != ns {
		return nil, fiscal.NewParseError(fmt.Sprintf("version %s does not match namespace %q", version, root.NamespaceURI()))
	}

	p := &parser{}
	emisor := child(root, ns, "Emisor")
	receptor := child(root, ns, "Receptor")
	if emisor == nil || receptor == nil {
		return nil, fiscal.NewParseError("incomplete CFDI: Emisor or Receptor missing")
	}

	stamp := child(child(root, ns, "Complemento"), NamespaceStamp, "TimbreFiscalDigital")
	stampUUID := strings.ToUpper(strings.TrimSpace(attr(stamp, "UUID")))
	if stampUUID == "" {
		return nil, fiscal.NewParseError("missing stamp")
	}

	d := &Document{
		UUID:                 stampUUID,
		Version:              version,
		Series:               attr(root, "Serie"),
		Folio:                attr(root, "Folio"),
		Kind:                 fiscal.DocumentKind(attrOr(root, "TipoDeComprobante", string(fiscal.KindIncome))),
		IssuedAt:             p.requiredTime(root, "Fecha"),
		StampedAt:            p.optionalTime(stamp, "FechaTimbrado"),
		SATCertificateNumber: attr(stamp, "NoCertificadoSAT"),
		Issuer: fiscal.Party{
			RFC:    p.requiredString(emisor, "Rfc"),
			Name:   attr(emisor, "Nombre"),
			Regime: attr(emisor, "RegimenFiscal"),
		},
		Recipient: fiscal.Party{
			RFC:        p.requiredString(receptor, "Rfc"),
			Name:       attr(receptor, "Nombre"),
			Regime:     attr(receptor, "RegimenFiscalReceptor"),
			Use:        attr(receptor, "UsoCFDI"),
			PostalCode: attr(receptor, "DomicilioFiscalReceptor"),
		},
		Currency:      attrOr(root, "Moneda", "MXN"),
		ExchangeRate:  p.optionalDecimal(root, "TipoCambio"),
		Subtotal:      p.requiredDecimal(root, "SubTotal"),
		Discount:      p.optionalDecimal(root, "Descuento"),
		Total:         p.requiredDecimal(root, "Total"),
		PaymentMethod: fiscal.PaymentMethod(attr(root, "MetodoPago")),
		PaymentForm:   attr(root, "FormaPago"),
		PaymentTerms:  attr(root, "CondicionesDePago"),
	}
	if !d.Kind.IsValid() {
		return nil, fiscal.NewParseError(fmt.Sprintf("unknown TipoDeComprobante %q", d.Kind))
	}

	if taxes := child(root, ns, "Impuestos"); taxes != nil {
		d.TransferredTaxTotal = p.optionalDecimal(taxes, "TotalImpuestosTrasladados")
		d.WithheldTaxTotal = p.optionalDecimal(taxes, "TotalImpuestosRetenidos")
	}
	d.Lines = p.lines(child(root, ns, "Conceptos"), ns)

	if p.err != nil {
		return nil, p.err
	}
	return d, nil
}

// ToRecord maps a parsed document to a new fiscal document for tenantID,
// computing the content hash and size of raw. It does not deduplicate;
// the caller looks up (tenant, UUID) first.
func ToRecord(
	d *Document,
	tenantID uuid.UUID,
	raw []byte,
	initial fiscal.LifecycleState,
	provenance fiscal.Provenance,
	now time.Time,
) (*fiscal.FiscalDocument, error) {
	sum := sha256.Sum256(raw)
	record := &fiscal.FiscalDocument{
		UUID:                 d.UUID,
		Version:              d.Version,
		Series:               d.Series,
		Folio:                d.Folio,
		Kind:                 d.Kind,
		IssuedAt:             d.IssuedAt,
		StampedAt:            d.StampedAt,
		SATCertificateNumber: d.SATCertificateNumber,
		Issuer:               d.Issuer,
		Recipient:            d.Recipient,
		Currency:             d.Currency,
		ExchangeRate:         d.ExchangeRate,
		Subtotal:             d.Subtotal,
		Discount:             d.Discount,
		Total:                d.Total,
		TransferredTaxTotal:  d.TransferredTaxTotal,
		WithheldTaxTotal:     d.WithheldTaxTotal,
		PaymentMethod:        d.PaymentMethod,
		PaymentForm:          d.PaymentForm,
		PaymentTerms:         d.PaymentTerms,
		Lines:                d.Lines,
		Provenance:           provenance,
		ContentHash:          hex.EncodeToString(sum[:]),
		ContentSize:          int64(len(raw)),
	}
	return fiscal.NewFiscalDocument(record, tenantID, initial, now)
}

// parser accumulates the first attribute error so Parse reads linearly.
type parser struct {
	err error
}

func (p *parser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fiscal.NewParseError(fmt.Sprintf(format, args...))
	}
}

func (p *parser) requiredString(el *etree.Element, name string) string {
	v := strings.TrimSpace(attr(el, name))
	if v == "" {
		p.fail("%s@%s is required", el.Tag, name)
	}
	return strings.ToUpper(v)
}

func (p *parser) requiredDecimal(el *etree.Element, name string) decimal.Decimal {
	v := attr(el, name)
	if v == "" {
		p.fail("%s@%s is required", el.Tag, name)
		return decimal.Zero
	}
	return p.decimalValue(el, name, v)
}

func (p *parser) optionalDecimal(el *etree.Element, name string) decimal.Decimal {
	v := attr(el, name)
	if v == "" {
		return decimal.Zero
	}
	return p.decimalValue(el, name, v)
}

func (p *parser) decimalValue(el *etree.Element, name, v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		p.fail("%s@%s is not a decimal: %q", el.Tag, name, v)
		return decimal.Zero
	}
	return d
}

func (p *parser) requiredTime(el *etree.Element, name string) time.Time {
	v := attr(el, name)
	if v == "" {
		p.fail("%s@%s is required", el.Tag, name)
		return time.Time{}
	}
	return p.timeValue(el, name, v)
}

func (p *parser) optionalTime(el *etree.Element, name string) time.Time {
	v := attr(el, name)
	if v == "" {
		return time.Time{}
	}
	return p.timeValue(el, name, v)
}

func (p *parser) timeValue(el *etree.Element, name, v string) time.Time {
	t, err := ParseTimestamp(v)
	if err != nil {
		p.fail("%s@%s is not a timestamp: %q", el.Tag, name, v)
	}
	return t
}

func (p *parser) lines(conceptos *etree.Element, ns string) []fiscal.LineItem {
	if conceptos == nil {
		return nil
	}
	var out []fiscal.LineItem
	for _, c := range children(conceptos, ns, "Concepto") {
		line := fiscal.LineItem{
			Position:    len(out) + 1,
			ProductCode: attr(c, "ClaveProdServ"),
			Quantity:    p.requiredDecimal(c, "Cantidad"),
			UnitCode:    attr(c, "ClaveUnidad"),
			Unit:        attr(c, "Unidad"),
			Description: attr(c, "Descripcion"),
			UnitPrice:   p.requiredDecimal(c, "ValorUnitario"),
			Amount:      p.requiredDecimal(c, "Importe"),
			Discount:    p.optionalDecimal(c, "Descuento"),
			TaxObject:   attr(c, "ObjetoImp"),
		}
		if !line.Quantity.IsPositive() {
			p.fail("%s@Cantidad must be positive, got %s", c.Tag, line.Quantity)
		}
		if taxes := child(c, ns, "Impuestos"); taxes != nil {
			for _, t := range children(child(taxes, ns, "Traslados"), ns, "Traslado") {
				line.Taxes = append(line.Taxes, p.taxLine(t, fiscal.TaxTransferred))
			}
			for _, t := range children(child(taxes, ns, "Retenciones"), ns, "Retencion") {
				line.Taxes = append(line.Taxes, p.taxLine(t, fiscal.TaxWithheld))
			}
		}
		out = append(out, line)
	}
	return out
}

func (p *parser) taxLine(el *etree.Element, kind fiscal.TaxKind) fiscal.TaxLine {
	return fiscal.TaxLine{
		Kind:       kind,
		Tax:        attr(el, "Impuesto"),
		FactorType: attrOr(el, "TipoFactor", "Tasa"),
		Rate:       p.optionalDecimal(el, "TasaOCuota"),
		Base:       p.optionalDecimal(el, "Base"),
		Amount:     p.optionalDecimal(el, "Importe"),
	}
}

// ParseTimestamp reads the authority's local timestamps, which carry no
// offset, as Mexico City time and returns them in UTC. Offsets, when
// present, are honored.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05.999999", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, mexicoCity); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

var mexicoCity = func() *time.Location {
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		return time.FixedZone("CST", -6*60*60)
	}
	return loc
}()

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "utf8", "":
		return input, nil
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	}
	return nil, fmt.Errorf("unsupported charset %q", charset)
}

func child(el *etree.Element, ns, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func children(el *etree.Element, ns, local string) []*etree.Element {
	if el == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

func attr(el *etree.Element, name string) string {
	if el == nil {
		return ""
	}
	return el.SelectAttrValue(name, "")
}

func attrOr(el *etree.Element, name, fallback string) string {
	if v := attr(el, name); v != "" {
		return v
	}
	return fallback
}
