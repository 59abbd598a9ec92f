package sat

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

const requestDateLayout = "2006-01-02T15:04:05"

// Client speaks the authority's bulk-download, status and cancellation
// services. It normalizes every authority encoding before returning and
// reports failures as wrapped fiscal sentinels. It persists nothing.
//
// A Client without a signer can only run CheckDocumentStatus, the one
// service that does not require authentication.
type Client struct {
	config     ClientConfig
	signer     *Signer
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter shares a rate limiter across clients so that all tenants
// together stay under the configured rate.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithClock overrides the clock used for token expiry.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewLimiter builds the limiter described by cfg.
func NewLimiter(cfg ClientConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
}

// NewClient creates a protocol client. signer may be nil.
func NewClient(cfg ClientConfig, signer *Signer, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config:     cfg,
		signer:     signer,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("sat"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = NewLimiter(cfg)
	}
	return c, nil
}

// SubmitBulkRequest asks the authority to prepare the documents of rfc issued
// or received within r.
func (c *Client) SubmitBulkRequest(ctx context.Context, r fiscal.DateRange, direction fiscal.Direction, rfc string) (*SubmitResult, error) {
	ctx, span := c.startSpan(ctx, "submit", telemetry.SpanAttrDirection, string(direction))
	defer span.End()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	rfc = strings.ToUpper(strings.TrimSpace(rfc))

	var operation, action string
	switch direction {
	case fiscal.DirectionIssued:
		operation, action = "SolicitaDescargaEmitidos", actionRequestIssued
	case fiscal.DirectionReceived:
		operation, action = "SolicitaDescargaRecibidos", actionRequestReceived
	default:
		return nil, fiscal.NewBusinessRuleError(fmt.Sprintf("unknown direction %q", direction))
	}

	op := etree.NewElement("des:" + operation)
	op.CreateAttr("xmlns:des", namespaceBulk)
	req := op.CreateElement("des:solicitud")
	req.CreateAttr("FechaInicial", r.Start.UTC().Format(requestDateLayout))
	req.CreateAttr("FechaFinal", r.End.UTC().Format(requestDateLayout))
	req.CreateAttr("RfcSolicitante", rfc)
	req.CreateAttr("TipoSolicitud", "CFDI")
	if direction == fiscal.DirectionIssued {
		req.CreateAttr("RfcEmisor", rfc)
	} else {
		req.CreateAttr("RfcReceptor", rfc)
		req.CreateAttr("EstadoComprobante", "Vigente")
	}

	body, raw, err := c.signedCall(ctx, c.config.Request, action, op)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	result := findLocal(body, operation+"Result")
	if result == nil {
		err := fmt.Errorf("%w: %s response has no result element", fiscal.ErrProtocol, operation)
		telemetry.RecordError(span, err)
		return nil, err
	}
	out := &SubmitResult{
		ExternalID: result.SelectAttrValue("IdSolicitud", ""),
		Code:       result.SelectAttrValue("CodEstatus", ""),
		Message:    result.SelectAttrValue("Mensaje", ""),
		Raw:        raw,
	}
	telemetry.SetAttribute(span, telemetry.SpanAttrAuthorityCode, out.Code)
	if err := c.checkCode(out.Code, out.Message); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if out.ExternalID == "" {
		err := fmt.Errorf("%w: accepted request carries no IdSolicitud", fiscal.ErrProtocol)
		telemetry.RecordError(span, err)
		return nil, err
	}
	c.logger.Info("Bulk request submitted",
		zap.String("rfc", rfc),
		zap.String("direction", string(direction)),
		zap.String("range", r.String()),
		zap.String("external_id", out.ExternalID))
	return out, nil
}

// PollRequestStatus reports the state of a previously submitted request.
func (c *Client) PollRequestStatus(ctx context.Context, externalID, rfc string) (*PollResult, error) {
	ctx, span := c.startSpan(ctx, "poll", telemetry.SpanAttrExternalID, externalID)
	defer span.End()

	op := etree.NewElement("des:VerificaSolicitudDescarga")
	op.CreateAttr("xmlns:des", namespaceBulk)
	req := op.CreateElement("des:solicitud")
	req.CreateAttr("IdSolicitud", externalID)
	req.CreateAttr("RfcSolicitante", strings.ToUpper(strings.TrimSpace(rfc)))

	body, raw, err := c.signedCall(ctx, c.config.Verify, actionVerify, op)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	result := findLocal(body, "VerificaSolicitudDescargaResult")
	if result == nil {
		err := fmt.Errorf("%w: verify response has no result element", fiscal.ErrProtocol)
		telemetry.RecordError(span, err)
		return nil, err
	}
	out := &PollResult{
		Code:    result.SelectAttrValue("CodEstatus", ""),
		Message: result.SelectAttrValue("Mensaje", ""),
		Raw:     raw,
	}
	if err := c.checkCode(out.Code, out.Message); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	state, err := NormalizeRequestState(result.SelectAttrValue("EstadoSolicitud", ""))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	out.State = state
	if n := result.SelectAttrValue("NumeroCFDIs", ""); n != "" {
		count, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			err = fmt.Errorf("%w: NumeroCFDIs %q is not a number", fiscal.ErrProtocol, n)
			telemetry.RecordError(span, err)
			return nil, err
		}
		out.DocumentCount = count
	}
	// IdsPaquetes comes either as repeated elements or as one element
	// holding a single id.
	for _, el := range result.ChildElements() {
		if el.Tag != "IdsPaquetes" {
			continue
		}
		if id := strings.TrimSpace(el.Text()); id != "" {
			out.PackageIDs = append(out.PackageIDs, id)
		}
	}
	telemetry.SetAttributes(span, "state", string(state), "packages", len(out.PackageIDs))
	return out, nil
}

// FetchPackage downloads one package and returns the decoded archive bytes.
func (c *Client) FetchPackage(ctx context.Context, packageID, rfc string) ([]byte, error) {
	ctx, span := c.startSpan(ctx, "download", telemetry.SpanAttrPackageID, packageID)
	defer span.End()

	op := etree.NewElement("des:PeticionDescargaMasivaTercerosEntrada")
	op.CreateAttr("xmlns:des", namespaceBulk)
	req := op.CreateElement("des:peticionDescarga")
	req.CreateAttr("IdPaquete", packageID)
	req.CreateAttr("RfcSolicitante", strings.ToUpper(strings.TrimSpace(rfc)))

	envelope, _, err := c.signedCallEnvelope(ctx, c.config.Download, actionDownload, op)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if header := findLocal(envelope, "respuesta"); header != nil {
		if err := c.checkCode(header.SelectAttrValue("CodEstatus", ""), header.SelectAttrValue("Mensaje", "")); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}
	pkg := findLocal(envelope, "Paquete")
	if pkg == nil || strings.TrimSpace(pkg.Text()) == "" {
		err := fmt.Errorf("%w: package %s is empty", fiscal.ErrProtocol, packageID)
		telemetry.RecordError(span, err)
		return nil, err
	}
	archive, err := base64.StdEncoding.DecodeString(strings.TrimSpace(pkg.Text()))
	if err != nil {
		err = fmt.Errorf("%w: package %s is not base64: %v", fiscal.ErrProtocol, packageID, err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttribute(span, "bytes", len(archive))
	c.logger.Info("Package downloaded", zap.String("package_id", packageID), zap.Int("bytes", len(archive)))
	return archive, nil
}

// CheckDocumentStatus asks the authority for the current status of one
// document. total is sent with exactly two decimals.
func (c *Client) CheckDocumentStatus(ctx context.Context, issuerRFC, recipientRFC string, total decimal.Decimal, documentUUID string) (*StatusResult, error) {
	ctx, span := c.startSpan(ctx, "consult", telemetry.SpanAttrDocumentUUID, documentUUID)
	defer span.End()

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	envelope := doc.CreateElement("s:Envelope")
	envelope.CreateAttr("xmlns:s", NamespaceSOAP)
	op := envelope.CreateElement("s:Body").CreateElement("Consulta")
	op.CreateAttr("xmlns", namespaceConsult)
	op.CreateElement("expresionImpresa").SetText(ConsultExpression(issuerRFC, recipientRFC, total, documentUUID))
	payload, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("sat: build consult envelope: %w", err)
	}

	envelopeEl, raw, err := c.post(ctx, c.config.Consult, actionConsult, payload, "")
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	result := findLocal(envelopeEl, "ConsultaResult")
	if result == nil {
		err := fmt.Errorf("%w: consult response has no result element", fiscal.ErrProtocol)
		telemetry.RecordError(span, err)
		return nil, err
	}
	status, err := NormalizeAuthorityStatus(childText(result, "Estado"))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	out := &StatusResult{
		Status:             status,
		Code:               childText(result, "CodigoEstatus"),
		Cancellable:        childText(result, "EsCancelable"),
		CancellationStatus: childText(result, "EstatusCancelacion"),
		EFOSValidation:     childText(result, "ValidacionEFOS"),
		Raw:                raw,
	}
	telemetry.SetAttribute(span, "status", string(status))
	return out, nil
}

// PendingCancellations lists the UUIDs of documents received by rfc whose
// issuer asked to cancel them and that await acceptance or rejection.
func (c *Client) PendingCancellations(ctx context.Context, rfc string) ([]string, error) {
	ctx, span := c.startSpan(ctx, "pending_cancellations")
	defer span.End()

	op := etree.NewElement("ObtenerPeticionesPendientes")
	op.CreateAttr("xmlns", namespaceCancellations)
	op.CreateElement("rfcReceptor").SetText(strings.ToUpper(strings.TrimSpace(rfc)))

	body, _, err := c.signedCall(ctx, c.config.Pending, actionPendingRequests, op)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	result := findLocal(body, "ObtenerPeticionesPendientesResult")
	if result == nil {
		err := fmt.Errorf("%w: pending response has no result element", fiscal.ErrProtocol)
		telemetry.RecordError(span, err)
		return nil, err
	}
	code := result.SelectAttrValue("CodEstatus", "")
	if code == "1101" {
		// No pending requests.
		return nil, nil
	}
	if code != "" && code != "1100" {
		err := fmt.Errorf("%w: CodEstatus %s", fiscal.ErrProtocol, code)
		telemetry.RecordError(span, err)
		return nil, err
	}
	var uuids []string
	for _, el := range collectLocal(result, "UUID", nil) {
		if id := strings.ToUpper(strings.TrimSpace(el.Text())); id != "" {
			uuids = append(uuids, id)
		}
	}
	telemetry.SetAttribute(span, "pending", len(uuids))
	return uuids, nil
}

// ConsultExpression builds the query string printed on a document's QR code.
func ConsultExpression(issuerRFC, recipientRFC string, total decimal.Decimal, documentUUID string) string {
	return fmt.Sprintf("?re=%s&rr=%s&tt=%s&id=%s",
		strings.ToUpper(strings.TrimSpace(issuerRFC)),
		strings.ToUpper(strings.TrimSpace(recipientRFC)),
		total.StringFixed(2),
		strings.ToUpper(strings.TrimSpace(documentUUID)))
}

// ---------------------------------------------------------------------------
// transport
// ---------------------------------------------------------------------------

// authenticate returns a cached WRAP token or requests a new one.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	if c.signer == nil {
		return "", fiscal.NewCredentialError("no signing credential loaded for authenticated call")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpires) {
		return c.token, nil
	}

	op := etree.NewElement("Autentica")
	op.CreateAttr("xmlns", namespaceAuthenticate)
	payload, err := c.signer.SignEnvelope(op)
	if err != nil {
		return "", fmt.Errorf("%w: %v", fiscal.ErrCredential, err)
	}
	envelope, _, err := c.post(ctx, c.config.Authenticate, actionAuthenticate, payload, "")
	if err != nil {
		return "", err
	}
	result := findLocal(envelope, "AutenticaResult")
	if result == nil || strings.TrimSpace(result.Text()) == "" {
		return "", fmt.Errorf("%w: authentication returned no token", fiscal.ErrAuthRejected)
	}
	c.token = strings.TrimSpace(result.Text())
	c.tokenExpires = c.now().Add(c.config.TokenTTL)
	return c.token, nil
}

// checkCode classifies a CodEstatus and drops the token on rejection.
func (c *Client) checkCode(code, message string) error {
	err := statusCodeError(code, message)
	if isAuthRejected(err) {
		c.invalidateToken()
	}
	return err
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// signedCall authenticates, signs op and returns the SOAP Body element.
func (c *Client) signedCall(ctx context.Context, url, action string, op *etree.Element) (*etree.Element, string, error) {
	envelope, raw, err := c.signedCallEnvelope(ctx, url, action, op)
	if err != nil {
		return nil, "", err
	}
	body := findLocal(envelope, "Body")
	if body == nil {
		return nil, "", fmt.Errorf("%w: response has no SOAP body", fiscal.ErrProtocol)
	}
	return body, raw, nil
}

func (c *Client) signedCallEnvelope(ctx context.Context, url, action string, op *etree.Element) (*etree.Element, string, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, "", err
	}
	payload, err := c.signer.SignEnvelope(op)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", fiscal.ErrCredential, err)
	}
	envelope, raw, err := c.post(ctx, url, action, payload, token)
	if err != nil {
		if isAuthRejected(err) {
			c.invalidateToken()
		}
		return nil, "", err
	}
	return envelope, raw, nil
}

// post sends one SOAP request and returns the parsed response envelope.
func (c *Client) post(ctx context.Context, url, action string, payload []byte, token string) (*etree.Element, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("%w: %v", fiscal.ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("sat: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept", "text/xml")
	req.Header.Set("SOAPAction", `"`+action+`"`)
	if token != "" {
		req.Header.Set("Authorization", `WRAP access_token="`+token+`"`)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", fiscal.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to read response: %v", fiscal.ErrTransport, err)
	}
	raw := string(respBody)
	c.logger.Debug("Authority call",
		zap.String("action", action),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", c.now().Sub(start)))

	doc := etree.NewDocument()
	parseErr := doc.ReadFromBytes(respBody)
	var envelope *etree.Element
	if parseErr == nil {
		envelope = doc.Root()
	}

	if envelope != nil {
		if fault := findLocal(envelope, "Fault"); fault != nil {
			return nil, raw, faultError(resp.StatusCode, fault)
		}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, raw, fmt.Errorf("%w: HTTP %d", fiscal.ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, raw, fmt.Errorf("%w: HTTP %d", fiscal.ErrTransport, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, raw, fmt.Errorf("%w: HTTP %d", fiscal.ErrProtocol, resp.StatusCode)
	}
	if envelope == nil {
		return nil, raw, fmt.Errorf("%w: malformed response: %v", fiscal.ErrProtocol, parseErr)
	}
	return envelope, raw, nil
}

// authFaultCodes are the WS-Security fault codes, by local name, that mean
// the token or the signature was refused.
var authFaultCodes = map[string]bool{
	"failedauthentication":     true,
	"invalidsecurity":          true,
	"invalidsecuritytoken":     true,
	"securitytokenunavailable": true,
	"failedcheck":              true,
	"messageexpired":           true,
	"unsupportedsecuritytoken": true,
	"authenticationfailed":     true,
}

// faultError classifies a SOAP fault by HTTP status and fault code. The
// fault text is localized and only ends up in the message.
func faultError(status int, fault *etree.Element) error {
	text := childText(fault, "faultstring")
	code := childText(fault, "faultcode")
	local := code
	if i := strings.LastIndex(local, ":"); i >= 0 {
		local = local[i+1:]
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		authFaultCodes[strings.ToLower(strings.TrimSpace(local))] {
		return fmt.Errorf("%w: SOAP fault %s: %s", fiscal.ErrAuthRejected, code, text)
	}
	return fmt.Errorf("%w: SOAP fault %s: %s", fiscal.ErrProtocol, code, text)
}

func isAuthRejected(err error) bool {
	return errors.Is(err, fiscal.ErrAuthRejected)
}

func (c *Client) startSpan(ctx context.Context, action string, kv ...any) (context.Context, trace.Span) {
	return telemetry.StartClientSpan(ctx, "sat", action,
		append([]any{telemetry.SpanAttrAuthorityAction, action}, kv...)...)
}

// findLocal returns the first element named local in el's subtree,
// ignoring namespace prefixes.
func findLocal(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == local {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findLocal(child, local); found != nil {
			return found
		}
	}
	return nil
}

func collectLocal(el *etree.Element, local string, acc []*etree.Element) []*etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			acc = append(acc, child)
		}
		acc = collectLocal(child, local, acc)
	}
	return acc
}

func childText(el *etree.Element, local string) string {
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			return strings.TrimSpace(child.Text())
		}
	}
	return ""
}
