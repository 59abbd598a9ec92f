package sat

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

const soapEnvelope = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Header>%s</s:Header><s:Body>%s</s:Body></s:Envelope>`

type fakeResponse struct {
	status int
	header string
	body   string
}

// fakeAuthority answers SOAP calls by SOAPAction and records what it saw.
type fakeAuthority struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     map[string]int
	auth      map[string]string
	bodies    map[string]string
}

func newFakeAuthority() *fakeAuthority {
	f := &fakeAuthority{
		responses: map[string]fakeResponse{},
		calls:     map[string]int{},
		auth:      map[string]string{},
		bodies:    map[string]string{},
	}
	f.on(actionAuthenticate, `<AutenticaResponse xmlns="http://DescargaMasivaTerceros.gob.mx"><AutenticaResult>tok-1</AutenticaResult></AutenticaResponse>`)
	return f
}

func (f *fakeAuthority) on(action, body string) {
	f.onStatus(action, http.StatusOK, "", body)
}

func (f *fakeAuthority) onStatus(action string, status int, header, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = fakeResponse{status: status, header: header, body: body}
}

func (f *fakeAuthority) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *fakeAuthority) lastAuth(action string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[action]
}

func (f *fakeAuthority) lastBody(action string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[action]
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)
	payload, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls[action]++
	f.auth[action] = r.Header.Get("Authorization")
	f.bodies[action] = string(payload)
	resp, ok := f.responses[action]
	f.mu.Unlock()

	if !ok {
		http.Error(w, "unknown action "+action, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(resp.status)
	if resp.body == "" {
		return
	}
	if strings.HasPrefix(resp.body, "<s:Envelope") || strings.HasPrefix(resp.body, "raw:") {
		_, _ = io.WriteString(w, strings.TrimPrefix(resp.body, "raw:"))
		return
	}
	_, _ = fmt.Fprintf(w, soapEnvelope, resp.header, resp.body)
}

func newTestClient(t *testing.T, fake *fakeAuthority, withSigner bool) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.Endpoints = Endpoints{
		Authenticate: srv.URL + "/auth",
		Request:      srv.URL + "/request",
		Verify:       srv.URL + "/verify",
		Download:     srv.URL + "/download",
		Consult:      srv.URL + "/consult",
		Pending:      srv.URL + "/pending",
	}
	cfg.Timeout = 5 * time.Second
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000

	var signer *Signer
	if withSigner {
		var err error
		signer, err = NewSigner(validTestCredential(t).material)
		require.NoError(t, err)
	}
	c, err := NewClient(cfg, signer, zap.NewNop())
	require.NoError(t, err)
	return c
}

func testRange(t *testing.T) fiscal.DateRange {
	r, err := fiscal.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return r
}

func TestClient_SubmitBulkRequest(t *testing.T) {
	fake := newFakeAuthority()
	fake.on(actionRequestReceived, `<SolicitaDescargaRecibidosResponse xmlns="http://DescargaMasivaTerceros.sat.gob.mx"><SolicitaDescargaRecibidosResult IdSolicitud="4e80345d-917f-40bb-a98f-4a73939343c5" CodEstatus="5000" Mensaje="Solicitud Aceptada"/></SolicitaDescargaRecibidosResponse>`)
	c := newTestClient(t, fake, true)

	res, err := c.SubmitBulkRequest(context.Background(), testRange(t), fiscal.DirectionReceived, "aaa010101aaa")
	require.NoError(t, err)
	assert.Equal(t, "4e80345d-917f-40bb-a98f-4a73939343c5", res.ExternalID)
	assert.Equal(t, CodeAccepted, res.Code)
	assert.Contains(t, res.Raw, "Solicitud Aceptada")

	assert.Equal(t, `WRAP access_token="tok-1"`, fake.lastAuth(actionRequestReceived))
	sent := fake.lastBody(actionRequestReceived)
	assert.Contains(t, sent, `RfcReceptor="AAA010101AAA"`)
	assert.Contains(t, sent, `EstadoComprobante="Vigente"`)
	assert.Contains(t, sent, `FechaInicial="2024-01-01T00:00:00"`)
	assert.Contains(t, sent, `FechaFinal="2024-01-31T23:59:59"`)
	assert.Contains(t, sent, "ds:SignatureValue")

	t.Run("token is reused", func(t *testing.T) {
		_, err := c.SubmitBulkRequest(context.Background(), testRange(t), fiscal.DirectionReceived, "AAA010101AAA")
		require.NoError(t, err)
		assert.Equal(t, 1, fake.count(actionAuthenticate))
		assert.Equal(t, 2, fake.count(actionRequestReceived))
	})
}

func TestClient_SubmitIssued(t *testing.T) {
	fake := newFakeAuthority()
	fake.on(actionRequestIssued, `<SolicitaDescargaEmitidosResponse><SolicitaDescargaEmitidosResult IdSolicitud="abc" CodEstatus="5000" Mensaje="Solicitud Aceptada"/></SolicitaDescargaEmitidosResponse>`)
	c := newTestClient(t, fake, true)

	res, err := c.SubmitBulkRequest(context.Background(), testRange(t), fiscal.DirectionIssued, "AAA010101AAA")
	require.NoError(t, err)
	assert.Equal(t, "abc", res.ExternalID)
	assert.Contains(t, fake.lastBody(actionRequestIssued), `RfcEmisor="AAA010101AAA"`)
	assert.NotContains(t, fake.lastBody(actionRequestIssued), "EstadoComprobante")
}

func TestClient_AuthRejectionDropsToken(t *testing.T) {
	fake := newFakeAuthority()
	fake.on(actionRequestReceived, `<SolicitaDescargaRecibidosResponse><SolicitaDescargaRecibidosResult CodEstatus="300" Mensaje="Usuario No Válido"/></SolicitaDescargaRecibidosResponse>`)
	c := newTestClient(t, fake, true)

	_, err := c.SubmitBulkRequest(context.Background(), testRange(t), fiscal.DirectionReceived, "AAA010101AAA")
	assert.ErrorIs(t, err, fiscal.ErrAuthRejected)
	assert.True(t, fiscal.IsRetryable(err))

	fake.onStatus(actionRequestReceived, http.StatusUnauthorized, "", "")
	_, err = c.SubmitBulkRequest(context.Background(), testRange(t), fiscal.DirectionReceived, "AAA010101AAA")
	assert.ErrorIs(t, err, fiscal.ErrAuthRejected)

	_, _ = c.SubmitBulkRequest(context.Background(), testRange(t), fiscal.DirectionReceived, "AAA010101AAA")
	assert.Equal(t, 3, fake.count(actionAuthenticate), "every rejection must force a new token")
}

func TestClient_PollRequestStatus(t *testing.T) {
	t.Run("ready with packages", func(t *testing.T) {
		fake := newFakeAuthority()
		fake.on(actionVerify, `<VerificaSolicitudDescargaResponse><VerificaSolicitudDescargaResult CodEstatus="5000" EstadoSolicitud="3" CodigoEstadoSolicitud="5000" NumeroCFDIs="12" Mensaje="Solicitud Aceptada"><IdsPaquetes>PKG_01</IdsPaquetes><IdsPaquetes>PKG_02</IdsPaquetes></VerificaSolicitudDescargaResult></VerificaSolicitudDescargaResponse>`)
		c := newTestClient(t, fake, true)

		res, err := c.PollRequestStatus(context.Background(), "req-1", "AAA010101AAA")
		require.NoError(t, err)
		assert.Equal(t, fiscal.RequestReady, res.State)
		assert.Equal(t, []string{"PKG_01", "PKG_02"}, res.PackageIDs)
		assert.Equal(t, 12, res.DocumentCount)
		assert.Contains(t, fake.lastBody(actionVerify), `IdSolicitud="req-1"`)
	})

	t.Run("symbolic in progress", func(t *testing.T) {
		fake := newFakeAuthority()
		fake.on(actionVerify, `<VerificaSolicitudDescargaResponse><VerificaSolicitudDescargaResult CodEstatus="5000" EstadoSolicitud="EnProceso" NumeroCFDIs="0" Mensaje=""/></VerificaSolicitudDescargaResponse>`)
		c := newTestClient(t, fake, true)

		res, err := c.PollRequestStatus(context.Background(), "req-1", "AAA010101AAA")
		require.NoError(t, err)
		assert.Equal(t, fiscal.RequestInProgress, res.State)
		assert.Empty(t, res.PackageIDs)
	})

	t.Run("unknown state is a protocol error", func(t *testing.T) {
		fake := newFakeAuthority()
		fake.on(actionVerify, `<VerificaSolicitudDescargaResponse><VerificaSolicitudDescargaResult CodEstatus="5000" EstadoSolicitud="9"/></VerificaSolicitudDescargaResponse>`)
		c := newTestClient(t, fake, true)

		_, err := c.PollRequestStatus(context.Background(), "req-1", "AAA010101AAA")
		assert.ErrorIs(t, err, fiscal.ErrProtocol)
	})
}

func TestClient_FetchPackage(t *testing.T) {
	archive := []byte("PK\x03\x04 fake zip")

	t.Run("decodes archive", func(t *testing.T) {
		fake := newFakeAuthority()
		fake.onStatus(actionDownload, http.StatusOK,
			`<h:respuesta xmlns:h="http://DescargaMasivaTerceros.sat.gob.mx" CodEstatus="5000" Mensaje="Solicitud Aceptada"/>`,
			`<RespuestaDescargaMasivaTercerosSalida><Paquete>`+base64.StdEncoding.EncodeToString(archive)+`</Paquete></RespuestaDescargaMasivaTercerosSalida>`)
		c := newTestClient(t, fake, true)

		got, err := c.FetchPackage(context.Background(), "PKG_01", "AAA010101AAA")
		require.NoError(t, err)
		assert.Equal(t, archive, got)
	})

	t.Run("empty package is a protocol error", func(t *testing.T) {
		fake := newFakeAuthority()
		fake.on(actionDownload, `<RespuestaDescargaMasivaTercerosSalida><Paquete></Paquete></RespuestaDescargaMasivaTercerosSalida>`)
		c := newTestClient(t, fake, true)

		_, err := c.FetchPackage(context.Background(), "PKG_01", "AAA010101AAA")
		assert.ErrorIs(t, err, fiscal.ErrProtocol)
	})

	t.Run("header status is honoured", func(t *testing.T) {
		fake := newFakeAuthority()
		fake.onStatus(actionDownload, http.StatusOK,
			`<h:respuesta xmlns:h="http://DescargaMasivaTerceros.sat.gob.mx" CodEstatus="5008" Mensaje="Máximo de descargas permitidas"/>`,
			`<RespuestaDescargaMasivaTercerosSalida/>`)
		c := newTestClient(t, fake, true)

		_, err := c.FetchPackage(context.Background(), "PKG_01", "AAA010101AAA")
		assert.ErrorIs(t, err, fiscal.ErrProtocol)
		assert.Contains(t, err.Error(), "5008")
	})
}

func TestClient_CheckDocumentStatus(t *testing.T) {
	fake := newFakeAuthority()
	fake.on(actionConsult, `<ConsultaResponse xmlns="http://tempuri.org/"><ConsultaResult xmlns:a="http://schemas.datacontract.org/2004/07/Sat.Cfdi.Negocio.ConsultaCfdi.Servicio"><a:CodigoEstatus>S - Comprobante obtenido satisfactoriamente.</a:CodigoEstatus><a:EsCancelable>Cancelable sin aceptación</a:EsCancelable><a:Estado>Cancelado</a:Estado><a:EstatusCancelacion>Cancelado sin aceptación</a:EstatusCancelacion><a:ValidacionEFOS>200</a:ValidacionEFOS></ConsultaResult></ConsultaResponse>`)
	c := newTestClient(t, fake, false)

	res, err := c.CheckDocumentStatus(context.Background(), "AAA010101AAA", "BBB010101BBB",
		decimal.RequireFromString("1160.5"), "6f0e2a7c-1b2d-4c3e-9f8a-0b1c2d3e4f50")
	require.NoError(t, err)
	assert.Equal(t, fiscal.AuthorityStatusCancelled, res.Status)
	assert.Equal(t, "Cancelable sin aceptación", res.Cancellable)
	assert.Equal(t, "Cancelado sin aceptación", res.CancellationStatus)
	assert.Equal(t, "200", res.EFOSValidation)

	assert.Empty(t, fake.lastAuth(actionConsult))
	assert.Contains(t, fake.lastBody(actionConsult), "tt=1160.50")
	assert.Contains(t, fake.lastBody(actionConsult), "id=6F0E2A7C-1B2D-4C3E-9F8A-0B1C2D3E4F50")
	assert.Zero(t, fake.count(actionAuthenticate))
}

func TestConsultExpression(t *testing.T) {
	got := ConsultExpression("aaa010101aaa", "BBB010101BBB", decimal.RequireFromString("12"), "abc")
	assert.Equal(t, "?re=AAA010101AAA&rr=BBB010101BBB&tt=12.00&id=ABC", got)
}

func TestClient_PendingCancellations(t *testing.T) {
	fake := newFakeAuthority()
	fake.on(actionPendingRequests, `<ObtenerPeticionesPendientesResponse><ObtenerPeticionesPendientesResult CodEstatus="1100"><UUID>aaaa-1</UUID><UUID>bbbb-2</UUID></ObtenerPeticionesPendientesResult></ObtenerPeticionesPendientesResponse>`)
	c := newTestClient(t, fake, true)

	got, err := c.PendingCancellations(context.Background(), "AAA010101AAA")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAA-1", "BBBB-2"}, got)

	fake.on(actionPendingRequests, `<ObtenerPeticionesPendientesResponse><ObtenerPeticionesPendientesResult CodEstatus="1101"/></ObtenerPeticionesPendientesResponse>`)
	got, err = c.PendingCancellations(context.Background(), "AAA010101AAA")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_ErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusServiceUnavailable, "", fiscal.ErrTransport},
		{"soap fault", http.StatusInternalServerError, `<s:Fault><faultcode>s:Client</faultcode><faultstring>Error de formato</faultstring></s:Fault>`, fiscal.ErrProtocol},
		{"token fault", http.StatusInternalServerError, `<s:Fault><faultcode>a:InvalidSecurity</faultcode><faultstring>Token invalido</faultstring></s:Fault>`, fiscal.ErrAuthRejected},
		{"security fault with a localized message", http.StatusInternalServerError, `<s:Fault><faultcode>a:InvalidSecurity</faultcode><faultstring>Ocurrió un error al verificar la seguridad del mensaje.</faultstring></s:Fault>`, fiscal.ErrAuthRejected},
		{"client fault mentioning a token", http.StatusInternalServerError, `<s:Fault><faultcode>s:Client</faultcode><faultstring>Token de solicitud mal formado</faultstring></s:Fault>`, fiscal.ErrProtocol},
		{"malformed body", http.StatusOK, "raw:<<not xml", fiscal.ErrProtocol},
		{"missing result", http.StatusOK, `<Nothing/>`, fiscal.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeAuthority()
			fake.onStatus(actionVerify, tt.status, "", tt.body)
			c := newTestClient(t, fake, true)

			_, err := c.PollRequestStatus(context.Background(), "req-1", "AAA010101AAA")
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, fiscal.IsRetryable(err))
		})
	}

	t.Run("unreachable host", func(t *testing.T) {
		fake := newFakeAuthority()
		c := newTestClient(t, fake, false)
		c.config.Consult = "http://127.0.0.1:1/consult"
		_, err := c.CheckDocumentStatus(context.Background(), "A", "B", decimal.Zero, "X")
		assert.ErrorIs(t, err, fiscal.ErrTransport)
	})
}

func TestFaultError_ClassifiesByCodeAndStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		text   string
		want   error
	}{
		{"failed authentication", http.StatusInternalServerError, "wsse:FailedAuthentication", "Autenticación fallida", fiscal.ErrAuthRejected},
		{"expired message", http.StatusInternalServerError, "wsse:MessageExpired", "El mensaje expiró", fiscal.ErrAuthRejected},
		{"unqualified code", http.StatusInternalServerError, "InvalidSecurityToken", "", fiscal.ErrAuthRejected},
		{"forbidden status", http.StatusForbidden, "s:Server", "Acceso denegado", fiscal.ErrAuthRejected},
		{"unauthorized status", http.StatusUnauthorized, "s:Client", "", fiscal.ErrAuthRejected},
		{"server fault", http.StatusInternalServerError, "s:Server", "token autentica", fiscal.ErrProtocol},
		{"empty code", http.StatusInternalServerError, "", "Error no controlado", fiscal.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fault := etree.NewElement("s:Fault")
			fault.CreateElement("faultcode").SetText(tt.code)
			fault.CreateElement("faultstring").SetText(tt.text)

			err := faultError(tt.status, fault)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.text)
		})
	}
}

func TestClient_AuthenticatedCallWithoutSigner(t *testing.T) {
	c := newTestClient(t, newFakeAuthority(), false)

	_, err := c.SubmitBulkRequest(context.Background(), testRange(t), fiscal.DirectionIssued, "AAA010101AAA")
	assert.ErrorIs(t, err, fiscal.ErrCredential)
	assert.False(t, fiscal.IsRetryable(err))
}
