package sat

import (
	"errors"
	"time"
)

// Production endpoints of the authority's web services.
const (
	DefaultAuthenticateURL = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/Autenticacion/Autenticacion.svc"
	DefaultRequestURL      = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/SolicitaDescargaService.svc"
	DefaultVerifyURL       = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/VerificaSolicitudDescargaService.svc"
	DefaultDownloadURL     = "https://cfdidescargamasiva.clouda.sat.gob.mx/DescargaMasivaService.svc"
	DefaultConsultURL      = "https://consultaqr.facturaelectronica.sat.gob.mx/ConsultaCFDIService.svc"
	DefaultPendingURL      = "https://cancelacfd.sat.gob.mx/AceptacionRechazo/AceptacionRechazoService.svc"
	DefaultBlacklistURL    = "http://omawww.sat.gob.mx/cifras_sat/Documents/Listado_Completo_69-B.csv"
)

// Endpoints holds the service URLs. Tests point them at a fake server.
type Endpoints struct {
	Authenticate string `mapstructure:"authenticate_url"`
	Request      string `mapstructure:"request_url"`
	Verify       string `mapstructure:"verify_url"`
	Download     string `mapstructure:"download_url"`
	Consult      string `mapstructure:"consult_url"`
	Pending      string `mapstructure:"pending_url"`
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Authenticate: DefaultAuthenticateURL,
		Request:      DefaultRequestURL,
		Verify:       DefaultVerifyURL,
		Download:     DefaultDownloadURL,
		Consult:      DefaultConsultURL,
		Pending:      DefaultPendingURL,
	}
}

// ClientConfig configures the protocol client.
type ClientConfig struct {
	Endpoints
	// Timeout bounds every HTTP call.
	Timeout time.Duration
	// TokenTTL is how long an authentication token is reused. The authority
	// issues tokens valid for five minutes.
	TokenTTL time.Duration
	// RequestsPerSecond and Burst throttle all calls made through one limiter.
	RequestsPerSecond float64
	Burst             int
}

// Errors for configuration validation
var (
	ErrMissingEndpoint = errors.New("sat: missing service endpoint")
	ErrInvalidTimeout  = errors.New("sat: timeout must be positive")
	ErrInvalidRate     = errors.New("sat: requests per second must be positive")
)

// DefaultClientConfig returns production endpoints and conservative limits.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoints:         DefaultEndpoints(),
		Timeout:           60 * time.Second,
		TokenTTL:          4 * time.Minute,
		RequestsPerSecond: 2,
		Burst:             4,
	}
}

// Validate validates the configuration
func (c *ClientConfig) Validate() error {
	for _, u := range []string{c.Authenticate, c.Request, c.Verify, c.Download, c.Consult, c.Pending} {
		if u == "" {
			return ErrMissingEndpoint
		}
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.RequestsPerSecond <= 0 {
		return ErrInvalidRate
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 4 * time.Minute
	}
	return nil
}
