package sat

import "github.com/cfdisync/backend/internal/domain/fiscal"

// Status codes returned in CodEstatus.
const (
	CodeAccepted = "5000"
	// CodeNoData means the authority found no documents for the request.
	CodeNoData = "5004"
)

// SubmitResult is the answer to a bulk request submission.
type SubmitResult struct {
	ExternalID string
	Code       string
	Message    string
	Raw        string
}

// PollResult is the answer to a verification call, already normalized.
type PollResult struct {
	State         fiscal.RequestState
	Code          string
	Message       string
	PackageIDs    []string
	DocumentCount int
	Raw           string
}

// StatusResult is the answer to a single-document status query.
type StatusResult struct {
	Status             fiscal.AuthorityStatus
	Code               string
	Cancellable        string
	CancellationStatus string
	EFOSValidation     string
	Raw                string
}

// soap actions
const (
	actionAuthenticate     = "http://DescargaMasivaTerceros.gob.mx/IAutenticacion/Autentica"
	actionRequestIssued    = "http://DescargaMasivaTerceros.sat.gob.mx/ISolicitaDescargaService/SolicitaDescargaEmitidos"
	actionRequestReceived  = "http://DescargaMasivaTerceros.sat.gob.mx/ISolicitaDescargaService/SolicitaDescargaRecibidos"
	actionVerify           = "http://DescargaMasivaTerceros.sat.gob.mx/IVerificaSolicitudDescargaService/VerificaSolicitudDescarga"
	actionDownload         = "http://DescargaMasivaTerceros.sat.gob.mx/IDescargaMasivaTercerosService/Descargar"
	actionConsult          = "http://tempuri.org/IConsultaCFDIService/Consulta"
	actionPendingRequests  = "http://cancelacfd.sat.gob.mx/IAceptacionRechazoService/ObtenerPeticionesPendientes"
	namespaceAuthenticate  = "http://DescargaMasivaTerceros.gob.mx"
	namespaceBulk          = "http://DescargaMasivaTerceros.sat.gob.mx"
	namespaceConsult       = "http://tempuri.org/"
	namespaceCancellations = "http://cancelacfd.sat.gob.mx"
)
