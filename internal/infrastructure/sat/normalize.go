package sat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

var requestStatesByCode = map[int]fiscal.RequestState{
	1: fiscal.RequestAccepted,
	2: fiscal.RequestInProgress,
	3: fiscal.RequestReady,
	4: fiscal.RequestError,
	5: fiscal.RequestRejected,
	6: fiscal.RequestExpired,
}

var requestStatesByName = map[string]fiscal.RequestState{
	"aceptada":  fiscal.RequestAccepted,
	"enproceso": fiscal.RequestInProgress,
	"terminada": fiscal.RequestReady,
	"error":     fiscal.RequestError,
	"rechazada": fiscal.RequestRejected,
	"vencida":   fiscal.RequestExpired,
}

// NormalizeRequestState maps the authority's EstadoSolicitud, numeric (1-6)
// or symbolic (Aceptada, EnProceso, Terminada, Error, Rechazada, Vencida),
// onto fiscal.RequestState. Anything else is a protocol error.
func NormalizeRequestState(raw string) (fiscal.RequestState, error) {
	v := strings.TrimSpace(raw)
	if n, err := strconv.Atoi(v); err == nil {
		if s, ok := requestStatesByCode[n]; ok {
			return s, nil
		}
	}
	key := strings.ToLower(strings.NewReplacer(" ", "", "_", "").Replace(v))
	if s, ok := requestStatesByName[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown request state %q", fiscal.ErrProtocol, raw)
}

// NormalizeAuthorityStatus maps the Estado of a status query onto
// fiscal.AuthorityStatus.
func NormalizeAuthorityStatus(raw string) (fiscal.AuthorityStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "vigente":
		return fiscal.AuthorityStatusValid, nil
	case "cancelado":
		return fiscal.AuthorityStatusCancelled, nil
	case "no encontrado", "noencontrado":
		return fiscal.AuthorityStatusNotFound, nil
	}
	return "", fmt.Errorf("%w: unknown document status %q", fiscal.ErrProtocol, raw)
}

// statusCodeError classifies a CodEstatus. 5000 is success, 300-305 are
// authentication and signature rejections, the rest are protocol errors.
func statusCodeError(code, message string) error {
	code = strings.TrimSpace(code)
	if code == CodeAccepted {
		return nil
	}
	if n, err := strconv.Atoi(code); err == nil && n >= 300 && n <= 305 {
		return fmt.Errorf("%w: CodEstatus %s: %s", fiscal.ErrAuthRejected, code, message)
	}
	if code == "" {
		return fmt.Errorf("%w: response carries no CodEstatus", fiscal.ErrProtocol)
	}
	return fmt.Errorf("%w: CodEstatus %s: %s", fiscal.ErrProtocol, code, message)
}
