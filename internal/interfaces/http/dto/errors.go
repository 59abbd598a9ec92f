package dto

import "net/http"

// Error codes returned by the operator API.
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	ErrCodeUnknown  = "ERR_UNKNOWN"
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation and input error codes
const (
	ErrCodeValidation   = "ERR_VALIDATION"
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	ErrCodeInvalidJSON  = "ERR_INVALID_JSON"
	ErrCodeTooLarge     = "ERR_REQUEST_TOO_LARGE"
)

// Resource error codes
const (
	ErrCodeNotFound            = "ERR_NOT_FOUND"
	ErrCodeAlreadyExists       = "ERR_ALREADY_EXISTS"
	ErrCodeConflict            = "ERR_CONFLICT"
	ErrCodeConcurrencyConflict = "ERR_CONCURRENCY_CONFLICT"
)

// Business rule error codes
const (
	ErrCodeInvalidState = "ERR_INVALID_STATE"
	ErrCodeBusinessRule = "ERR_BUSINESS_RULE"
	ErrCodeCredential   = "ERR_CREDENTIAL"
	ErrCodeParse        = "ERR_PARSE"
)

// Upstream error codes: the SAT web services and the accounting system.
const (
	// ErrCodeAuthRejected means the authority refused the signed token
	ErrCodeAuthRejected = "ERR_AUTH_REJECTED"
	// ErrCodeProtocol means the authority answered with an unexpected code
	ErrCodeProtocol = "ERR_PROTOCOL"
	// ErrCodeUnavailable means the authority could not be reached
	ErrCodeUnavailable = "ERR_UPSTREAM_UNAVAILABLE"
	// ErrCodeReconciliation means the accounting system rejected a call
	ErrCodeReconciliation = "ERR_RECONCILIATION"
)

// Rate limiting error codes
const (
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:   http.StatusBadRequest,
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,
	ErrCodeTooLarge:     http.StatusRequestEntityTooLarge,

	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeAlreadyExists:       http.StatusConflict,
	ErrCodeConflict:            http.StatusConflict,
	ErrCodeConcurrencyConflict: http.StatusConflict,

	// Business rule errors -> 422 Unprocessable Entity
	ErrCodeInvalidState: http.StatusUnprocessableEntity,
	ErrCodeBusinessRule: http.StatusUnprocessableEntity,
	ErrCodeCredential:   http.StatusUnprocessableEntity,
	ErrCodeParse:        http.StatusUnprocessableEntity,

	// Upstream failures -> 502/503
	ErrCodeAuthRejected:   http.StatusBadGateway,
	ErrCodeProtocol:       http.StatusBadGateway,
	ErrCodeUnavailable:    http.StatusServiceUnavailable,
	ErrCodeReconciliation: http.StatusBadGateway,

	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API codes
var DomainErrorCodeMapping = map[string]string{
	"NOT_FOUND":               ErrCodeNotFound,
	"ALREADY_EXISTS":          ErrCodeAlreadyExists,
	"INVALID_INPUT":           ErrCodeInvalidInput,
	"INVALID_STATE":           ErrCodeInvalidState,
	"INVALID_TENANT":          ErrCodeInvalidInput,
	"INVALID_DIRECTION":       ErrCodeInvalidInput,
	"INVALID_CREDENTIAL_KIND": ErrCodeInvalidInput,
	"CONCURRENCY_CONFLICT":    ErrCodeConcurrencyConflict,
	"BUSINESS_RULE_VIOLATION": ErrCodeBusinessRule,
	"CREDENTIAL_ERROR":        ErrCodeCredential,
	"PARSE_ERROR":             ErrCodeParse,
	"AUTH_REJECTED":           ErrCodeAuthRejected,
	"PROTOCOL_ERROR":          ErrCodeProtocol,
	"TRANSPORT_ERROR":         ErrCodeUnavailable,
	"RECONCILIATION_ERROR":    ErrCodeReconciliation,
}

// NormalizeErrorCode converts a domain error code to the API format.
// Codes already in the API format, or unknown, are returned as-is.
func NormalizeErrorCode(code string) string {
	if newCode, ok := DomainErrorCodeMapping[code]; ok {
		return newCode
	}
	return code
}
