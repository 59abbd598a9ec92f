package fiscal

import (
	"context"
	"errors"
	"net"

	"github.com/cfdisync/backend/internal/domain/shared"
)

// Error classes. Callers decide retry vs. terminal with errors.Is, never by
// inspecting message text.
var (
	// ErrCredential means the key material cannot be used: wrong password,
	// mismatched encryption secret, expired or wrong-kind certificate.
	// Terminal until an operator uploads a new credential.
	ErrCredential = shared.NewDomainError("CREDENTIAL_ERROR", "signing credential is unusable")

	// ErrAuthRejected means the authority refused the authentication token.
	ErrAuthRejected = shared.NewDomainError("AUTH_REJECTED", "authority rejected authentication")

	// ErrProtocol means the authority answered with something we cannot
	// interpret, or with an error code.
	ErrProtocol = shared.NewDomainError("PROTOCOL_ERROR", "authority protocol error")

	// ErrTransport means the call never produced an authority answer.
	ErrTransport = shared.NewDomainError("TRANSPORT_ERROR", "authority unreachable")

	// ErrParse means a document payload is malformed. The document is
	// skipped and counted, the batch continues.
	ErrParse = shared.NewDomainError("PARSE_ERROR", "malformed fiscal document")

	// ErrBusinessRule means a write would break a domain invariant.
	ErrBusinessRule = shared.NewDomainError("BUSINESS_RULE_VIOLATION", "business rule violation")
)

// IsRetryable reports whether err belongs to a class worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredential) || errors.Is(err, ErrParse) || errors.Is(err, ErrBusinessRule) {
		return false
	}
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrTransport) {
		return true
	}
	// A cancelled job was interrupted, not refused.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// NewBusinessRuleError builds an ErrBusinessRule with a specific message.
func NewBusinessRuleError(message string) error {
	return shared.NewDomainError(ErrBusinessRule.Code, message)
}

// NewParseError builds an ErrParse with a specific message.
func NewParseError(message string) error {
	return shared.NewDomainError(ErrParse.Code, message)
}

// NewCredentialError builds an ErrCredential with a specific message.
func NewCredentialError(message string) error {
	return shared.NewDomainError(ErrCredential.Code, message)
}

// NewProtocolError builds an ErrProtocol with a specific message.
func NewProtocolError(message string) error {
	return shared.NewDomainError(ErrProtocol.Code, message)
}
