package fiscal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// RequestStatus is the local status of a DownloadRequest.
type RequestStatus string

const (
	RequestStatusRequested  RequestStatus = "requested"
	RequestStatusReady      RequestStatus = "ready"
	RequestStatusDownloaded RequestStatus = "downloaded"
	RequestStatusFailed     RequestStatus = "failed"
)

var requestStatusTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusRequested: {RequestStatusReady, RequestStatusFailed},
	RequestStatusReady:     {RequestStatusDownloaded, RequestStatusFailed},
}

// CanTransitionTo reports whether the status may move to next.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range requestStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsPollable returns true while the authority still has something to tell us.
func (s RequestStatus) IsPollable() bool {
	return s == RequestStatusRequested || s == RequestStatusReady
}

// DownloadRequest is one submission to the bulk-download service. A new row
// is created for every submission, even for an identical range.
type DownloadRequest struct {
	shared.TenantAggregateRoot
	RFC              string
	Range            DateRange
	Direction        Direction
	Status           RequestStatus
	ExternalID       string
	AuthorityCode    string
	AuthorityMessage string
	AuthorityState   RequestState
	RawResponse      string
	PayloadHash      string
	RequestedBy      string
	AutoGenerated    bool
	PackageIDs       []string
	DocumentCount    int
	Attempts         int
	ErrorMessage     string
	LastPolledAt     *time.Time
	CompletedAt      *time.Time
}

// NewDownloadRequest creates a request in status requested. ExternalID is
// filled by MarkSubmitted once the authority accepted it.
func NewDownloadRequest(
	tenantID uuid.UUID,
	rfc string,
	r DateRange,
	direction Direction,
	requestedBy string,
	auto bool,
	now time.Time,
) (*DownloadRequest, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !direction.IsValid() {
		return nil, shared.NewDomainError("INVALID_DIRECTION", fmt.Sprintf("unknown direction %q", direction))
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	rfc = strings.ToUpper(strings.TrimSpace(rfc))
	hash, err := RequestPayloadHash(rfc, r, direction)
	if err != nil {
		return nil, err
	}
	return &DownloadRequest{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID, now),
		RFC:                 rfc,
		Range:               r,
		Direction:           direction,
		Status:              RequestStatusRequested,
		PayloadHash:         hash,
		RequestedBy:         requestedBy,
		AutoGenerated:       auto,
	}, nil
}

// RequestPayloadHash fingerprints the submitted parameters with a
// canonical JSON encoding, so identical submissions share a hash.
func RequestPayloadHash(rfc string, r DateRange, direction Direction) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"rfc":       rfc,
		"start":     r.Start.UTC().Format(time.RFC3339),
		"end":       r.End.UTC().Format(time.RFC3339),
		"direction": string(direction),
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize request payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MarkSubmitted records the authority's acceptance of the request.
func (r *DownloadRequest) MarkSubmitted(externalID, code, message, raw string, now time.Time) error {
	if r.ExternalID != "" {
		return shared.NewDomainError("INVALID_STATE", "request was already submitted")
	}
	if externalID == "" {
		return NewProtocolError("authority accepted the request without an id")
	}
	r.ExternalID = externalID
	r.AuthorityCode = code
	r.AuthorityMessage = message
	r.AuthorityState = RequestAccepted
	r.RawResponse = raw
	r.Touch(now)
	r.IncrementVersion()
	return nil
}

// RecordAttempt counts one submission attempt.
func (r *DownloadRequest) RecordAttempt(now time.Time) {
	r.Attempts++
	r.Touch(now)
	r.IncrementVersion()
}

// ApplyPoll folds one poll answer into the request. A state that would move
// the authority state backwards is refused. The returned bool is true when
// the local status changed.
func (r *DownloadRequest) ApplyPoll(state RequestState, packageIDs []string, documentCount int, code, message, raw string, now time.Time) (bool, error) {
	if !r.Status.IsPollable() {
		return false, shared.NewDomainError("INVALID_STATE", fmt.Sprintf("request in status %s is not pollable", r.Status))
	}
	if !r.AuthorityState.CanAdvanceTo(state) {
		return false, shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("authority state cannot go from %s to %s", r.AuthorityState, state))
	}
	at := now.UTC()
	r.AuthorityState = state
	r.AuthorityCode = code
	r.AuthorityMessage = message
	r.RawResponse = raw
	r.LastPolledAt = &at
	r.Touch(now)
	r.IncrementVersion()

	switch {
	case state == RequestReady:
		r.PackageIDs = dedupeStrings(append(r.PackageIDs, packageIDs...))
		r.DocumentCount = documentCount
		if r.Status == RequestStatusRequested {
			r.Status = RequestStatusReady
			return true, nil
		}
	case state == RequestExpired:
		return true, r.MarkFailed("request expired at the authority", now)
	case state.IsFailure():
		reason := message
		if reason == "" {
			reason = fmt.Sprintf("authority reported %s", state)
		}
		return true, r.MarkFailed(reason, now)
	}
	return false, nil
}

// MarkDownloaded closes the request once every package completed.
func (r *DownloadRequest) MarkDownloaded(now time.Time) error {
	if !r.Status.CanTransitionTo(RequestStatusDownloaded) {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("cannot mark %s request downloaded", r.Status))
	}
	at := now.UTC()
	r.Status = RequestStatusDownloaded
	r.CompletedAt = &at
	r.Touch(now)
	r.IncrementVersion()
	return nil
}

// MarkFailed closes the request with a reason.
func (r *DownloadRequest) MarkFailed(reason string, now time.Time) error {
	if !r.Status.CanTransitionTo(RequestStatusFailed) {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("cannot fail %s request", r.Status))
	}
	at := now.UTC()
	r.Status = RequestStatusFailed
	r.ErrorMessage = reason
	r.CompletedAt = &at
	r.Touch(now)
	r.IncrementVersion()
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
