package handler

import (
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/interfaces/http/dto"
)

// SubmitRequestBody asks for one tenant's documents over a date range.
// Start and End are calendar dates (2006-01-02) or RFC 3339 timestamps.
type SubmitRequestBody struct {
	Start     string `json:"start" binding:"required"`
	End       string `json:"end" binding:"required"`
	Direction string `json:"direction" binding:"required,oneof=issued received"`
}

// ListRequestsQuery filters the request list.
type ListRequestsQuery struct {
	dto.ListRequest
	Status    string `form:"status" binding:"omitempty,oneof=requested ready downloaded failed"`
	Direction string `form:"direction" binding:"omitempty,oneof=issued received"`
}

// DownloadRequestResponse is a download request as the API shows it.
type DownloadRequestResponse struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	RFC              string     `json:"rfc"`
	Start            time.Time  `json:"start"`
	End              time.Time  `json:"end"`
	Direction        string     `json:"direction"`
	Status           string     `json:"status"`
	ExternalID       string     `json:"external_id,omitempty"`
	AuthorityCode    string     `json:"authority_code,omitempty"`
	AuthorityMessage string     `json:"authority_message,omitempty"`
	AuthorityState   string     `json:"authority_state,omitempty"`
	RequestedBy      string     `json:"requested_by"`
	AutoGenerated    bool       `json:"auto_generated"`
	PackageIDs       []string   `json:"package_ids"`
	DocumentCount    int        `json:"document_count"`
	Attempts         int        `json:"attempts"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	LastPolledAt     *time.Time `json:"last_polled_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PackageResponse is one package of a request.
type PackageResponse struct {
	ID           string              `json:"id"`
	ExternalID   string              `json:"external_id"`
	Status       string              `json:"status"`
	RetryCount   int                 `json:"retry_count"`
	ArchiveHash  string              `json:"archive_hash,omitempty"`
	ArchiveSize  int64               `json:"archive_size,omitempty"`
	Summary      fiscal.BatchSummary `json:"summary"`
	ErrorMessage string              `json:"error_message,omitempty"`
	DownloadedAt *time.Time          `json:"downloaded_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// RequestDetailResponse is a request together with its packages.
type RequestDetailResponse struct {
	DownloadRequestResponse
	Packages []PackageResponse `json:"packages"`
}

func toDownloadRequestResponse(r *fiscal.DownloadRequest) DownloadRequestResponse {
	ids := r.PackageIDs
	if ids == nil {
		ids = []string{}
	}
	return DownloadRequestResponse{
		ID:               r.ID.String(),
		TenantID:         r.TenantID.String(),
		RFC:              r.RFC,
		Start:            r.Range.Start,
		End:              r.Range.End,
		Direction:        string(r.Direction),
		Status:           string(r.Status),
		ExternalID:       r.ExternalID,
		AuthorityCode:    r.AuthorityCode,
		AuthorityMessage: r.AuthorityMessage,
		AuthorityState:   string(r.AuthorityState),
		RequestedBy:      r.RequestedBy,
		AutoGenerated:    r.AutoGenerated,
		PackageIDs:       ids,
		DocumentCount:    r.DocumentCount,
		Attempts:         r.Attempts,
		ErrorMessage:     r.ErrorMessage,
		LastPolledAt:     r.LastPolledAt,
		CompletedAt:      r.CompletedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toPackageResponse(p *fiscal.DownloadPackage) PackageResponse {
	return PackageResponse{
		ID:           p.ID.String(),
		ExternalID:   p.ExternalID,
		Status:       string(p.Status),
		RetryCount:   p.RetryCount,
		ArchiveHash:  p.ArchiveHash,
		ArchiveSize:  p.ArchiveSize,
		Summary:      p.Summary,
		ErrorMessage: p.ErrorMessage,
		DownloadedAt: p.DownloadedAt,
		CompletedAt:  p.CompletedAt,
	}
}
