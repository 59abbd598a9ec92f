package fiscal

import (
	"fmt"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// PackageStatus is the status of one retrievable archive.
type PackageStatus string

const (
	PackagePending     PackageStatus = "pending"
	PackageDownloading PackageStatus = "downloading"
	PackageDownloaded  PackageStatus = "downloaded"
	PackageProcessing  PackageStatus = "processing"
	PackageCompleted   PackageStatus = "completed"
	PackageFailed      PackageStatus = "failed"
)

var packageTransitions = map[PackageStatus][]PackageStatus{
	PackagePending:     {PackageDownloading, PackageFailed},
	PackageDownloading: {PackageDownloaded, PackagePending, PackageFailed},
	PackageDownloaded:  {PackageProcessing, PackageFailed},
	PackageProcessing:  {PackageCompleted, PackageDownloaded, PackageFailed},
}

// CanTransitionTo reports whether the status may move to next. Downloading
// may fall back to pending and processing to downloaded so an interrupted
// step can be retried.
func (s PackageStatus) CanTransitionTo(next PackageStatus) bool {
	for _, allowed := range packageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsClaimed returns true while a worker holds the package.
func (s PackageStatus) IsClaimed() bool {
	return s == PackageDownloading || s == PackageProcessing
}

// IsFinal returns true for completed and failed.
func (s PackageStatus) IsFinal() bool {
	return s == PackageCompleted || s == PackageFailed
}

// BatchSummary counts the outcome of processing one package.
type BatchSummary struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// DownloadPackage is one archive announced by the authority for a request.
type DownloadPackage struct {
	shared.TenantAggregateRoot
	RequestID    uuid.UUID
	ExternalID   string
	Status       PackageStatus
	RetryCount   int
	ArchivePath  string
	ArchiveHash  string
	ArchiveSize  int64
	Summary      BatchSummary
	ErrorMessage string
	DownloadedAt *time.Time
	CompletedAt  *time.Time
}

// NewDownloadPackage creates a pending package for request.
func NewDownloadPackage(request *DownloadRequest, externalID string, now time.Time) (*DownloadPackage, error) {
	if externalID == "" {
		return nil, NewProtocolError("package id cannot be empty")
	}
	return &DownloadPackage{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(request.TenantID, now),
		RequestID:           request.ID,
		ExternalID:          externalID,
		Status:              PackagePending,
	}, nil
}

func (p *DownloadPackage) transition(next PackageStatus, now time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("package %s cannot go from %s to %s", p.ExternalID, p.Status, next))
	}
	p.Status = next
	p.Touch(now)
	p.IncrementVersion()
	return nil
}

// StartDownload claims a pending package for fetching.
func (p *DownloadPackage) StartDownload(now time.Time) error {
	return p.transition(PackageDownloading, now)
}

// CompleteDownload records where the archive was stored.
func (p *DownloadPackage) CompleteDownload(archivePath, hash string, size int64, now time.Time) error {
	if err := p.transition(PackageDownloaded, now); err != nil {
		return err
	}
	at := now.UTC()
	p.ArchivePath = archivePath
	p.ArchiveHash = hash
	p.ArchiveSize = size
	p.ErrorMessage = ""
	p.DownloadedAt = &at
	return nil
}

// Release hands a claimed package back after a transient failure:
// downloading returns to pending and processing to downloaded. Each release
// counts as a retry, and the package fails once maxRetries is reached. It
// returns true when the package became failed.
func (p *DownloadPackage) Release(reason string, maxRetries int, now time.Time) (bool, error) {
	var back PackageStatus
	switch p.Status {
	case PackageDownloading:
		back = PackagePending
	case PackageProcessing:
		back = PackageDownloaded
	default:
		return false, shared.NewDomainError("INVALID_STATE", fmt.Sprintf("package %s is not claimed (%s)", p.ExternalID, p.Status))
	}
	p.RetryCount++
	p.ErrorMessage = reason
	if p.RetryCount >= maxRetries {
		return true, p.Fail(reason, now)
	}
	return false, p.transition(back, now)
}

// StartProcessing claims a downloaded package for unpacking.
func (p *DownloadPackage) StartProcessing(now time.Time) error {
	return p.transition(PackageProcessing, now)
}

// Complete closes the package with the batch counters.
func (p *DownloadPackage) Complete(summary BatchSummary, now time.Time) error {
	if err := p.transition(PackageCompleted, now); err != nil {
		return err
	}
	at := now.UTC()
	p.Summary = summary
	p.CompletedAt = &at
	return nil
}

// Fail closes the package without touching its siblings.
func (p *DownloadPackage) Fail(reason string, now time.Time) error {
	if err := p.transition(PackageFailed, now); err != nil {
		return err
	}
	at := now.UTC()
	p.ErrorMessage = reason
	p.CompletedAt = &at
	return nil
}
