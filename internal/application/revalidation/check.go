package revalidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/event"
)

// CheckFailed is the terminal status an on-demand check reports when the
// authority could not be asked.
const CheckFailed = "check_failed"

// CheckResult is what an operator sees after an on-demand check.
type CheckResult struct {
	DocumentID         uuid.UUID              `json:"document_id"`
	UUID               string                 `json:"uuid"`
	Status             string                 `json:"status"`
	Lifecycle          fiscal.LifecycleState  `json:"lifecycle"`
	Changed            bool                   `json:"changed"`
	Cancellable        string                 `json:"cancellable,omitempty"`
	CancellationStatus string                 `json:"cancellation_status,omitempty"`
	CheckedAt          *time.Time             `json:"checked_at,omitempty"`
	Message            string                 `json:"message,omitempty"`
	Previous           fiscal.AuthorityStatus `json:"previous_status,omitempty"`
}

// CheckDocument asks the authority for the status of one document on behalf
// of actor. Only a missing document is an error; authority failures come
// back as a CheckFailed result and leave the ledger untouched.
func (s *Service) CheckDocument(ctx context.Context, tenantID uuid.UUID, documentUUID, actor string) (*CheckResult, error) {
	d, err := s.documents.FindByUUID(ctx, tenantID, documentUUID)
	if err != nil {
		return nil, err
	}
	result := &CheckResult{
		DocumentID: d.ID,
		UUID:       d.UUID,
		Previous:   d.Status().AuthorityStatus(),
	}

	check, err := s.check(ctx, d, fiscal.CheckSourceManual, actor, "on-demand check")
	if err != nil {
		s.logger.Warn("on-demand check failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("document_uuid", d.UUID),
			zap.Error(err))
		result.Status = CheckFailed
		result.Lifecycle = d.Status().Lifecycle()
		result.Message = checkFailureMessage(err)
		return result, nil
	}

	status := d.Status()
	result.Status = string(status.AuthorityStatus())
	result.Lifecycle = status.Lifecycle()
	result.Changed = check.Changed
	result.Cancellable = status.Cancellable()
	result.CancellationStatus = status.CancellationStatus()
	result.CheckedAt = status.LastCheckedAt()
	return result, nil
}

func checkFailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrCheckSkipped):
		return "another check of this document is in progress"
	case errors.Is(err, context.DeadlineExceeded):
		return "the authority did not answer in time"
	}
	return err.Error()
}

// PendingSummary counts one pending-cancellation scan.
type PendingSummary struct {
	Pending int `json:"pending"`
	Marked  int `json:"marked"`
	Unknown int `json:"unknown"`
}

// MarkPendingCancellations asks the authority which documents received by
// the tenant have a cancellation awaiting acceptance and records that on
// each stored match. Sent documents move to cancel_requested; documents
// already marked are left alone.
func (s *Service) MarkPendingCancellations(ctx context.Context, tenantID uuid.UUID) (PendingSummary, error) {
	var summary PendingSummary
	tenant, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return summary, err
	}
	source, err := s.cancellations.ForTenant(ctx, tenantID)
	if err != nil {
		return summary, err
	}
	uuids, err := source.PendingCancellations(ctx, tenant.RFC)
	s.metrics.AuthorityCall("pending_cancellations", err)
	if err != nil {
		return summary, err
	}
	summary.Pending = len(uuids)
	if len(uuids) == 0 {
		return summary, nil
	}

	docs, err := s.documents.FindByUUIDs(ctx, tenantID, uuids)
	if err != nil {
		return summary, err
	}
	summary.Unknown = len(uuids) - len(docs)

	for _, d := range docs {
		status := d.Status()
		if status.AuthorityStatus() != fiscal.AuthorityStatusValid ||
			strings.EqualFold(status.CancellationStatus(), fiscal.CancellationInProgress) {
			continue
		}
		if err := s.markPending(ctx, d); err != nil {
			if errors.Is(err, ErrCheckSkipped) {
				continue
			}
			return summary, err
		}
		summary.Marked++
	}
	s.logger.Info("pending cancellations scanned",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("pending", summary.Pending),
		zap.Int("marked", summary.Marked),
		zap.Int("unknown", summary.Unknown))
	return summary, nil
}

func (s *Service) markPending(ctx context.Context, d *fiscal.FiscalDocument) error {
	unlock, err := s.lock(ctx, d)
	if err != nil {
		return err
	}
	defer unlock()

	status := d.Status()
	_, err = s.record(ctx, d, fiscal.StatusUpdate{
		Status:             status.AuthorityStatus(),
		Cancellable:        status.Cancellable(),
		CancellationStatus: fiscal.CancellationInProgress,
		Source:             fiscal.CheckSourceUUIDCheck,
		Actor:              "sat",
		Reason:             "cancellation pending acceptance",
	})
	return err
}

// RequestCancellation records that actor filed a cancellation for a sent
// document, moving it to cancel_requested. The authority decides later; the
// next check settles the lifecycle.
func (s *Service) RequestCancellation(ctx context.Context, tenantID uuid.UUID, documentUUID, actor, reason string) (*CheckResult, error) {
	d, err := s.documents.FindByUUID(ctx, tenantID, documentUUID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, d)
	if errors.Is(err, ErrCheckSkipped) {
		return nil, shared.NewDomainError("CONCURRENCY_CONFLICT", "document is being checked, try again")
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	check, err := d.RequestCancellation(actor, reason, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.documents.SaveStatusCheck(ctx, d, check); err != nil {
		return nil, fmt.Errorf("save status check of %s: %w", d.UUID, err)
	}
	s.metrics.StatusCheck(string(check.Source), check.Changed)
	if err := event.PublishAndClear(ctx, s.publisher, d); err != nil {
		s.logger.Error("failed to publish status events", zap.String("document_uuid", d.UUID), zap.Error(err))
	}

	status := d.Status()
	return &CheckResult{
		DocumentID:         d.ID,
		UUID:               d.UUID,
		Status:             string(status.AuthorityStatus()),
		Lifecycle:          status.Lifecycle(),
		Changed:            check.Changed,
		Cancellable:        status.Cancellable(),
		CancellationStatus: status.CancellationStatus(),
		CheckedAt:          status.LastCheckedAt(),
		Previous:           check.PreviousStatus,
	}, nil
}
