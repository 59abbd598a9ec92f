package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/reconciliation"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// satStates maps authority statuses to the accounting system's SAT state.
var satStates = map[fiscal.AuthorityStatus]string{
	fiscal.AuthorityStatusValid:     "valid",
	fiscal.AuthorityStatusCancelled: "cancelled",
	fiscal.AuthorityStatusNotFound:  "not_found",
}

// StatusPushHandler writes authority status changes onto the mirrored entry.
// Documents that were never mirrored are skipped.
type StatusPushHandler struct {
	svc *Service
}

// NewStatusPushHandler creates the handler on top of svc.
func NewStatusPushHandler(svc *Service) *StatusPushHandler {
	return &StatusPushHandler{svc: svc}
}

// EventTypes returns the event types this handler is interested in
func (h *StatusPushHandler) EventTypes() []string {
	return []string{fiscal.EventTypeDocumentStatusChanged}
}

// Handle pushes one status change. Failures are recorded and returned so
// the bus reports them; the connection stays active.
func (h *StatusPushHandler) Handle(ctx context.Context, ev shared.DomainEvent) error {
	changed, ok := ev.(*fiscal.DocumentStatusChangedEvent)
	if !ok {
		return fmt.Errorf("unexpected event type: expected %s, got %s",
			fiscal.EventTypeDocumentStatusChanged, ev.EventType())
	}
	return h.svc.PushStatus(ctx, changed)
}

var _ shared.EventHandler = (*StatusPushHandler)(nil)

// PushStatus updates the SAT state of the entry mirroring the event's
// document. A cancelled draft entry is cancelled as well.
func (s *Service) PushStatus(ctx context.Context, ev *fiscal.DocumentStatusChangedEvent) error {
	sess, err := s.open(ctx, ev.TenantID())
	if errors.Is(err, ErrNoConnection) {
		return nil
	}
	if err != nil {
		return err
	}
	defer s.saveConnection(ctx, sess.conn)

	satState, ok := satStates[ev.After.AuthorityStatus]
	if !ok {
		satState = "not_defined"
	}
	logger := s.logger.With(zap.String("document_uuid", ev.DocumentUUID), zap.String("sat_state", satState))

	invoice, err := sess.acct.FindInvoiceByUUID(ctx, ev.DocumentUUID, sess.conn.CompanyID)
	if err != nil {
		return s.pushFailed(ctx, sess, ev, step("lookup", err))
	}
	if invoice == nil {
		logger.Debug("document not mirrored; status push skipped")
		return nil
	}

	updated, err := sess.acct.UpdateSATState(ctx, invoice.ID, satState)
	if err != nil {
		return s.pushFailed(ctx, sess, ev, step("sat state", err))
	}
	if !updated {
		logger.Warn("entry has no EDI document; SAT state not written", zap.Int64("external_id", invoice.ID))
	}
	if satState == "cancelled" && invoice.Draft() {
		if err := sess.acct.CancelDraft(ctx, invoice.ID); err != nil {
			// The SAT state is already written; an uncancellable draft is
			// left for the accountant.
			logger.Warn("failed to cancel draft entry", zap.Int64("external_id", invoice.ID), zap.Error(err))
		}
	}

	now := s.now()
	id := invoice.ID
	rec := reconciliation.NewRecord(sess.conn, ev.AggregateID(), ev.DocumentUUID, reconciliation.DirectionToExternal, reconciliation.OutcomeSuccess, reconciliation.ActionStatusUpdated, now)
	rec.ExternalID = &id
	rec.Step = "status:" + satState
	rec.RequestPayload = fmt.Sprintf(`{"authority_status":%q,"sat_state":%q,"updated":%t}`, ev.After.AuthorityStatus, satState, updated)
	if err := s.records.Append(ctx, rec); err != nil {
		return err
	}
	sess.conn.RecordSuccess(now)
	s.metrics.Reconciliation("status_updated")
	logger.Info("status pushed", zap.Int64("external_id", invoice.ID))
	return nil
}

func (s *Service) pushFailed(ctx context.Context, sess *session, ev *fiscal.DocumentStatusChangedEvent, cause error) error {
	now := s.now()
	rec := reconciliation.NewRecord(sess.conn, ev.AggregateID(), ev.DocumentUUID, reconciliation.DirectionToExternal, reconciliation.OutcomeError, reconciliation.ActionStatusUpdated, now)
	var se *stepError
	if errors.As(cause, &se) {
		rec.Step = se.step
	}
	rec.Error = cause.Error()
	sess.conn.RecordError(cause.Error(), now)
	if err := s.records.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append reconciliation record", zap.String("document_uuid", ev.DocumentUUID), zap.Error(err))
	}
	s.metrics.Reconciliation(StatusError)
	return fmt.Errorf("%w: %v", reconciliation.ErrReconciliation, cause)
}
