package acquisition

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// SubmitCommand asks for the documents of one tenant within a range.
type SubmitCommand struct {
	TenantID    uuid.UUID
	Range       fiscal.DateRange
	Direction   fiscal.Direction
	RequestedBy string
	Auto        bool
}

// Submit creates a DownloadRequest and sends it to the authority. A tenant
// without a usable FIEL is refused before anything is stored. A transient
// authority failure leaves the request unsubmitted and queues a retry; the
// returned request then carries the error message. The attempt count is
// stored on the request, so PollPending resumes the retries after a restart.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*fiscal.DownloadRequest, error) {
	tenant, err := s.tenants.Get(ctx, cmd.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, shared.NewDomainError("INVALID_STATE", fmt.Sprintf("tenant %s is not active", tenant.RFC))
	}
	authority, err := s.authority.ForTenant(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	req, err := fiscal.NewDownloadRequest(tenant.ID, tenant.RFC, cmd.Range, cmd.Direction, cmd.RequestedBy, cmd.Auto, now)
	if err != nil {
		return nil, err
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	if err := s.tenants.TouchLastSync(ctx, tenant.ID, now); err != nil {
		s.logger.Warn("failed to stamp last sync", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
	}

	err = s.attemptSubmit(ctx, authority, req)
	switch {
	case err == nil:
		return req, nil
	case fiscal.IsRetryable(err):
		s.enqueue(KindSubmit, req.TenantID, req.ID)
		return req, nil
	default:
		return req, err
	}
}

// RetrySubmit is the queued form of Submit for a stored request.
func (s *Service) RetrySubmit(ctx context.Context, requestID uuid.UUID) error {
	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.ExternalID != "" || req.Status != fiscal.RequestStatusRequested {
		return nil
	}
	authority, err := s.authority.ForTenant(ctx, req.TenantID)
	if err != nil {
		return s.failRequest(ctx, req, err)
	}
	return s.attemptSubmit(ctx, authority, req)
}

// attemptSubmit makes one call. A terminal failure fails the request; a
// retryable one only records the message and is returned to the caller.
func (s *Service) attemptSubmit(ctx context.Context, authority Authority, req *fiscal.DownloadRequest) error {
	req.RecordAttempt(s.now())
	result, err := authority.SubmitBulkRequest(ctx, req.Range, req.Direction, req.RFC)
	s.metrics.AuthorityCall("submit", err)
	if err != nil {
		if !fiscal.IsRetryable(err) {
			return s.failRequest(ctx, req, err)
		}
		req.ErrorMessage = err.Error()
		if uerr := s.requests.Update(context.WithoutCancel(ctx), req); uerr != nil {
			return uerr
		}
		s.logger.Warn("bulk request submission failed, will retry",
			zap.String("request_id", req.ID.String()),
			zap.Int("attempt", req.Attempts),
			zap.Error(err))
		return err
	}

	if err := req.MarkSubmitted(result.ExternalID, result.Code, result.Message, result.Raw, s.now()); err != nil {
		return s.failRequest(ctx, req, err)
	}
	req.ErrorMessage = ""
	if err := s.requests.Update(ctx, req); err != nil {
		return err
	}
	s.logger.Info("bulk request accepted",
		zap.String("request_id", req.ID.String()),
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("external_id", req.ExternalID),
		zap.String("direction", string(req.Direction)),
		zap.String("range", req.Range.String()))
	return nil
}

// failRequest closes req with cause and returns cause.
func (s *Service) failRequest(ctx context.Context, req *fiscal.DownloadRequest, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := req.MarkFailed(cause.Error(), s.now()); err != nil {
		return errors.Join(cause, err)
	}
	if err := s.requests.Update(ctx, req); err != nil {
		return errors.Join(cause, err)
	}
	s.logger.Error("bulk request failed",
		zap.String("request_id", req.ID.String()),
		zap.String("tenant_id", req.TenantID.String()),
		zap.Error(cause))
	return cause
}
