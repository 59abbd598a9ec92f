package acquisition

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/sat"
)

// PollSummary counts the outcome of one PollPending run.
type PollSummary struct {
	Polled      int `json:"polled"`
	Ready       int `json:"ready"`
	Failed      int `json:"failed"`
	Errors      int `json:"errors"`
	Reclaimed   int `json:"reclaimed"`
	Resubmitted int `json:"resubmitted"`
}

// PollPending first takes back work abandoned by a cancelled or crashed
// worker, then verifies every submitted request that is still requested or
// ready, oldest first. A failing request does not stop the others.
func (s *Service) PollPending(ctx context.Context) (PollSummary, error) {
	var summary PollSummary
	if err := s.recoverStale(ctx, &summary); err != nil {
		return summary, err
	}
	reqs, err := s.requests.FindPollable(ctx, s.config.PollBatch)
	if err != nil {
		return summary, err
	}
	for _, req := range reqs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Polled++
		if err := s.poll(ctx, req); err != nil {
			summary.Errors++
			s.logger.Warn("poll failed",
				zap.String("request_id", req.ID.String()),
				zap.String("external_id", req.ExternalID),
				zap.Error(err))
			continue
		}
		switch req.Status {
		case fiscal.RequestStatusReady, fiscal.RequestStatusDownloaded:
			summary.Ready++
		case fiscal.RequestStatusFailed:
			summary.Failed++
		}
	}
	if summary.Polled > 0 || summary.Reclaimed > 0 || summary.Resubmitted > 0 {
		s.logger.Info("poll run finished",
			zap.Int("polled", summary.Polled),
			zap.Int("ready", summary.Ready),
			zap.Int("failed", summary.Failed),
			zap.Int("errors", summary.Errors),
			zap.Int("reclaimed", summary.Reclaimed),
			zap.Int("resubmitted", summary.Resubmitted))
	}
	return summary, nil
}

// PollRequest verifies one request now and returns its updated state.
func (s *Service) PollRequest(ctx context.Context, requestID uuid.UUID) (*fiscal.DownloadRequest, error) {
	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ExternalID == "" {
		return nil, shared.NewDomainError("INVALID_STATE", "request was not accepted by the authority yet")
	}
	if !req.Status.IsPollable() {
		return req, nil
	}
	if err := s.poll(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) poll(ctx context.Context, req *fiscal.DownloadRequest) error {
	authority, err := s.authority.ForTenant(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, fiscal.ErrCredential) {
			return s.failRequest(ctx, req, err)
		}
		return err
	}
	result, err := authority.PollRequestStatus(ctx, req.ExternalID, req.RFC)
	s.metrics.AuthorityCall("poll", err)
	if err != nil {
		return err
	}

	changed, err := req.ApplyPoll(result.State, result.PackageIDs, result.DocumentCount, result.Code, result.Message, result.Raw, s.now())
	if err != nil {
		return err
	}
	if err := s.requests.Update(ctx, req); err != nil {
		return err
	}
	if changed {
		s.logger.Info("request status changed",
			zap.String("request_id", req.ID.String()),
			zap.String("status", string(req.Status)),
			zap.String("authority_state", string(req.AuthorityState)),
			zap.Int("packages", len(req.PackageIDs)))
	}
	if req.Status != fiscal.RequestStatusReady {
		return nil
	}
	if len(req.PackageIDs) == 0 && (result.Code == sat.CodeNoData || result.DocumentCount == 0) {
		_, err := s.completeRequest(ctx, req)
		return err
	}
	if err := s.materializePackages(ctx, req); err != nil {
		return err
	}
	return s.completeIfDone(ctx, req)
}

// materializePackages creates one package per announced id and queues the
// step each unfinished package is waiting for.
func (s *Service) materializePackages(ctx context.Context, req *fiscal.DownloadRequest) error {
	existing, err := s.packages.ListByRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	known := make(map[string]*fiscal.DownloadPackage, len(existing))
	for _, p := range existing {
		known[p.ExternalID] = p
	}

	now := s.now()
	for _, externalID := range req.PackageIDs {
		pkg, ok := known[externalID]
		if !ok {
			pkg, err = fiscal.NewDownloadPackage(req, externalID, now)
			if err != nil {
				return err
			}
			if err := s.packages.Create(ctx, pkg); err != nil {
				if errors.Is(err, shared.ErrAlreadyExists) {
					continue
				}
				return err
			}
			known[externalID] = pkg
		}
		switch pkg.Status {
		case fiscal.PackagePending:
			s.enqueue(KindFetch, req.TenantID, pkg.ID)
		case fiscal.PackageDownloaded:
			s.enqueue(KindProcess, req.TenantID, pkg.ID)
		}
	}
	return nil
}
