package acquisition

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

const abandonedReason = "worker stopped before finishing the step"

// recoverStale hands back packages whose worker went away mid-step and
// requeues requests the authority never accepted. Only rows untouched for
// StaleAfter are considered, so live workers keep their claims.
func (s *Service) recoverStale(ctx context.Context, summary *PollSummary) error {
	before := s.now().Add(-s.config.StaleAfter)

	pkgs, err := s.packages.FindStale(ctx, before, s.config.PollBatch)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		reclaimed, err := s.reclaimPackage(ctx, pkg)
		if err != nil {
			summary.Errors++
			s.logger.Warn("failed to reclaim package",
				zap.String("package_id", pkg.ID.String()),
				zap.String("status", string(pkg.Status)),
				zap.Error(err))
			continue
		}
		if reclaimed {
			summary.Reclaimed++
		}
	}

	reqs, err := s.requests.FindUnsubmitted(ctx, before, s.config.PollBatch)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if req.Attempts < s.config.MaxAttempts {
			s.enqueue(KindSubmit, req.TenantID, req.ID)
			summary.Resubmitted++
			continue
		}
		failed, err := s.abandonSubmit(ctx, req)
		if err != nil {
			summary.Errors++
			s.logger.Warn("failed to close unsubmitted request",
				zap.String("request_id", req.ID.String()),
				zap.Error(err))
			continue
		}
		if failed {
			summary.Failed++
		}
	}
	return nil
}

// reclaimPackage returns a stale package to the status before its claim and
// queues that step again. It returns false when a worker touched the
// package in the meantime.
func (s *Service) reclaimPackage(ctx context.Context, pkg *fiscal.DownloadPackage) (bool, error) {
	from := pkg.Status
	_, err := pkg.Release(abandonedReason, s.config.MaxAttempts, s.now())
	if err != nil {
		return false, err
	}
	if err := s.packages.Update(ctx, pkg); err != nil {
		if errors.Is(err, shared.ErrConcurrencyConflict) {
			return false, nil
		}
		return false, err
	}
	s.logger.Warn("reclaimed stale package",
		zap.String("package_id", pkg.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(pkg.Status)),
		zap.Int("retry_count", pkg.RetryCount))

	switch pkg.Status {
	case fiscal.PackagePending:
		s.enqueue(KindFetch, pkg.TenantID, pkg.ID)
	case fiscal.PackageDownloaded:
		s.enqueue(KindProcess, pkg.TenantID, pkg.ID)
	case fiscal.PackageFailed:
		req, err := s.requests.FindByID(ctx, pkg.RequestID)
		if err != nil {
			return true, err
		}
		return true, s.completeIfDone(ctx, req)
	}
	return true, nil
}

// abandonSubmit fails a request whose submit attempts are spent.
func (s *Service) abandonSubmit(ctx context.Context, req *fiscal.DownloadRequest) (bool, error) {
	reason := fmt.Sprintf("submission abandoned after %d attempts", req.Attempts)
	if req.ErrorMessage != "" {
		reason += ": " + req.ErrorMessage
	}
	if err := req.MarkFailed(reason, s.now()); err != nil {
		return false, err
	}
	if err := s.requests.Update(ctx, req); err != nil {
		if errors.Is(err, shared.ErrConcurrencyConflict) {
			return false, nil
		}
		return false, err
	}
	s.logger.Error("bulk request failed",
		zap.String("request_id", req.ID.String()),
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("reason", reason))
	return true, nil
}
