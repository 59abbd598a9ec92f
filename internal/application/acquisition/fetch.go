package acquisition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// FetchPackage downloads one pending package and stores its archive. A
// transient failure puts the package back to pending and returns the error
// so the queue retries; once the retry budget is spent the package fails and
// its siblings carry on.
func (s *Service) FetchPackage(ctx context.Context, packageID uuid.UUID) error {
	pkg, err := s.packages.FindByID(ctx, packageID)
	if err != nil {
		return err
	}
	if pkg.Status != fiscal.PackagePending {
		s.logger.Debug("package not pending, skipping fetch",
			zap.String("package_id", pkg.ID.String()),
			zap.String("status", string(pkg.Status)))
		return nil
	}
	req, err := s.requests.FindByID(ctx, pkg.RequestID)
	if err != nil {
		return err
	}

	if err := pkg.StartDownload(s.now()); err != nil {
		return err
	}
	if err := s.packages.Update(ctx, pkg); err != nil {
		if errors.Is(err, shared.ErrConcurrencyConflict) {
			// Another worker claimed it.
			return nil
		}
		return err
	}

	archive, err := s.download(ctx, req, pkg)
	if err != nil {
		return s.stepFailed(ctx, req, pkg, "fetch", err)
	}

	sum := sha256.Sum256(archive)
	path := fiscal.PackageArchivePath(pkg.TenantID, pkg.ID)
	if err := s.blobs.Put(ctx, path, archive, archiveContentType); err != nil {
		return s.stepFailed(ctx, req, pkg, "fetch", fmt.Errorf("%w: store archive: %v", fiscal.ErrTransport, err))
	}
	if err := pkg.CompleteDownload(path, hex.EncodeToString(sum[:]), int64(len(archive)), s.now()); err != nil {
		return err
	}
	if err := s.packages.Update(ctx, pkg); err != nil {
		return err
	}
	s.logger.Info("package downloaded",
		zap.String("package_id", pkg.ID.String()),
		zap.String("external_id", pkg.ExternalID),
		zap.Int64("size", pkg.ArchiveSize))
	s.enqueue(KindProcess, pkg.TenantID, pkg.ID)
	return nil
}

func (s *Service) download(ctx context.Context, req *fiscal.DownloadRequest, pkg *fiscal.DownloadPackage) ([]byte, error) {
	authority, err := s.authority.ForTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	archive, err := authority.FetchPackage(ctx, pkg.ExternalID, req.RFC)
	s.metrics.AuthorityCall("fetch", err)
	return archive, err
}

// stepFailed records a failed fetch or process step on a claimed package.
// A retryable cause hands the package back and is returned so the queue
// retries; a terminal cause, or a spent retry budget, fails the package and
// lets its siblings carry on. The writes outlive a cancelled job context.
func (s *Service) stepFailed(ctx context.Context, req *fiscal.DownloadRequest, pkg *fiscal.DownloadPackage, step string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	failed := true
	if fiscal.IsRetryable(cause) {
		var err error
		if failed, err = pkg.Release(cause.Error(), s.config.MaxAttempts, now); err != nil {
			return errors.Join(cause, err)
		}
	} else if err := pkg.Fail(cause.Error(), now); err != nil {
		return errors.Join(cause, err)
	}
	if err := s.packages.Update(ctx, pkg); err != nil {
		return errors.Join(cause, err)
	}

	if !failed {
		s.logger.Warn("package step failed, will retry",
			zap.String("step", step),
			zap.String("package_id", pkg.ID.String()),
			zap.Int("retry_count", pkg.RetryCount),
			zap.Error(cause))
		return cause
	}
	s.logger.Error("package step failed",
		zap.String("step", step),
		zap.String("package_id", pkg.ID.String()),
		zap.String("external_id", pkg.ExternalID),
		zap.Int("retry_count", pkg.RetryCount),
		zap.Error(cause))
	return s.completeIfDone(ctx, req)
}
