package acquisition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/cfdi"
)

// IngestSource says where an ingested payload came from.
type IngestSource struct {
	Provenance fiscal.Provenance
	PackageID  *uuid.UUID
	BlobPath   string
}

// ProcessPackage unpacks a downloaded package and ingests every XML entry.
// A malformed or rejected document is counted and skipped. Any other
// failure hands the package back to downloaded so the whole archive is
// processed again; duplicates make the replay safe.
func (s *Service) ProcessPackage(ctx context.Context, packageID uuid.UUID) (fiscal.BatchSummary, error) {
	var summary fiscal.BatchSummary
	pkg, err := s.packages.FindByID(ctx, packageID)
	if err != nil {
		return summary, err
	}
	if pkg.Status != fiscal.PackageDownloaded {
		s.logger.Debug("package not downloaded, skipping processing",
			zap.String("package_id", pkg.ID.String()),
			zap.String("status", string(pkg.Status)))
		return pkg.Summary, nil
	}
	req, err := s.requests.FindByID(ctx, pkg.RequestID)
	if err != nil {
		return summary, err
	}
	tenant, err := s.tenants.Get(ctx, pkg.TenantID)
	if err != nil {
		return summary, err
	}

	archive, err := s.blobs.Get(ctx, pkg.ArchivePath)
	if err != nil {
		// Retried by the queue; the exhausted handler fails the package.
		return summary, fmt.Errorf("%w: read archive: %v", fiscal.ErrTransport, err)
	}
	if err := pkg.StartProcessing(s.now()); err != nil {
		return summary, err
	}
	if err := s.packages.Update(ctx, pkg); err != nil {
		if errors.Is(err, shared.ErrConcurrencyConflict) {
			return summary, nil
		}
		return summary, err
	}

	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		cause := fiscal.NewParseError(fmt.Sprintf("corrupt archive: %v", err))
		if ferr := s.failPackage(ctx, req, pkg, cause); ferr != nil {
			return summary, errors.Join(cause, ferr)
		}
		return summary, cause
	}

	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || !strings.EqualFold(path.Ext(entry.Name), ".xml") {
			continue
		}
		summary.Total++
		created, err := s.ingestEntry(ctx, tenant, pkg, entry)
		if err != nil {
			if !isSkippable(err) {
				// Nothing is counted yet; the retry replays the whole archive.
				return summary, s.stepFailed(ctx, req, pkg, "process", fmt.Errorf("ingest %s: %w", entry.Name, err))
			}
			summary.Errors++
			s.logger.Warn("document skipped",
				zap.String("package_id", pkg.ID.String()),
				zap.String("entry", entry.Name),
				zap.Error(err))
			continue
		}
		summary.Processed++
		if created {
			summary.Created++
		}
	}
	summary.Duplicates = summary.Processed - summary.Created

	if err := pkg.Complete(summary, s.now()); err != nil {
		return summary, err
	}
	if err := s.packages.Update(ctx, pkg); err != nil {
		return summary, err
	}
	s.metrics.DocumentsIngested(summary.Created, summary.Duplicates, summary.Errors)
	s.logger.Info("package processed",
		zap.String("package_id", pkg.ID.String()),
		zap.Int("total", summary.Total),
		zap.Int("created", summary.Created),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("errors", summary.Errors))
	return summary, s.completeIfDone(ctx, req)
}

func (s *Service) ingestEntry(ctx context.Context, tenant *fiscal.Tenant, pkg *fiscal.DownloadPackage, entry *zip.File) (bool, error) {
	rc, err := entry.Open()
	if err != nil {
		return false, fiscal.NewParseError(fmt.Sprintf("open %s: %v", entry.Name, err))
	}
	raw, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return false, fiscal.NewParseError(fmt.Sprintf("read %s: %v", entry.Name, err))
	}

	blobPath := fiscal.DocumentBlobPath(tenant.ID, pkg.ID, entry.Name)
	if err := s.blobs.Put(ctx, blobPath, raw, documentContentType); err != nil {
		return false, fmt.Errorf("%w: store document: %v", fiscal.ErrTransport, err)
	}
	packageID := pkg.ID
	_, created, err := s.IngestDocument(ctx, tenant, raw, IngestSource{
		Provenance: fiscal.ProvenanceAuthority,
		PackageID:  &packageID,
		BlobPath:   blobPath,
	})
	return created, err
}

// isSkippable reports whether a per-document error is the document's own
// fault, so the rest of the batch can go on without it.
func isSkippable(err error) bool {
	return errors.Is(err, fiscal.ErrParse) || errors.Is(err, fiscal.ErrBusinessRule)
}

// IngestDocument parses raw and stores it for tenant unless a document with
// the same UUID already exists. The returned bool is true when a new
// document was created.
func (s *Service) IngestDocument(ctx context.Context, tenant *fiscal.Tenant, raw []byte, src IngestSource) (*fiscal.FiscalDocument, bool, error) {
	parsed, err := cfdi.Parse(raw)
	if err != nil {
		return nil, false, err
	}
	if existing, err := s.documents.FindByUUID(ctx, tenant.ID, parsed.UUID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, false, err
	}

	lifecycle := fiscal.LifecycleReceived
	if strings.EqualFold(parsed.Issuer.RFC, tenant.RFC) {
		lifecycle = fiscal.LifecycleSent
	}
	doc, err := cfdi.ToRecord(parsed, tenant.ID, raw, lifecycle, src.Provenance, s.now())
	if err != nil {
		return nil, false, err
	}
	doc.PackageID = src.PackageID
	doc.BlobPath = src.BlobPath

	if err := s.documents.Create(ctx, doc); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			// Lost a race with another package carrying the same document.
			existing, ferr := s.documents.FindByUUID(ctx, tenant.ID, parsed.UUID)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return doc, true, nil
}

// failPackage closes pkg with cause and then checks whether its request is done.
func (s *Service) failPackage(ctx context.Context, req *fiscal.DownloadRequest, pkg *fiscal.DownloadPackage, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := pkg.Fail(cause.Error(), s.now()); err != nil {
		return err
	}
	if err := s.packages.Update(ctx, pkg); err != nil {
		return err
	}
	s.logger.Error("package failed",
		zap.String("package_id", pkg.ID.String()),
		zap.String("external_id", pkg.ExternalID),
		zap.Error(cause))
	return s.completeIfDone(ctx, req)
}

// completeIfDone closes a ready request once none of its packages is
// outstanding, and queues reconciliation when the tenant enabled it. Only
// the caller that actually closes the request queues reconciliation.
func (s *Service) completeIfDone(ctx context.Context, req *fiscal.DownloadRequest) error {
	fresh, err := s.requests.FindByID(ctx, req.ID)
	if err != nil {
		return err
	}
	*req = *fresh
	if req.Status != fiscal.RequestStatusReady {
		return nil
	}
	pkgs, err := s.packages.ListByRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 || len(pkgs) < len(req.PackageIDs) {
		return nil
	}
	completed := 0
	for _, p := range pkgs {
		if !p.Status.IsFinal() {
			return nil
		}
		if p.Status == fiscal.PackageCompleted {
			completed++
		}
	}
	moved, err := s.completeRequest(ctx, req)
	if err != nil || !moved {
		return err
	}
	if completed == 0 {
		return nil
	}
	settings, err := s.settings.Get(ctx, req.TenantID)
	if err != nil {
		s.logger.Warn("failed to read sync settings", zap.String("tenant_id", req.TenantID.String()), zap.Error(err))
		return nil
	}
	if settings.ReconcileEnabled {
		s.enqueue(KindReconcileBatch, req.TenantID, req.ID)
	}
	return nil
}

// completeRequest moves req to downloaded. It returns false when another
// worker closed the request first.
func (s *Service) completeRequest(ctx context.Context, req *fiscal.DownloadRequest) (bool, error) {
	if err := req.MarkDownloaded(s.now()); err != nil {
		return false, err
	}
	if err := s.requests.Update(ctx, req); err != nil {
		if errors.Is(err, shared.ErrConcurrencyConflict) {
			return false, nil
		}
		return false, err
	}
	s.logger.Info("request downloaded",
		zap.String("request_id", req.ID.String()),
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int("packages", len(req.PackageIDs)))
	return true, nil
}
