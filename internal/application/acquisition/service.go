// Package acquisition drives the bulk-download pipeline: submit a request,
// poll it, fetch its packages and ingest the documents they carry. Every
// step reads its precondition from the database, so a step can be replayed
// by the task queue after a crash or a transient failure.
package acquisition

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/sat"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

// Job kinds handled by the task queue.
const (
	KindSubmit  = "acquisition.submit"
	KindFetch   = "acquisition.fetch"
	KindProcess = "acquisition.process"
	// KindReconcileBatch targets a download request whose documents are
	// mirrored into the accounting system.
	KindReconcileBatch = "reconciliation.batch"
)

const (
	defaultPollBatch    = 50
	defaultMaxAttempts  = 3
	defaultStaleAfter   = 30 * time.Minute
	archiveContentType  = "application/zip"
	documentContentType = "application/xml"
)

// Authority is the part of the SAT client the pipeline uses.
type Authority interface {
	SubmitBulkRequest(ctx context.Context, r fiscal.DateRange, direction fiscal.Direction, rfc string) (*sat.SubmitResult, error)
	PollRequestStatus(ctx context.Context, externalID, rfc string) (*sat.PollResult, error)
	FetchPackage(ctx context.Context, packageID, rfc string) ([]byte, error)
}

// AuthorityProvider returns a client signing for tenantID.
type AuthorityProvider interface {
	ForTenant(ctx context.Context, tenantID uuid.UUID) (Authority, error)
}

// PoolProvider adapts a sat.ClientPool to AuthorityProvider.
type PoolProvider struct {
	Pool *sat.ClientPool
}

// ForTenant implements AuthorityProvider
func (p PoolProvider) ForTenant(ctx context.Context, tenantID uuid.UUID) (Authority, error) {
	return p.Pool.ForTenant(ctx, tenantID)
}

// TaskQueue defers a step. targetID is the request or package the step
// works on.
type TaskQueue interface {
	Enqueue(kind string, tenantID, targetID uuid.UUID) error
}

// Config tunes the pipeline.
type Config struct {
	// MaxAttempts bounds the retries of one package and the submit
	// attempts of one request.
	MaxAttempts int
	// PollBatch caps the requests polled per PollPending run.
	PollBatch int
	// StaleAfter is how long a claimed package or an unsubmitted request
	// may sit untouched before PollPending takes it back. Keep it above
	// the job timeout.
	StaleAfter time.Duration
}

// Service orchestrates acquisition for every tenant.
type Service struct {
	tenants   fiscal.TenantDirectory
	settings  fiscal.SyncSettingsRepository
	requests  fiscal.DownloadRequestRepository
	packages  fiscal.DownloadPackageRepository
	documents fiscal.DocumentRepository
	blobs     fiscal.BlobStore
	authority AuthorityProvider
	queue     TaskQueue
	metrics   *telemetry.PipelineMetrics
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Tenants   fiscal.TenantDirectory
	Settings  fiscal.SyncSettingsRepository
	Requests  fiscal.DownloadRequestRepository
	Packages  fiscal.DownloadPackageRepository
	Documents fiscal.DocumentRepository
	Blobs     fiscal.BlobStore
	Authority AuthorityProvider
	Queue     TaskQueue
	Metrics   *telemetry.PipelineMetrics
}

// NewService creates the orchestrator
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaultPollBatch
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tenants:   deps.Tenants,
		settings:  deps.Settings,
		requests:  deps.Requests,
		packages:  deps.Packages,
		documents: deps.Documents,
		blobs:     deps.Blobs,
		authority: deps.Authority,
		queue:     deps.Queue,
		metrics:   deps.Metrics,
		config:    cfg,
		logger:    logger.Named("acquisition"),
		now:       time.Now,
	}
}

// Request returns a request together with its packages.
func (s *Service) Request(ctx context.Context, id uuid.UUID) (*fiscal.DownloadRequest, []*fiscal.DownloadPackage, error) {
	req, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	pkgs, err := s.packages.ListByRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return req, pkgs, nil
}

func (s *Service) enqueue(kind string, tenantID, targetID uuid.UUID) {
	if err := s.queue.Enqueue(kind, tenantID, targetID); err != nil {
		// The periodic poll picks up anything that could not be queued.
		s.logger.Warn("failed to enqueue step",
			zap.String("kind", kind),
			zap.String("target_id", targetID.String()),
			zap.Error(err))
	}
}
