// Package revalidation re-asks the authority for the status of stored
// documents: the scheduled tiered sweep, the on-demand operator check and
// the pending-cancellation scan.
package revalidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/event"
	"github.com/cfdisync/backend/internal/infrastructure/sat"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

// Consulter answers single-document status queries.
type Consulter interface {
	CheckDocumentStatus(ctx context.Context, issuerRFC, recipientRFC string, total decimal.Decimal, documentUUID string) (*sat.StatusResult, error)
}

// CancellationSource lists documents whose cancellation awaits the
// recipient's answer.
type CancellationSource interface {
	PendingCancellations(ctx context.Context, rfc string) ([]string, error)
}

// CancellationProvider returns a source signing for tenantID.
type CancellationProvider interface {
	ForTenant(ctx context.Context, tenantID uuid.UUID) (CancellationSource, error)
}

// PoolProvider adapts a sat.ClientPool to CancellationProvider.
type PoolProvider struct {
	Pool *sat.ClientPool
}

// ForTenant implements CancellationProvider
func (p PoolProvider) ForTenant(ctx context.Context, tenantID uuid.UUID) (CancellationSource, error) {
	return p.Pool.ForTenant(ctx, tenantID)
}

// Config bounds a sweep.
type Config struct {
	// BatchSize caps the documents checked per tenant per run.
	BatchSize int
	// Concurrency is the number of tenants swept at once.
	Concurrency int
	// LockTTL bounds how long a crashed worker blocks a document.
	LockTTL time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{BatchSize: 100, Concurrency: 4, LockTTL: 2 * time.Minute}
}

// Service checks document status against the authority.
type Service struct {
	tenants       fiscal.TenantDirectory
	documents     fiscal.DocumentRepository
	consult       Consulter
	cancellations CancellationProvider
	locker        shared.KeyedLocker
	publisher     shared.EventPublisher
	metrics       *telemetry.PipelineMetrics
	config        Config
	logger        *zap.Logger
	now           func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Tenants       fiscal.TenantDirectory
	Documents     fiscal.DocumentRepository
	Consult       Consulter
	Cancellations CancellationProvider
	Locker        shared.KeyedLocker
	Publisher     shared.EventPublisher
	Metrics       *telemetry.PipelineMetrics
}

// NewService creates a revalidation service
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tenants:       deps.Tenants,
		documents:     deps.Documents,
		consult:       deps.Consult,
		cancellations: deps.Cancellations,
		locker:        deps.Locker,
		publisher:     deps.Publisher,
		metrics:       deps.Metrics,
		config:        cfg,
		logger:        logger.Named("revalidation"),
		now:           time.Now,
	}
}

// ErrCheckSkipped means another worker holds the document.
var ErrCheckSkipped = errors.New("revalidation: document is being checked by another worker")

func lockKey(documentID uuid.UUID) string {
	return "fiscal:document:" + documentID.String()
}

// lock takes the document lock; a held lock is ErrCheckSkipped.
func (s *Service) lock(ctx context.Context, d *fiscal.FiscalDocument) (func(), error) {
	release, err := s.locker.TryLock(ctx, lockKey(d.ID), s.config.LockTTL)
	if err != nil {
		if errors.Is(err, shared.ErrLockHeld) {
			return nil, ErrCheckSkipped
		}
		return nil, err
	}
	return func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("failed to release document lock", zap.String("document_id", d.ID.String()), zap.Error(rerr))
		}
	}, nil
}

// check queries the authority for d and records the answer under the
// document lock. It returns the appended check.
func (s *Service) check(ctx context.Context, d *fiscal.FiscalDocument, source fiscal.CheckSource, actor, reason string) (*fiscal.StatusCheck, error) {
	unlock, err := s.lock(ctx, d)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result, err := s.consult.CheckDocumentStatus(ctx, d.Issuer.RFC, d.Recipient.RFC, d.Total, d.UUID)
	s.metrics.AuthorityCall("consult", err)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, d, fiscal.StatusUpdate{
		Status:             result.Status,
		Cancellable:        result.Cancellable,
		CancellationStatus: result.CancellationStatus,
		Source:             source,
		Actor:              actor,
		Reason:             reason,
		Raw:                result.Raw,
	})
}

// record appends a check through the state machine, persists it and
// publishes the resulting events.
func (s *Service) record(ctx context.Context, d *fiscal.FiscalDocument, u fiscal.StatusUpdate) (*fiscal.StatusCheck, error) {
	check, err := d.UpdateStatus(u, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.documents.SaveStatusCheck(ctx, d, check); err != nil {
		return nil, fmt.Errorf("save status check of %s: %w", d.UUID, err)
	}
	s.metrics.StatusCheck(string(u.Source), check.Changed)
	if check.Changed {
		s.logger.Info("document status changed",
			zap.String("document_uuid", d.UUID),
			zap.String("from", string(check.PreviousStatus)),
			zap.String("to", string(check.NewStatus)),
			zap.String("source", string(u.Source)))
	}
	if err := event.PublishAndClear(ctx, s.publisher, d); err != nil {
		// The check is stored; subscribers failing does not undo it.
		s.logger.Error("failed to publish status events", zap.String("document_uuid", d.UUID), zap.Error(err))
	}
	return check, nil
}

// SweepSummary counts one sweep.
type SweepSummary struct {
	Tenants   int `json:"tenants"`
	Validated int `json:"validated"`
	Changes   int `json:"changes"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (s *SweepSummary) add(o SweepSummary) {
	s.Validated += o.Validated
	s.Changes += o.Changes
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Window returns the oldest issue date the sweep covers at now: 30 days on
// ordinary days, 90 on Mondays and 365 on the first of the month.
func Window(now time.Time) time.Time {
	days := 30
	switch {
	case now.Day() == 1:
		days = 365
	case now.Weekday() == time.Monday:
		days = 90
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return today.AddDate(0, 0, -days)
}

// Sweep revalidates the valid documents of every active tenant within the
// tier window of now, newest first, at most BatchSize per tenant. Tenants
// run concurrently; documents of one tenant run in order.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepSummary, error) {
	var total SweepSummary
	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		return total, err
	}
	since := Window(now)

	results := make([]SweepSummary, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, tenant := range tenants {
		g.Go(func() error {
			results[i] = s.sweepTenant(gctx, tenant, since)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}

	total.Tenants = len(tenants)
	for _, r := range results {
		total.add(r)
	}
	s.logger.Info("revalidation sweep finished",
		zap.Time("since", since),
		zap.Int("tenants", total.Tenants),
		zap.Int("validated", total.Validated),
		zap.Int("changes", total.Changes),
		zap.Int("skipped", total.Skipped),
		zap.Int("errors", total.Errors))
	return total, nil
}

func (s *Service) sweepTenant(ctx context.Context, tenant *fiscal.Tenant, since time.Time) SweepSummary {
	var summary SweepSummary
	docs, err := s.documents.FindForRevalidation(ctx, tenant.ID, since, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to select documents", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
		summary.Errors++
		return summary
	}
	for _, d := range docs {
		if ctx.Err() != nil {
			break
		}
		check, err := s.check(ctx, d, fiscal.CheckSourceUUIDCheck, "", "")
		switch {
		case errors.Is(err, ErrCheckSkipped):
			summary.Skipped++
		case err != nil:
			summary.Errors++
			s.logger.Warn("status check failed",
				zap.String("tenant_id", tenant.ID.String()),
				zap.String("document_uuid", d.UUID),
				zap.Error(err))
		default:
			summary.Validated++
			if check.Changed {
				summary.Changes++
			}
		}
	}
	return summary
}
