package reconciliation

import (
	"context"
	"fmt"

	"github.com/cfdisync/backend/internal/application/acquisition"
	"github.com/cfdisync/backend/internal/infrastructure/scheduler"
)

// Register installs the batch job on q.
func (s *Service) Register(q *scheduler.Queue) {
	q.Register(acquisition.KindReconcileBatch, s.HandleJob)
}

// HandleJob reconciles the batch of the request named by job.TargetID.
func (s *Service) HandleJob(ctx context.Context, job *scheduler.Job) error {
	if job.Kind != acquisition.KindReconcileBatch {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownJobKind, job.Kind)
	}
	_, err := s.ReconcileBatch(ctx, job.TenantID, job.TargetID)
	return err
}
