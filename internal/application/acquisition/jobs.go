package acquisition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/scheduler"
)

// Register installs the pipeline steps on q.
func (s *Service) Register(q *scheduler.Queue) {
	q.Register(KindSubmit, s.HandleJob)
	q.Register(KindFetch, s.HandleJob)
	q.Register(KindProcess, s.HandleJob)
}

// HandleJob runs the step named by job.Kind.
func (s *Service) HandleJob(ctx context.Context, job *scheduler.Job) error {
	switch job.Kind {
	case KindSubmit:
		return s.RetrySubmit(ctx, job.TargetID)
	case KindFetch:
		return s.FetchPackage(ctx, job.TargetID)
	case KindProcess:
		_, err := s.ProcessPackage(ctx, job.TargetID)
		return err
	}
	return fmt.Errorf("%w: %s", scheduler.ErrUnknownJobKind, job.Kind)
}

// OnJobExhausted records the final failure of a step that will not be
// retried again. Requests and packages are closed so the pipeline never
// waits on them.
func (s *Service) OnJobExhausted(ctx context.Context, job *scheduler.Job, cause error) {
	var err error
	switch job.Kind {
	case KindSubmit:
		err = s.submitExhausted(ctx, job, cause)
	case KindFetch, KindProcess:
		err = s.packageExhausted(ctx, job, cause)
	default:
		return
	}
	if err != nil {
		s.logger.Error("failed to record exhausted step",
			zap.String("kind", job.Kind),
			zap.String("target_id", job.TargetID.String()),
			zap.Error(err))
	}
}

func (s *Service) submitExhausted(ctx context.Context, job *scheduler.Job, cause error) error {
	req, err := s.requests.FindByID(ctx, job.TargetID)
	if err != nil {
		return err
	}
	if req.ExternalID != "" || req.Status != fiscal.RequestStatusRequested {
		return nil
	}
	if err := req.MarkFailed(fmt.Sprintf("submission abandoned after %d attempts: %v", job.Attempt, cause), s.now()); err != nil {
		return err
	}
	return s.requests.Update(ctx, req)
}

func (s *Service) packageExhausted(ctx context.Context, job *scheduler.Job, cause error) error {
	pkg, err := s.packages.FindByID(ctx, job.TargetID)
	if err != nil {
		return err
	}
	if pkg.Status.IsFinal() {
		return nil
	}
	req, err := s.requests.FindByID(ctx, pkg.RequestID)
	if err != nil {
		return err
	}
	return s.failPackage(ctx, req, pkg, cause)
}
