// Package scheduler runs background work: a bounded worker pool for the
// acquisition steps and a ticker that fires the periodic sweeps.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/infrastructure/logger"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

// JobStatus represents the status of a queued job
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// Job is one unit of work. TargetID names the entity the handler loads
// (a download request or package); handlers re-read it so a job carries no
// state beyond identifiers.
type Job struct {
	ID          uuid.UUID
	Kind        string
	TenantID    uuid.UUID
	TargetID    uuid.UUID
	Attempt     int
	MaxAttempts int
	Status      JobStatus
	Error       string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewJob creates a pending job
func NewJob(kind string, tenantID, targetID uuid.UUID, maxAttempts int) *Job {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Job{
		ID:          uuid.New(),
		Kind:        kind,
		TenantID:    tenantID,
		TargetID:    targetID,
		MaxAttempts: maxAttempts,
		Status:      JobStatusPending,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// ShouldRetry reports whether a failed job has attempts left
func (j *Job) ShouldRetry() bool {
	return j.Status == JobStatusFailed && j.Attempt < j.MaxAttempts
}

// Handler executes one kind of job.
type Handler func(ctx context.Context, job *Job) error

// ExhaustedHandler is told about a job whose last attempt failed.
type ExhaustedHandler func(ctx context.Context, job *Job, err error)

// QueueConfig sizes the pool
type QueueConfig struct {
	Workers     int
	QueueSize   int
	JobTimeout  time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultQueueConfig returns default queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:     3,
		QueueSize:   100,
		JobTimeout:  10 * time.Minute,
		MaxAttempts: 3,
		RetryDelay:  30 * time.Second,
	}
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithRetryable decides which errors are worth another attempt. By default
// every error is.
func WithRetryable(fn func(error) bool) QueueOption {
	return func(q *Queue) { q.retryable = fn }
}

// WithExhaustedHandler sets the callback for jobs that ran out of attempts
func WithExhaustedHandler(fn ExhaustedHandler) QueueOption {
	return func(q *Queue) { q.onExhausted = fn }
}

// WithMetrics records job outcomes
func WithMetrics(m *telemetry.JobMetrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a bounded worker pool fed by a buffered channel. Failed jobs are
// re-enqueued after RetryDelay × attempt.
type Queue struct {
	config      QueueConfig
	logger      *zap.Logger
	retryable   func(error) bool
	onExhausted ExhaustedHandler
	metrics     *telemetry.JobMetrics

	handlers map[string]Handler
	jobs     chan *Job

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timers  map[uuid.UUID]*time.Timer
}

// NewQueue creates a stopped queue
func NewQueue(cfg QueueConfig, log *zap.Logger, opts ...QueueOption) *Queue {
	def := DefaultQueueConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		config:    cfg,
		logger:    log.Named("scheduler.queue"),
		retryable: func(error) bool { return true },
		handlers:  make(map[string]Handler),
		jobs:      make(chan *Job, cfg.QueueSize),
		timers:    make(map[uuid.UUID]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a handler to a job kind. Register before Start.
func (q *Queue) Register(kind string, h Handler) {
	q.handlers[kind] = h
}

// Start launches the workers
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	q.running = true
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("job queue started",
		zap.Int("workers", q.config.Workers),
		zap.Duration("job_timeout", q.config.JobTimeout))
	return nil
}

// Stop cancels running jobs, drops pending retries and waits for workers.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("job queue stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn("job queue stop timed out")
		return ctx.Err()
	}
}

// Enqueue submits a new job of kind for target.
func (q *Queue) Enqueue(kind string, tenantID, targetID uuid.UUID) error {
	return q.Submit(NewJob(kind, tenantID, targetID, q.config.MaxAttempts))
}

// Submit hands job to the workers without blocking.
func (q *Queue) Submit(job *Job) error {
	if _, ok := q.handlers[job.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobKind, job.Kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return ErrQueueNotRunning
	}
	select {
	case q.jobs <- job:
		q.metrics.Enqueued(job.Kind)
		return nil
	default:
		return ErrJobQueueFull
	}
}

// Pending returns the number of buffered jobs
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.run(ctx, job, id)
		}
	}
}

func (q *Queue) run(ctx context.Context, job *Job, workerID int) {
	start := time.Now()
	job.Attempt++
	job.Status = JobStatusRunning
	job.StartedAt = &start
	job.Error = ""

	jobCtx, cancel := context.WithTimeout(ctx, q.config.JobTimeout)
	defer cancel()
	jobCtx = logger.WithTenantID(jobCtx, job.TenantID.String())
	jobCtx, span := telemetry.StartJobSpan(jobCtx, job.Kind, job.Attempt)
	defer span.End()
	telemetry.SetAttribute(span, "job.target_id", job.TargetID)

	fields := []zap.Field{
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID.String()),
		zap.String("kind", job.Kind),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("target_id", job.TargetID.String()),
		zap.Int("attempt", job.Attempt),
	}

	err := q.safeExecute(jobCtx, job)
	finished := time.Now()
	job.CompletedAt = &finished
	if err == nil {
		job.Status = JobStatusSuccess
		q.metrics.Finished(job.Kind, "success", finished.Sub(start))
		q.logger.Debug("job completed", fields...)
		return
	}

	telemetry.RecordError(span, err)
	job.Status = JobStatusFailed
	job.Error = err.Error()
	fields = append(fields, zap.Error(err))

	if job.ShouldRetry() && q.retryable(err) {
		delay := q.config.RetryDelay * time.Duration(job.Attempt)
		q.metrics.Finished(job.Kind, "retry", finished.Sub(start))
		q.logger.Warn("job failed, scheduling retry", append(fields, zap.Duration("delay", delay))...)
		q.retryAfter(job, delay)
		return
	}

	q.metrics.Finished(job.Kind, "failed", finished.Sub(start))
	q.logger.Error("job failed", fields...)
	if q.onExhausted != nil {
		q.onExhausted(context.WithoutCancel(ctx), job, err)
	}
}

func (q *Queue) safeExecute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Kind, r)
		}
	}()
	telemetry.Profile(ctx, func(ctx context.Context) {
		err = q.handlers[job.Kind](ctx, job)
	}, "job_kind", job.Kind)
	return err
}

func (q *Queue) retryAfter(job *Job, delay time.Duration) {
	job.Status = JobStatusPending
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, job.ID)
		q.mu.Unlock()
		if err := q.Submit(job); err != nil {
			q.logger.Warn("failed to re-queue job",
				zap.String("job_id", job.ID.String()),
				zap.String("kind", job.Kind),
				zap.Error(err))
		}
	})
}
