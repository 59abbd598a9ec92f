package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

func fastConfig() QueueConfig {
	return QueueConfig{Workers: 2, QueueSize: 8, JobTimeout: time.Second, MaxAttempts: 3, RetryDelay: time.Millisecond}
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
}

func TestQueue_RunsRegisteredHandler(t *testing.T) {
	q := NewQueue(fastConfig(), zap.NewNop())
	tenantID, targetID := uuid.New(), uuid.New()

	got := make(chan *Job, 1)
	q.Register("poll", func(ctx context.Context, job *Job) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		got <- job
		return nil
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue("poll", tenantID, targetID))
	select {
	case job := <-got:
		assert.Equal(t, tenantID, job.TenantID)
		assert.Equal(t, targetID, job.TargetID)
		assert.Equal(t, 1, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestQueue_SubmitErrors(t *testing.T) {
	q := NewQueue(fastConfig(), zap.NewNop())
	q.Register("poll", func(context.Context, *Job) error { return nil })

	assert.ErrorIs(t, q.Enqueue("poll", uuid.New(), uuid.New()), ErrQueueNotRunning)
	assert.ErrorIs(t, q.Enqueue("nope", uuid.New(), uuid.New()), ErrUnknownJobKind)
}

func TestQueue_FullBuffer(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	q := NewQueue(cfg, zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q.Register("slow", func(ctx context.Context, _ *Job) error {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	startQueue(t, q)
	defer close(release)

	require.NoError(t, q.Enqueue("slow", uuid.New(), uuid.New()))
	<-started
	require.NoError(t, q.Enqueue("slow", uuid.New(), uuid.New()))
	assert.ErrorIs(t, q.Enqueue("slow", uuid.New(), uuid.New()), ErrJobQueueFull)
}

func TestQueue_RetriesUntilSuccess(t *testing.T) {
	reg := telemetry.NewRegistry()
	q := NewQueue(fastConfig(), zap.NewNop(), WithMetrics(telemetry.NewJobMetrics(reg)))

	var calls atomic.Int32
	done := make(chan *Job, 1)
	q.Register("fetch", func(_ context.Context, job *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		done <- job
		return nil
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue("fetch", uuid.New(), uuid.New()))
	select {
	case job := <-done:
		assert.Equal(t, 3, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg.Gatherer(), "cfdisync_jobs_finished_total")
		return err == nil && n == 2
	}, time.Second, 10*time.Millisecond, "retry and success series")
}

func TestQueue_ExhaustedHandlerAfterLastAttempt(t *testing.T) {
	var mu sync.Mutex
	var exhausted *Job
	var exhaustedErr error
	done := make(chan struct{})

	q := NewQueue(fastConfig(), zap.NewNop(), WithExhaustedHandler(func(_ context.Context, job *Job, err error) {
		mu.Lock()
		exhausted, exhaustedErr = job, err
		mu.Unlock()
		close(done)
	}))
	var calls atomic.Int32
	q.Register("submit", func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("authority down")
	})
	startQueue(t, q)

	require.NoError(t, q.Enqueue("submit", uuid.New(), uuid.New()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted handler not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, JobStatusFailed, exhausted.Status)
	assert.Equal(t, "authority down", exhausted.Error)
	assert.EqualError(t, exhaustedErr, "authority down")
}

func TestQueue_NonRetryableFailsImmediately(t *testing.T) {
	permanent := errors.New("rejected")
	done := make(chan int, 1)
	q := NewQueue(fastConfig(), zap.NewNop(),
		WithRetryable(func(err error) bool { return !errors.Is(err, permanent) }),
		WithExhaustedHandler(func(_ context.Context, job *Job, _ error) { done <- job.Attempt }),
	)
	q.Register("submit", func(context.Context, *Job) error { return permanent })
	startQueue(t, q)

	require.NoError(t, q.Enqueue("submit", uuid.New(), uuid.New()))
	select {
	case attempt := <-done:
		assert.Equal(t, 1, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job not failed")
	}
}

func TestQueue_RecoversPanics(t *testing.T) {
	errs := make(chan error, 1)
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	q := NewQueue(cfg, zap.NewNop(), WithExhaustedHandler(func(_ context.Context, _ *Job, err error) { errs <- err }))
	q.Register("process", func(context.Context, *Job) error { panic("corrupt zip") })
	startQueue(t, q)

	require.NoError(t, q.Enqueue("process", uuid.New(), uuid.New()))
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "corrupt zip")
	case <-time.After(2 * time.Second):
		t.Fatal("panic not reported")
	}
}

func TestQueue_StopDropsPendingRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryDelay = time.Hour
	q := NewQueue(cfg, zap.NewNop())

	ran := make(chan struct{}, 4)
	q.Register("fetch", func(context.Context, *Job) error {
		ran <- struct{}{}
		return errors.New("transient")
	})
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue("fetch", uuid.New(), uuid.New()))
	<-ran

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.timers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Stop(context.Background()))
	q.mu.Lock()
	assert.Empty(t, q.timers)
	q.mu.Unlock()
	assert.ErrorIs(t, q.Enqueue("fetch", uuid.New(), uuid.New()), ErrQueueNotRunning)
}

func TestNewQueue_AppliesDefaults(t *testing.T) {
	q := NewQueue(QueueConfig{}, nil)
	def := DefaultQueueConfig()
	assert.Equal(t, def.Workers, q.config.Workers)
	assert.Equal(t, def.QueueSize, cap(q.jobs))
	assert.Equal(t, def.MaxAttempts, q.config.MaxAttempts)
}
