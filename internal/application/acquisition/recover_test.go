package acquisition

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

// readyPackage returns a request with one announced package that has not
// been fetched yet.
func (f *fixture) readyPackage(t *testing.T) (*fiscal.DownloadRequest, uuid.UUID) {
	t.Helper()
	req := f.submitted(t, fiscal.DirectionReceived)
	f.readyWith("PKG_01")
	f.authority.archives["PKG_01"] = buildArchive(t, archiveEntry{"a.xml", testdata(t, "v33_expense.xml")})
	_, err := f.svc.PollRequest(context.Background(), req.ID)
	require.NoError(t, err)
	targets := f.queue.targets(KindFetch)
	require.Len(t, targets, 1)
	return req, targets[0]
}

func TestService_PollPending_ReclaimsStalePackages(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		claimed     fiscal.PackageStatus
		retries     int
		wait        time.Duration
		wantStatus  fiscal.PackageStatus
		wantKind    string
		wantRetries int
		wantRequest fiscal.RequestStatus
	}{
		{
			name:        "downloading goes back to pending and is fetched again",
			claimed:     fiscal.PackageDownloading,
			wait:        time.Hour,
			wantStatus:  fiscal.PackagePending,
			wantKind:    KindFetch,
			wantRetries: 1,
			wantRequest: fiscal.RequestStatusReady,
		},
		{
			name:        "processing goes back to downloaded and is processed again",
			claimed:     fiscal.PackageProcessing,
			wait:        time.Hour,
			wantStatus:  fiscal.PackageDownloaded,
			wantKind:    KindProcess,
			wantRetries: 1,
			wantRequest: fiscal.RequestStatusReady,
		},
		{
			name:        "last retry fails the package and closes the request",
			claimed:     fiscal.PackageDownloading,
			retries:     2,
			wait:        time.Hour,
			wantStatus:  fiscal.PackageFailed,
			wantRetries: 3,
			wantRequest: fiscal.RequestStatusDownloaded,
		},
		{
			name:        "a claim younger than the lease is left alone",
			claimed:     fiscal.PackageDownloading,
			wait:        time.Minute,
			wantStatus:  fiscal.PackageDownloading,
			wantRequest: fiscal.RequestStatusReady,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req, pkgID := f.readyPackage(t)

			if tt.retries > 0 {
				pkg, err := f.packages.FindByID(ctx, pkgID)
				require.NoError(t, err)
				pkg.RetryCount = tt.retries
				pkg.IncrementVersion()
				require.NoError(t, f.packages.Update(ctx, pkg))
			}
			f.claim(t, pkgID, tt.claimed)
			f.dropQueue()
			f.advance(tt.wait)
			// The authority has nothing new to say about the request.
			f.authority.pollErr = fmt.Errorf("%w: timeout", fiscal.ErrTransport)

			summary, err := f.svc.PollPending(ctx)
			require.NoError(t, err)

			pkg, err := f.packages.FindByID(ctx, pkgID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, pkg.Status)
			assert.Equal(t, tt.wantRetries, pkg.RetryCount)
			if tt.wantStatus != tt.claimed {
				assert.Equal(t, 1, summary.Reclaimed)
				assert.Equal(t, abandonedReason, pkg.ErrorMessage)
			} else {
				assert.Zero(t, summary.Reclaimed)
			}
			if tt.wantKind != "" {
				assert.Equal(t, []any{pkgID}, toAny(f.queue.targets(tt.wantKind)))
			} else {
				assert.Empty(t, f.queue.targets(KindFetch))
				assert.Empty(t, f.queue.targets(KindProcess))
			}

			stored, err := f.requests.FindByID(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRequest, stored.Status)
		})
	}
}

func TestService_PollPending_ResumesUnsubmittedRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("request whose retry was lost is queued again", func(t *testing.T) {
		f := newFixture(t)
		f.authority.submitErr = fmt.Errorf("%w: connection reset", fiscal.ErrTransport)
		req, err := f.svc.Submit(ctx, SubmitCommand{TenantID: f.tenant.ID, Range: f.januaryRange(t), Direction: fiscal.DirectionIssued})
		require.NoError(t, err)
		f.dropQueue()
		f.advance(time.Hour)

		summary, err := f.svc.PollPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, PollSummary{Resubmitted: 1}, summary)
		assert.Equal(t, []any{req.ID}, toAny(f.queue.targets(KindSubmit)))

		f.authority.submitErr = nil
		require.NoError(t, f.svc.RetrySubmit(ctx, req.ID))
		stored, err := f.requests.FindByID(ctx, req.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.ExternalID)
		assert.Equal(t, 2, stored.Attempts)
	})

	t.Run("request out of attempts fails", func(t *testing.T) {
		f := newFixture(t)
		f.authority.submitErr = fmt.Errorf("%w: service unavailable", fiscal.ErrTransport)
		req, err := f.svc.Submit(ctx, SubmitCommand{TenantID: f.tenant.ID, Range: f.januaryRange(t), Direction: fiscal.DirectionIssued})
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			require.ErrorIs(t, f.svc.RetrySubmit(ctx, req.ID), fiscal.ErrTransport)
		}
		f.dropQueue()
		f.advance(time.Hour)

		summary, err := f.svc.PollPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, PollSummary{Failed: 1}, summary)
		assert.Empty(t, f.queue.targets(KindSubmit))

		stored, err := f.requests.FindByID(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, fiscal.RequestStatusFailed, stored.Status)
		assert.Equal(t, 3, stored.Attempts)
		assert.Contains(t, stored.ErrorMessage, "abandoned after 3 attempts")
		assert.Contains(t, stored.ErrorMessage, "service unavailable")
	})

	t.Run("recent failure is left to the queued retry", func(t *testing.T) {
		f := newFixture(t)
		f.authority.submitErr = fmt.Errorf("%w: reset", fiscal.ErrTransport)
		_, err := f.svc.Submit(ctx, SubmitCommand{TenantID: f.tenant.ID, Range: f.januaryRange(t), Direction: fiscal.DirectionIssued})
		require.NoError(t, err)
		f.dropQueue()

		summary, err := f.svc.PollPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, PollSummary{}, summary)
		assert.Empty(t, f.queue.targets(KindSubmit))
	})
}

func TestService_FetchPackage_CancelledJobReleasesPackage(t *testing.T) {
	f := newFixture(t)
	_, pkgID := f.readyPackage(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.authority.onFetch = func() error {
		cancel()
		return ctx.Err()
	}

	err := f.svc.FetchPackage(ctx, pkgID)
	require.ErrorIs(t, err, context.Canceled)

	pkg, err := f.packages.FindByID(context.Background(), pkgID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.PackagePending, pkg.Status)
	assert.Equal(t, 1, pkg.RetryCount)
}

func TestService_ProcessPackage_TransientErrorKeepsDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, pkgID := f.readyPackage(t)
	require.NoError(t, f.svc.FetchPackage(ctx, pkgID))

	blobs := &failingPuts{
		BlobStore: f.blobs,
		prefix:    fmt.Sprintf("sat/cfdi/%s/", f.tenant.ID),
		err:       fmt.Errorf("slow down"),
	}
	f.svc.blobs = blobs

	_, err := f.svc.ProcessPackage(ctx, pkgID)
	require.ErrorIs(t, err, fiscal.ErrTransport)

	pkg, err := f.packages.FindByID(ctx, pkgID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.PackageDownloaded, pkg.Status)
	assert.Equal(t, 1, pkg.RetryCount)
	stored, err := f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.RequestStatusReady, stored.Status)

	blobs.err = nil
	summary, err := f.svc.ProcessPackage(ctx, pkgID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.BatchSummary{Total: 1, Processed: 1, Created: 1}, summary)

	_, err = f.documents.FindByUUID(ctx, f.tenant.ID, "0A1B2C3D-0000-4000-8000-123456789ABC")
	require.NoError(t, err)
	stored, err = f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.RequestStatusDownloaded, stored.Status)
}

func TestService_CompleteIfDone_QueuesReconcileOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	settings := fiscal.DefaultSyncSettings(f.tenant.ID)
	settings.ReconcileEnabled = true
	require.NoError(t, f.settings.Save(ctx, settings))

	req, pkgID := f.readyPackage(t)
	snapshot, err := f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, fiscal.RequestStatusReady, snapshot.Status)

	require.NoError(t, f.svc.FetchPackage(ctx, pkgID))
	_, err = f.svc.ProcessPackage(ctx, pkgID)
	require.NoError(t, err)
	require.Equal(t, []any{req.ID}, toAny(f.queue.targets(KindReconcileBatch)))

	// A sibling that read the request while it was still ready loses the
	// version race and must not queue a second batch.
	f.svc.requests = &frozenRequests{DownloadRequestRepository: f.requests, snapshot: *snapshot}
	require.NoError(t, f.svc.completeIfDone(ctx, snapshot))

	assert.Equal(t, []any{req.ID}, toAny(f.queue.targets(KindReconcileBatch)))
	stored, err := f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.RequestStatusDownloaded, stored.Status)
}
