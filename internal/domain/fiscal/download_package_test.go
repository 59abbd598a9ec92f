package fiscal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/domain/shared"
)

func TestDownloadPackage_HappyPath(t *testing.T) {
	req := newTestRequest(t)
	pkg, err := NewDownloadPackage(req, "PKG_01", testNow)
	require.NoError(t, err)
	assert.Equal(t, req.TenantID, pkg.TenantID)
	assert.Equal(t, PackagePending, pkg.Status)

	require.NoError(t, pkg.StartDownload(testNow))
	require.NoError(t, pkg.CompleteDownload("sat/packages/x.zip", "abc", 1024, testNow))
	require.NoError(t, pkg.StartProcessing(testNow))
	require.NoError(t, pkg.Complete(BatchSummary{Total: 2, Processed: 2, Created: 1, Errors: 1}, testNow))

	assert.Equal(t, PackageCompleted, pkg.Status)
	assert.True(t, pkg.Status.IsFinal())
	assert.Equal(t, 1, pkg.Summary.Created)
	assert.Error(t, pkg.StartProcessing(testNow))
}

func TestDownloadPackage_Release(t *testing.T) {
	req := newTestRequest(t)
	pkg, err := NewDownloadPackage(req, "PKG_02", testNow)
	require.NoError(t, err)

	for attempt := 1; attempt < 3; attempt++ {
		require.NoError(t, pkg.StartDownload(testNow))
		failed, err := pkg.Release("timeout", 3, testNow)
		require.NoError(t, err)
		assert.False(t, failed)
		assert.Equal(t, PackagePending, pkg.Status)
		assert.Equal(t, attempt, pkg.RetryCount)
	}

	require.NoError(t, pkg.StartDownload(testNow))
	failed, err := pkg.Release("timeout", 3, testNow)
	require.NoError(t, err)
	assert.True(t, failed)
	assert.Equal(t, PackageFailed, pkg.Status)
	assert.Equal(t, "timeout", pkg.ErrorMessage)
}

func TestDownloadPackage_ReleaseByStatus(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(p *DownloadPackage)
		want    PackageStatus
		wantErr bool
	}{
		{
			name:    "downloading goes back to pending",
			prepare: func(p *DownloadPackage) { require.NoError(t, p.StartDownload(testNow)) },
			want:    PackagePending,
		},
		{
			name: "processing goes back to downloaded",
			prepare: func(p *DownloadPackage) {
				require.NoError(t, p.StartDownload(testNow))
				require.NoError(t, p.CompleteDownload("sat/packages/x.zip", "abc", 10, testNow))
				require.NoError(t, p.StartProcessing(testNow))
			},
			want: PackageDownloaded,
		},
		{
			name:    "pending is not claimed",
			prepare: func(*DownloadPackage) {},
			want:    PackagePending,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, err := NewDownloadPackage(newTestRequest(t), "PKG_03", testNow)
			require.NoError(t, err)
			tt.prepare(pkg)
			claimed := pkg.Status.IsClaimed()

			failed, err := pkg.Release("worker lost", 5, testNow.Add(time.Hour))
			if tt.wantErr {
				assert.False(t, claimed)
				assert.ErrorIs(t, err, shared.ErrInvalidState)
				assert.Zero(t, pkg.RetryCount)
			} else {
				require.NoError(t, err)
				assert.True(t, claimed)
				assert.False(t, failed)
				assert.Equal(t, 1, pkg.RetryCount)
				assert.Equal(t, testNow.Add(time.Hour), pkg.UpdatedAt)
			}
			assert.Equal(t, tt.want, pkg.Status)
		})
	}
}

func TestNewDownloadPackage_RequiresID(t *testing.T) {
	_, err := NewDownloadPackage(newTestRequest(t), "", testNow)
	assert.ErrorIs(t, err, ErrProtocol)
}
