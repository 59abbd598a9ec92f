package acquisition

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/persistence"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/persistencetest"
	"github.com/cfdisync/backend/internal/infrastructure/sat"
	"github.com/cfdisync/backend/internal/infrastructure/storage"
)

// tenantRFC issues v40_income.xml and receives v33_expense.xml.
const tenantRFC = "AAA010101AAA"

var testNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

type fakeAuthority struct {
	mu sync.Mutex

	submitID  string
	submitErr error
	poll      *sat.PollResult
	pollErr   error
	archives  map[string][]byte
	fetchErrs []error
	// onFetch runs before a fetch answers; a non-nil error is returned.
	onFetch func() error

	submits int
	polls   int
	fetches int
}

func (f *fakeAuthority) SubmitBulkRequest(_ context.Context, _ fiscal.DateRange, _ fiscal.Direction, _ string) (*sat.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	id := f.submitID
	if id == "" {
		id = uuid.NewString()
	}
	return &sat.SubmitResult{ExternalID: id, Code: sat.CodeAccepted, Message: "Solicitud Aceptada", Raw: "<ok/>"}, nil
}

func (f *fakeAuthority) PollRequestStatus(_ context.Context, _, _ string) (*sat.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return f.poll, nil
}

func (f *fakeAuthority) FetchPackage(_ context.Context, packageID, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.onFetch != nil {
		if err := f.onFetch(); err != nil {
			return nil, err
		}
	}
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		return nil, err
	}
	archive, ok := f.archives[packageID]
	if !ok {
		return nil, fiscal.NewProtocolError("unknown package")
	}
	return archive, nil
}

type fakeProvider struct {
	authority *fakeAuthority
	err       error
}

func (p *fakeProvider) ForTenant(context.Context, uuid.UUID) (Authority, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.authority, nil
}

type queuedJob struct {
	kind     string
	tenantID uuid.UUID
	targetID uuid.UUID
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *recordingQueue) Enqueue(kind string, tenantID, targetID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{kind: kind, tenantID: tenantID, targetID: targetID})
	return nil
}

func (q *recordingQueue) targets(kind string) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []uuid.UUID
	for _, j := range q.jobs {
		if j.kind == kind {
			out = append(out, j.targetID)
		}
	}
	return out
}

type fixture struct {
	svc       *Service
	tenant    *fiscal.Tenant
	authority *fakeAuthority
	provider  *fakeProvider
	queue     *recordingQueue
	blobs     *storage.MemoryObjectStorage
	tenants   *persistence.GormTenantRepository
	settings  *persistence.GormSyncSettingsRepository
	requests  *persistence.GormDownloadRequestRepository
	packages  *persistence.GormDownloadPackageRepository
	documents *persistence.GormDocumentRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := persistencetest.NewDB(t)
	f := &fixture{
		tenant:    persistencetest.SeedTenant(t, db, tenantRFC),
		authority: &fakeAuthority{archives: map[string][]byte{}},
		queue:     &recordingQueue{},
		blobs:     storage.NewMemoryObjectStorage(),
		tenants:   persistence.NewGormTenantRepository(db),
		settings:  persistence.NewGormSyncSettingsRepository(db),
		requests:  persistence.NewGormDownloadRequestRepository(db),
		packages:  persistence.NewGormDownloadPackageRepository(db),
		documents: persistence.NewGormDocumentRepository(db),
	}
	f.provider = &fakeProvider{authority: f.authority}
	f.svc = NewService(Deps{
		Tenants:   f.tenants,
		Settings:  f.settings,
		Requests:  f.requests,
		Packages:  f.packages,
		Documents: f.documents,
		Blobs:     f.blobs,
		Authority: f.provider,
		Queue:     f.queue,
	}, Config{MaxAttempts: 3}, zap.NewNop())
	f.svc.now = func() time.Time { return testNow }
	return f
}

// advance moves the service clock forward.
func (f *fixture) advance(d time.Duration) {
	now := f.svc.now().Add(d)
	f.svc.now = func() time.Time { return now }
}

// dropQueue forgets every queued job, as a restart would.
func (f *fixture) dropQueue() {
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	f.queue.jobs = nil
}

// claim moves a package to status as a worker would and leaves it there.
func (f *fixture) claim(t *testing.T, pkgID uuid.UUID, status fiscal.PackageStatus) {
	t.Helper()
	ctx := context.Background()
	pkg, err := f.packages.FindByID(ctx, pkgID)
	require.NoError(t, err)
	now := f.svc.now()
	require.NoError(t, pkg.StartDownload(now))
	if status == fiscal.PackageProcessing {
		require.NoError(t, pkg.CompleteDownload(fiscal.PackageArchivePath(pkg.TenantID, pkg.ID), "abc", 1, now))
		require.NoError(t, pkg.StartProcessing(now))
	}
	require.NoError(t, f.packages.Update(ctx, pkg))
}

func (f *fixture) januaryRange(t *testing.T) fiscal.DateRange {
	t.Helper()
	r, err := fiscal.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return r
}

// submitted returns a request the authority accepted.
func (f *fixture) submitted(t *testing.T, direction fiscal.Direction) *fiscal.DownloadRequest {
	t.Helper()
	req, err := f.svc.Submit(context.Background(), SubmitCommand{
		TenantID:    f.tenant.ID,
		Range:       f.januaryRange(t),
		Direction:   direction,
		RequestedBy: "ops@example.com",
	})
	require.NoError(t, err)
	require.NotEmpty(t, req.ExternalID)
	return req
}

func (f *fixture) readyWith(packageIDs ...string) {
	f.authority.poll = &sat.PollResult{
		State:         fiscal.RequestReady,
		Code:          sat.CodeAccepted,
		Message:       "Solicitud Aceptada",
		PackageIDs:    packageIDs,
		DocumentCount: len(packageIDs) * 2,
	}
}

func testdata(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "..", "infrastructure", "cfdi", "testdata", name))
	require.NoError(t, err)
	return raw
}

type archiveEntry struct {
	name string
	data []byte
}

func buildArchive(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = fw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// failingPuts fails every Put under prefix with err.
type failingPuts struct {
	fiscal.BlobStore
	prefix string
	err    error
}

func (b *failingPuts) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if b.err != nil && strings.HasPrefix(path, b.prefix) {
		return b.err
	}
	return b.BlobStore.Put(ctx, path, data, contentType)
}

// frozenRequests returns the snapshot for FindByID of its id, the way a
// worker that read the request before a sibling closed it sees it.
type frozenRequests struct {
	fiscal.DownloadRequestRepository
	snapshot fiscal.DownloadRequest
}

func (r *frozenRequests) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.DownloadRequest, error) {
	if id == r.snapshot.ID {
		copied := r.snapshot
		return &copied, nil
	}
	return r.DownloadRequestRepository.FindByID(ctx, id)
}
