package persistence

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentRepository_CreateAndFind(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()

	doc := newDocumentFixture(t, tenantID, "5f1e2d3c-aaaa-4bbb-8ccc-000000000001", fixtureNow.AddDate(0, 0, -3))
	require.NoError(t, repo.Create(ctx, doc))

	found, err := repo.FindByUUID(ctx, tenantID, "5f1e2d3c-aaaa-4bbb-8ccc-000000000001")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, found.ID)
	assert.Equal(t, "5F1E2D3C-AAAA-4BBB-8CCC-000000000001", found.UUID)
	assert.Equal(t, "4.0", found.Version)
	assert.True(t, decimal.RequireFromString("1160").Equal(found.Total))
	assert.Equal(t, fiscal.AuthorityStatusValid, found.Status().AuthorityStatus())
	assert.Equal(t, fiscal.LifecycleReceived, found.Status().Lifecycle())
	require.Len(t, found.Lines, 1)
	require.Len(t, found.Lines[0].Taxes, 1)
	assert.True(t, decimal.RequireFromString("160").Equal(found.Lines[0].Taxes[0].Amount))
	assert.Equal(t, "Tasa", found.Lines[0].Taxes[0].FactorType)

	byID, err := repo.FindByID(ctx, tenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.UUID, byID.UUID)

	_, err = repo.FindByID(ctx, uuid.New(), doc.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDocumentRepository_DedupPerTenant(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()
	const id = "6a6a6a6a-0000-4000-8000-000000000002"

	require.NoError(t, repo.Create(ctx, newDocumentFixture(t, tenantA, id, fixtureNow)))

	err := repo.Create(ctx, newDocumentFixture(t, tenantA, id, fixtureNow))
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)

	require.NoError(t, repo.Create(ctx, newDocumentFixture(t, tenantB, id, fixtureNow)))

	page, err := repo.List(ctx, tenantA, shared.DefaultFilter())
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestDocumentRepository_CreateRejectsPUEWithFormToBeDefined(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	doc := newDocumentFixture(t, uuid.New(), "7b7b7b7b-0000-4000-8000-000000000003", fixtureNow)
	doc.PaymentForm = fiscal.PaymentFormToBeDefined

	err := repo.Create(context.Background(), doc)
	assert.ErrorIs(t, err, fiscal.ErrBusinessRule)
}

func TestDocumentRepository_SaveStatusCheck(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()
	doc := newDocumentFixture(t, tenantID, "8c8c8c8c-0000-4000-8000-000000000004", fixtureNow)
	require.NoError(t, repo.Create(ctx, doc))

	first, err := doc.UpdateStatus(fiscal.StatusUpdate{
		Status: fiscal.AuthorityStatusCancelled, Source: fiscal.CheckSourceUUIDCheck, Raw: "<cancelado/>",
	}, fixtureNow.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.SaveStatusCheck(ctx, doc, first))

	second, err := doc.UpdateStatus(fiscal.StatusUpdate{
		Status: fiscal.AuthorityStatusCancelled, Source: fiscal.CheckSourceUUIDCheck,
	}, fixtureNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.SaveStatusCheck(ctx, doc, second))

	stored, err := repo.FindByID(ctx, tenantID, doc.ID)
	require.NoError(t, err)
	status := stored.Status()
	assert.Equal(t, fiscal.AuthorityStatusCancelled, status.AuthorityStatus())
	assert.Equal(t, fiscal.LifecycleCancelled, status.Lifecycle())
	require.NotNil(t, status.CurrentCheckID())
	assert.Equal(t, second.ID, *status.CurrentCheckID())
	require.NotNil(t, status.CancelledAt())
	assert.True(t, status.CancelledAt().Equal(first.CheckedAt))

	checks, err := repo.ListStatusChecks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.True(t, checks[0].Changed)
	assert.Equal(t, fiscal.AuthorityStatusValid, checks[0].PreviousStatus)
	assert.False(t, checks[1].Changed)
}

func TestDocumentRepository_SaveStatusCheck_StaleCopyConflicts(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()
	doc := newDocumentFixture(t, tenantID, "9d9d9d9d-0000-4000-8000-000000000005", fixtureNow)
	require.NoError(t, repo.Create(ctx, doc))

	copyA, err := repo.FindByID(ctx, tenantID, doc.ID)
	require.NoError(t, err)
	copyB, err := repo.FindByID(ctx, tenantID, doc.ID)
	require.NoError(t, err)

	checkA, err := copyA.UpdateStatus(fiscal.StatusUpdate{Status: fiscal.AuthorityStatusValid, Source: fiscal.CheckSourceUUIDCheck}, fixtureNow)
	require.NoError(t, err)
	require.NoError(t, repo.SaveStatusCheck(ctx, copyA, checkA))

	checkB, err := copyB.UpdateStatus(fiscal.StatusUpdate{Status: fiscal.AuthorityStatusCancelled, Source: fiscal.CheckSourceUUIDCheck}, fixtureNow)
	require.NoError(t, err)
	err = repo.SaveStatusCheck(ctx, copyB, checkB)
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	// The losing check was rolled back with the projection write.
	checks, err := repo.ListStatusChecks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

func TestDocumentRepository_FindForRevalidation(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()

	old := newDocumentFixture(t, tenantID, "a0000000-0000-4000-8000-000000000001", fixtureNow.AddDate(0, 0, -40))
	recent := newDocumentFixture(t, tenantID, "a0000000-0000-4000-8000-000000000002", fixtureNow.AddDate(0, 0, -2))
	newest := newDocumentFixture(t, tenantID, "a0000000-0000-4000-8000-000000000003", fixtureNow.AddDate(0, 0, -1))
	cancelled := newDocumentFixture(t, tenantID, "a0000000-0000-4000-8000-000000000004", fixtureNow.AddDate(0, 0, -1))
	for _, d := range []*fiscal.FiscalDocument{old, recent, newest, cancelled} {
		require.NoError(t, repo.Create(ctx, d))
	}
	check, err := cancelled.UpdateStatus(fiscal.StatusUpdate{Status: fiscal.AuthorityStatusCancelled, Source: fiscal.CheckSourceUUIDCheck}, fixtureNow)
	require.NoError(t, err)
	require.NoError(t, repo.SaveStatusCheck(ctx, cancelled, check))

	docs, err := repo.FindForRevalidation(ctx, tenantID, fixtureNow.AddDate(0, 0, -30), 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, newest.ID, docs[0].ID)
	assert.Equal(t, recent.ID, docs[1].ID)

	capped, err := repo.FindForRevalidation(ctx, tenantID, fixtureNow.AddDate(0, 0, -365), 1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}

func TestDocumentRepository_UnreconciledAndMark(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()
	pkg, otherPkg := uuid.New(), uuid.New()

	a := newDocumentFixture(t, tenantID, "b0000000-0000-4000-8000-000000000001", fixtureNow)
	a.PackageID = &pkg
	b := newDocumentFixture(t, tenantID, "b0000000-0000-4000-8000-000000000002", fixtureNow)
	b.PackageID = &otherPkg
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	docs, err := repo.FindUnreconciled(ctx, tenantID, []uuid.UUID{pkg}, 50)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, a.ID, docs[0].ID)
	assert.Len(t, docs[0].Lines, 1)

	a.MarkReconciled(fixtureNow)
	require.NoError(t, repo.MarkReconciled(ctx, a))

	docs, err = repo.FindUnreconciled(ctx, tenantID, []uuid.UUID{pkg, otherPkg}, 50)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, b.ID, docs[0].ID)

	none, err := repo.FindUnreconciled(ctx, tenantID, nil, 50)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDocumentRepository_ListFiltersAndUUIDs(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()

	for i, u := range []string{
		"c0000000-0000-4000-8000-000000000001",
		"c0000000-0000-4000-8000-000000000002",
		"c0000000-0000-4000-8000-000000000003",
	} {
		d := newDocumentFixture(t, tenantID, u, fixtureNow.AddDate(0, 0, -i))
		if i == 2 {
			d.Issuer.RFC = "ZZZ990101ZZZ"
		}
		require.NoError(t, repo.Create(ctx, d))
	}

	filter := shared.DefaultFilter()
	filter.Filters["issuer_rfc"] = "ZZZ990101ZZZ"
	page, err := repo.List(ctx, tenantID, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	filter = shared.Filter{Page: 1, PageSize: 2, OrderBy: "issued_at", OrderDir: "asc", Filters: map[string]interface{}{}}
	page, err = repo.List(ctx, tenantID, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "C0000000-0000-4000-8000-000000000003", page.Items[0].UUID)

	found, err := repo.FindByUUIDs(ctx, tenantID, []string{"c0000000-0000-4000-8000-000000000001", "ffffffff-0000-4000-8000-000000000000"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestDocumentRepository_SaveStatusCheck_InsertFailureRollsBack(t *testing.T) {
	db, mock := mockDatabase(t)
	repo := NewGormDocumentRepository(db.DB)

	doc := newDocumentFixture(t, uuid.New(), "d0000000-0000-4000-8000-000000000001", fixtureNow)
	check, err := doc.UpdateStatus(fiscal.StatusUpdate{Status: fiscal.AuthorityStatusCancelled, Source: fiscal.CheckSourceManual}, fixtureNow)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "status_checks"`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = repo.SaveStatusCheck(context.Background(), doc, check)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepository_SaveStatusCheck_RejectsForeignCheck(t *testing.T) {
	repo := NewGormDocumentRepository(newTestDB(t))
	doc := newDocumentFixture(t, uuid.New(), "e0000000-0000-4000-8000-000000000001", fixtureNow)
	other := newDocumentFixture(t, doc.TenantID, "e0000000-0000-4000-8000-000000000002", fixtureNow)
	check, err := other.UpdateStatus(fiscal.StatusUpdate{Status: fiscal.AuthorityStatusValid, Source: fiscal.CheckSourceManual}, fixtureNow)
	require.NoError(t, err)

	err = repo.SaveStatusCheck(context.Background(), doc, check)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}
