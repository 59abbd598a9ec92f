package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/cfdisync/backend/internal/infrastructure/event"
	"github.com/cfdisync/backend/internal/infrastructure/persistence"
	"github.com/cfdisync/backend/internal/infrastructure/persistence/persistencetest"
	"github.com/cfdisync/backend/internal/infrastructure/sat/sattest"
	"github.com/cfdisync/backend/internal/infrastructure/secrets"
	"github.com/cfdisync/backend/internal/infrastructure/storage"
)

const tenantRFC = "EKU9003173C9"

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type capturedEvents struct {
	events []shared.DomainEvent
}

func (c *capturedEvents) Handle(_ context.Context, ev shared.DomainEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *capturedEvents) EventTypes() []string {
	return []string{fiscal.EventTypeCredentialActivated}
}

type fixture struct {
	svc      *Service
	tenant   *fiscal.Tenant
	repo     *persistence.GormCredentialRepository
	blobs    *storage.MemoryObjectStorage
	captured *capturedEvents
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	db := persistencetest.NewDB(t)
	tenant := persistencetest.SeedTenant(t, db, tenantRFC)

	box, err := secrets.NewBox(secret, nil)
	require.NoError(t, err)

	bus := event.NewInMemoryEventBus(zap.NewNop())
	captured := &capturedEvents{}
	bus.Subscribe(captured, captured.EventTypes()...)

	repo := persistence.NewGormCredentialRepository(db)
	blobs := storage.NewMemoryObjectStorage()
	svc := NewService(repo, persistence.NewGormTenantRepository(db), blobs, box, bus, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return &fixture{svc: svc, tenant: tenant, repo: repo, blobs: blobs, captured: captured}
}

func validCredential(t *testing.T, serial string) *sattest.Credential {
	return sattest.NewCredential(t, tenantRFC, serial, testNow.AddDate(-1, 0, 0), testNow.AddDate(2, 0, 0))
}

func TestService_UploadActivatesAndSupersedes(t *testing.T) {
	f := newFixture(t, "deployment-secret-for-tests")
	ctx := context.Background()

	first := validCredential(t, "30001000000500003416")
	cred, err := f.svc.Upload(ctx, UploadCommand{
		TenantID: f.tenant.ID, Kind: fiscal.CredentialFIEL,
		Certificate: first.Certificate, Key: first.Key, Password: sattest.Password, UploadedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, fiscal.CredentialActive, cred.Status)
	assert.Equal(t, first.Serial, cred.SerialNumber)
	assert.NotContains(t, cred.EncryptedPassword, sattest.Password)
	assert.Equal(t, "credentials/"+f.tenant.ID.String()+"/"+tenantRFC+"/fiel/"+first.Serial+".cer", cred.CertificatePath)
	assert.Len(t, f.blobs.List("credentials/"), 2)

	second := validCredential(t, "30001000000500003417")
	next, err := f.svc.Upload(ctx, UploadCommand{
		TenantID: f.tenant.ID, Kind: fiscal.CredentialFIEL,
		Certificate: second.Certificate, Key: second.Key, Password: sattest.Password,
	})
	require.NoError(t, err)

	all, err := f.svc.List(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	statuses := map[string]fiscal.CredentialStatus{}
	for _, c := range all {
		statuses[c.SerialNumber] = c.Status
	}
	assert.Equal(t, fiscal.CredentialSuperseded, statuses[first.Serial])
	assert.Equal(t, fiscal.CredentialActive, statuses[second.Serial])

	require.Len(t, f.captured.events, 2)
	activated := f.captured.events[1].(*fiscal.CredentialActivatedEvent)
	assert.Equal(t, next.ID, activated.AggregateID())
	require.NotNil(t, activated.SupersededID)
	assert.Equal(t, cred.ID, *activated.SupersededID)
}

func TestService_UploadRejections(t *testing.T) {
	f := newFixture(t, "deployment-secret-for-tests")
	ctx := context.Background()
	good := validCredential(t, "30001000000500003416")

	t.Run("wrong password", func(t *testing.T) {
		_, err := f.svc.Upload(ctx, UploadCommand{
			TenantID: f.tenant.ID, Kind: fiscal.CredentialFIEL,
			Certificate: good.Certificate, Key: good.Key, Password: "nope",
		})
		assert.ErrorIs(t, err, fiscal.ErrCredential)
	})

	t.Run("certificate of another taxpayer", func(t *testing.T) {
		other := sattest.NewCredential(t, "AAA010101AAA", "30001000000500009999", testNow.AddDate(-1, 0, 0), testNow.AddDate(1, 0, 0))
		_, err := f.svc.Upload(ctx, UploadCommand{
			TenantID: f.tenant.ID, Kind: fiscal.CredentialCSD,
			Certificate: other.Certificate, Key: other.Key, Password: sattest.Password,
		})
		assert.ErrorIs(t, err, fiscal.ErrCredential)
	})

	t.Run("expired certificate", func(t *testing.T) {
		old := sattest.NewCredential(t, tenantRFC, "30001000000500001111", testNow.AddDate(-5, 0, 0), testNow.AddDate(-1, 0, 0))
		_, err := f.svc.Upload(ctx, UploadCommand{
			TenantID: f.tenant.ID, Kind: fiscal.CredentialFIEL,
			Certificate: old.Certificate, Key: old.Key, Password: sattest.Password,
		})
		assert.ErrorIs(t, err, fiscal.ErrCredential)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := f.svc.Upload(ctx, UploadCommand{TenantID: f.tenant.ID, Kind: "PEM", Certificate: good.Certificate, Key: good.Key})
		assert.Equal(t, "INVALID_CREDENTIAL_KIND", shared.CodeOf(err))
	})

	all, err := f.svc.List(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestService_LoadMaterial(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips the uploaded pair", func(t *testing.T) {
		f := newFixture(t, "deployment-secret-for-tests")
		c := validCredential(t, "30001000000500003416")
		_, err := f.svc.Upload(ctx, UploadCommand{
			TenantID: f.tenant.ID, Kind: fiscal.CredentialFIEL,
			Certificate: c.Certificate, Key: c.Key, Password: sattest.Password,
		})
		require.NoError(t, err)

		m, err := f.svc.LoadMaterial(ctx, f.tenant.ID, fiscal.CredentialFIEL)
		require.NoError(t, err)
		assert.Equal(t, c.Serial, m.SerialNumber())
		assert.Equal(t, tenantRFC, m.RFC())
	})

	t.Run("no active credential", func(t *testing.T) {
		f := newFixture(t, "deployment-secret-for-tests")
		_, err := f.svc.LoadMaterial(ctx, f.tenant.ID, fiscal.CredentialFIEL)
		assert.ErrorIs(t, err, fiscal.ErrCredential)
	})

	t.Run("secrets key changed since upload", func(t *testing.T) {
		f := newFixture(t, "deployment-secret-for-tests")
		c := validCredential(t, "30001000000500003416")
		_, err := f.svc.Upload(ctx, UploadCommand{
			TenantID: f.tenant.ID, Kind: fiscal.CredentialFIEL,
			Certificate: c.Certificate, Key: c.Key, Password: sattest.Password,
		})
		require.NoError(t, err)

		rotated, err := secrets.NewBox("another-deployment-secret", nil)
		require.NoError(t, err)
		f.svc.cipher = rotated

		_, err = f.svc.LoadMaterial(ctx, f.tenant.ID, fiscal.CredentialFIEL)
		require.ErrorIs(t, err, fiscal.ErrCredential)
		assert.Contains(t, err.Error(), "secrets key")
	})

	t.Run("expired credential is flagged", func(t *testing.T) {
		f := newFixture(t, "deployment-secret-for-tests")
		c := validCredential(t, "30001000000500003416")
		cred, err := f.svc.Upload(ctx, UploadCommand{
			TenantID: f.tenant.ID, Kind: fiscal.CredentialFIEL,
			Certificate: c.Certificate, Key: c.Key, Password: sattest.Password,
		})
		require.NoError(t, err)

		f.svc.now = func() time.Time { return testNow.AddDate(3, 0, 0) }
		_, err = f.svc.LoadMaterial(ctx, f.tenant.ID, fiscal.CredentialFIEL)
		require.ErrorIs(t, err, fiscal.ErrCredential)

		stored, err := f.repo.FindByID(ctx, f.tenant.ID, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, fiscal.CredentialExpired, stored.Status)
	})
}
