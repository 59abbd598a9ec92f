package sat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

type countingLoader struct {
	material *CredentialMaterial
	loads    atomic.Int32
	err      error
}

func (l *countingLoader) LoadMaterial(_ context.Context, _ uuid.UUID, kind fiscal.CredentialKind) (*CredentialMaterial, error) {
	l.loads.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	if kind != fiscal.CredentialFIEL {
		return nil, fiscal.NewCredentialError("only FIEL is loaded here")
	}
	return l.material, nil
}

func newTestPool(t *testing.T, loader MaterialLoader) *ClientPool {
	t.Helper()
	pool, err := NewClientPool(DefaultClientConfig(), loader, time.Hour, nil)
	require.NoError(t, err)
	pool.now = func() time.Time { return testNow }
	return pool
}

func TestClientPool_ForTenant(t *testing.T) {
	loader := &countingLoader{material: validTestCredential(t).material}
	pool := newTestPool(t, loader)
	tenantID := uuid.New()

	first, err := pool.ForTenant(context.Background(), tenantID)
	require.NoError(t, err)
	second, err := pool.ForTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), loader.loads.Load())

	// Past the TTL the material is reloaded; the same serial keeps the client.
	pool.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	third, err := pool.ForTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Same(t, first, third)
	assert.Equal(t, int32(2), loader.loads.Load())
}

func TestClientPool_LoaderError(t *testing.T) {
	pool := newTestPool(t, &countingLoader{err: fiscal.NewCredentialError("no active FIEL")})
	_, err := pool.ForTenant(context.Background(), uuid.New())
	assert.ErrorIs(t, err, fiscal.ErrCredential)
}

func TestClientPool_Consult(t *testing.T) {
	pool := newTestPool(t, &countingLoader{})
	assert.Same(t, pool.Consult(), pool.Consult())
}

func TestRotationHandler(t *testing.T) {
	loader := &countingLoader{material: validTestCredential(t).material}
	pool := newTestPool(t, loader)
	tenantID := uuid.New()
	_, err := pool.ForTenant(context.Background(), tenantID)
	require.NoError(t, err)

	h := NewRotationHandler(pool)
	assert.Equal(t, []string{fiscal.EventTypeCredentialActivated}, h.EventTypes())

	csd, err := fiscal.NewSigningCredential(tenantID, fiscal.CredentialCSD, "AAA010101AAA", "1", testNow, testNow.AddDate(1, 0, 0), testNow)
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), csd.GetDomainEvents()[0]))
	_, err = pool.ForTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.loads.Load(), "a CSD does not rotate the signing client")

	fiel, err := fiscal.NewSigningCredential(tenantID, fiscal.CredentialFIEL, "AAA010101AAA", "2", testNow, testNow.AddDate(1, 0, 0), testNow)
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), fiel.GetDomainEvents()[0]))
	_, err = pool.ForTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.loads.Load())
}
