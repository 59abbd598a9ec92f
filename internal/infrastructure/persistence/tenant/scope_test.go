package tenant

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type scopedRow struct {
	ID       uint `gorm:"primaryKey"`
	TenantID uuid.UUID
	Name     string
}

func setupScopeDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&scopedRow{}))
	return db
}

func TestScope(t *testing.T) {
	db := setupScopeDB(t)
	tenantA, tenantB := uuid.New(), uuid.New()
	require.NoError(t, db.Create(&[]scopedRow{
		{TenantID: tenantA, Name: "a1"},
		{TenantID: tenantA, Name: "a2"},
		{TenantID: tenantB, Name: "b1"},
	}).Error)

	t.Run("returns only the tenant's rows", func(t *testing.T) {
		var rows []scopedRow
		require.NoError(t, db.Scopes(Scope(tenantA)).Find(&rows).Error)
		assert.Len(t, rows, 2)
		for _, r := range rows {
			assert.Equal(t, tenantA, r.TenantID)
		}
	})

	t.Run("nil tenant fails the query", func(t *testing.T) {
		var rows []scopedRow
		err := db.Scopes(Scope(uuid.Nil)).Find(&rows).Error
		assert.ErrorIs(t, err, ErrTenantIDRequired)
		assert.Empty(t, rows)
	})
}
