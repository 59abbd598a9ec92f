// Package persistencetest opens throwaway SQLite databases carrying the
// full schema, for tests of packages above the repositories.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/persistence"
)

// NewDB opens a private in-memory database with every table migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(persistence.AllModels()...))
	return db
}

// SeedTenant stores an active tenant with rfc and returns it.
func SeedTenant(t testing.TB, db *gorm.DB, rfc string) *fiscal.Tenant {
	t.Helper()
	tenant := &fiscal.Tenant{ID: uuid.New(), RFC: rfc, Name: "Tenant " + rfc, Active: true}
	require.NoError(t, persistence.NewGormTenantRepository(db).Save(context.Background(), tenant))
	return tenant
}
