// Package integration runs the repositories against a real PostgreSQL
// started with testcontainers, with the embedded schema applied.
package integration

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/infrastructure/config"
	"github.com/cfdisync/backend/internal/infrastructure/migration"
	"github.com/cfdisync/backend/internal/infrastructure/persistence"
)

var (
	sharedMu        sync.Mutex
	sharedContainer *tcpostgres.PostgresContainer
	sharedConfig    config.DatabaseConfig
)

// TestDB is a migrated database inside a throwaway container.
type TestDB struct {
	*persistence.Database
	Config config.DatabaseConfig
}

// NewTestDB returns a connection to the package-wide container, starting
// and migrating it on first use. Tests isolate themselves with fresh
// tenants instead of truncating.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test needs docker")
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	ctx := context.Background()
	if sharedContainer == nil {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("cfdisync_test"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		require.NoError(t, err, "start postgres container")

		host, err := container.Host(ctx)
		require.NoError(t, err)
		port, err := container.MappedPort(ctx, "5432/tcp")
		require.NoError(t, err)
		portNum, err := strconv.Atoi(port.Port())
		require.NoError(t, err)

		sharedContainer = container
		sharedConfig = config.DatabaseConfig{
			Host:            host,
			Port:            portNum,
			User:            "postgres",
			Password:        "postgres",
			DBName:          "cfdisync_test",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5,
			ConnMaxIdleTime: 1,
		}

		db := open(t, sharedConfig)
		sqlDB, err := db.DB.DB()
		require.NoError(t, err)
		m, err := migration.New(sqlDB, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, m.Up())
		// Closing the migrator closes db as well.
		require.NoError(t, m.Close())
	}

	db := open(t, sharedConfig)
	t.Cleanup(func() { _ = db.Close() })
	return &TestDB{Database: db, Config: sharedConfig}
}

func open(t *testing.T, cfg config.DatabaseConfig) *persistence.Database {
	t.Helper()
	db, err := persistence.NewDatabase(&cfg)
	require.NoError(t, err, "connect to postgres")
	return db
}

// TerminateShared stops the package-wide container. Call it from TestMain.
func TerminateShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedContainer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = sharedContainer.Terminate(ctx)
	sharedContainer = nil
}
