package telemetry

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDisabledProvidersAreNoops(t *testing.T) {
	ctx := context.Background()
	cfg := Config{ServiceName: "cfdi-test"}

	tp, err := NewTracerProvider(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, tp.Enabled())
	assert.NoError(t, tp.Shutdown(ctx))

	mp, err := NewMeterProvider(ctx, cfg, 0, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, mp.Meter("test"))
	assert.NoError(t, mp.Shutdown(ctx))

	lp, err := NewLoggerProvider(ctx, cfg)
	require.NoError(t, err)
	base := zap.NewNop()
	assert.Same(t, base, lp.Bridge(base, "cfdi-test", zapcore.InfoLevel))
	assert.NoError(t, lp.Shutdown(ctx))

	p, err := NewProfiler(ProfilerConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Stop())
}

func TestNewProfiler_RequiresAddress(t *testing.T) {
	_, err := NewProfiler(ProfilerConfig{Enabled: true, ApplicationName: "cfdi"}, zap.NewNop())
	assert.Error(t, err)
}

func TestProfile_RunsFunction(t *testing.T) {
	ran := false
	Profile(context.Background(), func(context.Context) { ran = true }, "job_kind", "poll", "dangling")
	assert.True(t, ran)
}

func TestLevelCore_FiltersBelowMinimum(t *testing.T) {
	inner, logs := observer.New(zapcore.DebugLevel)
	core := &levelCore{Core: inner, min: zapcore.WarnLevel}
	log := zap.New(core).With(zap.String("tenant_id", "t1"))

	log.Info("dropped")
	log.Warn("kept")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "kept", entry.Message)
	assert.Equal(t, "t1", entry.ContextMap()["tenant_id"])
}

func TestRegisterPoolMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	_, err := RegisterPoolMetrics(provider.Meter("db"), func() sql.DBStats {
		return sql.DBStats{MaxOpenConnections: 10, InUse: 2, Idle: 3, WaitCount: 7}
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}
	conns, ok := byName["db_pool_connections"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Len(t, conns.DataPoints, 2)

	maxOpen, ok := byName["db_pool_connections_max"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(10), maxOpen.DataPoints[0].Value)

	waits, ok := byName["db_pool_wait_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(7), waits.DataPoints[0].Value)
}
