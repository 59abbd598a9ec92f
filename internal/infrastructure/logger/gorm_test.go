package logger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func observedGorm(level gormlogger.LogLevel, slow time.Duration) (*GormLogger, *observer.ObservedLogs) {
	core, recorded := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), level, slow), recorded
}

func query(sql string, rows int64) func() (string, int64) {
	return func() (string, int64) { return sql, rows }
}

func TestGormLogger_Defaults(t *testing.T) {
	l, _ := observedGorm(gormlogger.Warn, 0)
	assert.Equal(t, defaultSlowQuery, l.slow)

	switched, ok := l.LogMode(gormlogger.Info).(*GormLogger)
	require.True(t, ok)
	assert.Equal(t, gormlogger.Info, switched.level)
	assert.Equal(t, gormlogger.Warn, l.level, "LogMode must not touch the receiver")
}

func TestGormLogger_Trace(t *testing.T) {
	past := time.Now().Add(-time.Second)

	tests := []struct {
		name    string
		level   gormlogger.LogLevel
		begin   time.Time
		err     error
		wantMsg string
		wantLvl zapcore.Level
	}{
		{"failure", gormlogger.Error, time.Now(), errors.New("duplicate key"), "query failed", zapcore.ErrorLevel},
		{"slow", gormlogger.Warn, past, nil, "slow query", zapcore.WarnLevel},
		{"every statement at info", gormlogger.Info, time.Now(), nil, "query", zapcore.DebugLevel},
		{"missing row at info is a plain query", gormlogger.Info, time.Now(), gormlogger.ErrRecordNotFound, "query", zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, recorded := observedGorm(tt.level, 500*time.Millisecond)
			l.Trace(context.Background(), tt.begin, query("SELECT 1", 1), tt.err)

			entries := recorded.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantMsg, entries[0].Message)
			assert.Equal(t, tt.wantLvl, entries[0].Level)
			assert.Equal(t, "SELECT 1", entries[0].ContextMap()["sql"])
		})
	}
}

func TestGormLogger_TraceQuiet(t *testing.T) {
	t.Run("silent", func(t *testing.T) {
		l, recorded := observedGorm(gormlogger.Silent, 0)
		l.Trace(context.Background(), time.Now(), query("SELECT 1", 0), errors.New("boom"))
		assert.Zero(t, recorded.Len())
	})

	t.Run("missing row at error level", func(t *testing.T) {
		l, recorded := observedGorm(gormlogger.Error, 0)
		called := false
		l.Trace(context.Background(), time.Now(), func() (string, int64) {
			called = true
			return "SELECT 1", 0
		}, gormlogger.ErrRecordNotFound)
		assert.Zero(t, recorded.Len())
		assert.False(t, called, "SQL is not rendered when nothing is logged")
	})

	t.Run("fast query at warn level", func(t *testing.T) {
		l, recorded := observedGorm(gormlogger.Warn, time.Hour)
		l.Trace(context.Background(), time.Now(), query("SELECT 1", 1), nil)
		assert.Zero(t, recorded.Len())
	})
}

func TestGormLogger_ContextFields(t *testing.T) {
	l, recorded := observedGorm(gormlogger.Info, 0)
	ctx := WithTenantID(context.Background(), "tenant-1")
	ctx = WithPackageID(ctx, "PKG_01")
	ctx = WithRequestID(ctx, "req-9")

	l.Trace(ctx, time.Now(), query("INSERT INTO fiscal_documents ...", 1), nil)

	fields := recorded.All()[0].ContextMap()
	assert.Equal(t, "tenant-1", fields["tenant_id"])
	assert.Equal(t, "PKG_01", fields["package_id"])
	assert.Equal(t, "req-9", fields["request_id"])
}

func TestGormLogger_TruncatesLongStatements(t *testing.T) {
	l, recorded := observedGorm(gormlogger.Info, 0)
	long := "INSERT INTO fiscal_documents (raw_xml) VALUES ('" + strings.Repeat("x", 3*maxLoggedSQL) + "')"

	l.Trace(context.Background(), time.Now(), query(long, 1), nil)

	sql := recorded.All()[0].ContextMap()["sql"].(string)
	assert.Len(t, sql, maxLoggedSQL+len("... (truncated)"))
	assert.True(t, strings.HasSuffix(sql, "(truncated)"))
}

func TestGormLogger_Messages(t *testing.T) {
	l, recorded := observedGorm(gormlogger.Warn, 0)
	ctx := context.Background()

	l.Info(ctx, "ignored %d", 1)
	l.Warn(ctx, "pool nearly exhausted: %d", 9)
	l.Error(ctx, "lost connection: %s", "eof")

	entries := recorded.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "pool nearly exhausted: 9", entries[0].Message)
	assert.Equal(t, "lost connection: eof", entries[1].Message)
	assert.Equal(t, "gorm", entries[0].LoggerName)
}

func TestMapGormLogLevel(t *testing.T) {
	tests := map[string]gormlogger.LogLevel{
		"silent": gormlogger.Silent,
		"error":  gormlogger.Error,
		"warn":   gormlogger.Warn,
		"info":   gormlogger.Warn,
		"DEBUG":  gormlogger.Info,
		"":       gormlogger.Warn,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapGormLogLevel(in), in)
	}
}
