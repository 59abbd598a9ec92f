package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultSlowQuery = 200 * time.Millisecond
	// Document inserts carry the whole stamped XML; keep log lines readable.
	maxLoggedSQL = 2048
)

// GormLogger sends GORM output to zap, tagged with the pipeline ids found
// in the query context (request, tenant, download request, package).
type GormLogger struct {
	logger *zap.Logger
	level  gormlogger.LogLevel
	slow   time.Duration
	maxSQL int
}

// NewGormLogger logs at level; queries slower than slow are warnings. A
// zero slow uses 200ms.
func NewGormLogger(l *zap.Logger, level gormlogger.LogLevel, slow time.Duration) *GormLogger {
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &GormLogger{logger: l.Named("gorm"), level: level, slow: slow, maxSQL: maxLoggedSQL}
}

// LogMode returns a copy at level.
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.with(ctx).Sugar().Infof(msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.with(ctx).Sugar().Warnf(msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.with(ctx).Sugar().Errorf(msg, data...)
	}
}

// Trace logs one statement. Missing rows are not errors here: repositories
// turn them into ErrNotFound and the caller decides.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound)
	slow := elapsed >= l.slow
	if !(failed && l.level >= gormlogger.Error) && !(slow && l.level >= gormlogger.Warn) && l.level < gormlogger.Info {
		return
	}

	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", l.truncate(sql)),
	}
	log := l.with(ctx)
	switch {
	case failed:
		log.Error("query failed", append(fields, zap.Error(err))...)
	case slow:
		log.Warn("slow query", append(fields, zap.Duration("threshold", l.slow))...)
	default:
		log.Debug("query", fields...)
	}
}

func (l *GormLogger) with(ctx context.Context) *zap.Logger {
	return WithLogger(ctx, l.logger).Zap()
}

func (l *GormLogger) truncate(sql string) string {
	if len(sql) <= l.maxSQL {
		return sql
	}
	var b strings.Builder
	b.Grow(l.maxSQL + 32)
	b.WriteString(sql[:l.maxSQL])
	b.WriteString("... (truncated)")
	return b.String()
}

// MapGormLogLevel maps the application log level onto GORM's. Debug logs
// every statement; anything unknown keeps only slow queries and errors.
func MapGormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
