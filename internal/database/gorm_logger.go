package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const maxSQLLength = 200

// zapGormLogger routes gorm's query log into zap. Statements are logged at debug level;
// failures other than a missing row are logged at error level.
type zapGormLogger struct {
	logger *zap.Logger
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return zapGormLogger{logger: logger.Named("gorm")}
}

// LogMode is a no-op; zap's level decides what is emitted.
func (l zapGormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

func (l zapGormLogger) Info(_ context.Context, msg string, args ...any) {
	l.logger.Info(fmt.Sprintf(msg, args...))
}

func (l zapGormLogger) Warn(_ context.Context, msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l zapGormLogger) Error(_ context.Context, msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLength {
		return sql
	}
	half := (maxSQLLength - 3) / 2
	return sql[:half] + "..." + sql[len(sql)-half:]
}

func (l zapGormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		sql, rows := fc()
		l.logger.Error("gorm query error",
			zap.String("sql", truncateSQL(sql)),
			zap.Int64("rows", rows),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return
	}

	if !l.logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}

	sql, rows := fc()
	l.logger.Debug("gorm query",
		zap.String("sql", truncateSQL(sql)),
		zap.Int64("rows", rows),
		zap.Duration("duration", elapsed),
	)
}
