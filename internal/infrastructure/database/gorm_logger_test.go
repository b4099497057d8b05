package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestOpen_RoutesQueryErrorsToZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	db, err := Open(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxIdleConns: 1,
		LogLevel:     "warn",
	}, zap.New(core))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	var group model.Group
	assert.Error(t, db.First(&group, 42).Error)
	assert.Zero(t, logs.FilterMessage("query failed").Len(), "record not found stays quiet")

	require.Error(t, db.Exec("SELECT * FROM no_such_table").Error)
	failed := logs.FilterMessage("query failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "gorm", failed[0].LoggerName)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)
	assert.Contains(t, failed[0].ContextMap()["sql"], "no_such_table")
}

func TestGormLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := newGormLogger(zap.New(core), gormlogger.Warn)
	query := func() (string, int64) { return " SELECT 1 ", 1 }
	ctx := context.Background()

	base.Trace(ctx, time.Now(), query, nil)
	assert.Zero(t, logs.Len(), "fast queries are not logged at warn")

	base.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	slow := logs.FilterMessage("slow query").All()
	require.Len(t, slow, 1)
	assert.Equal(t, "SELECT 1", slow[0].ContextMap()["sql"])

	base.LogMode(gormlogger.Info).Trace(ctx, time.Now(), query, nil)
	assert.Equal(t, 1, logs.FilterMessage("query").FilterLevelExact(zapcore.DebugLevel).Len())

	base.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), query, errors.New("boom"))
	base.Info(ctx, "ignored at warn")
	assert.Equal(t, 2, logs.Len())

	sql, params := base.ParamsFilter(ctx, "UPDATE payout SET status = ?", "paid")
	assert.Equal(t, "UPDATE payout SET status = ?", sql)
	assert.Nil(t, params)
}
