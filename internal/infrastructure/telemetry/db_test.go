package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sampleRow struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:100"`
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&sampleRow{}))
	return db
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDefaultDBTracingConfig(t *testing.T) {
	cfg := DefaultDBTracingConfig()
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.LogFullSQL, "query variables stay out of spans by default")
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQueryThresh)
	assert.Equal(t, "postgresql", cfg.DBSystem)
}

func TestDBTracingPlugin_Disabled(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	db := setupTestDB(t)

	require.NoError(t, NewDBTracingPlugin(DBTracingConfig{}, zap.New(core)).RegisterOtelGorm(db))
	assert.Equal(t, 1, logs.FilterMessage("Database tracing disabled, skipping otelgorm registration").Len())
}

func TestDBTracingPlugin_AnnotatesSlowQueries(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	db := setupTestDB(t)
	plugin := NewDBTracingPlugin(DBTracingConfig{Enabled: true, SlowQueryThresh: time.Nanosecond, DBSystem: "sqlite"}, zap.NewNop())
	require.NoError(t, plugin.RegisterOtelGorm(db))

	ctx, span := tp.Tracer("test").Start(context.Background(), "parent")

	// annotate runs against the span carried by the statement context
	stmtDB := &gorm.DB{Statement: &gorm.Statement{
		Context: context.WithValue(ctx, tracingStartKey, time.Now().Add(-time.Second)),
		Table:   "sample_rows",
		DB:      &gorm.DB{RowsAffected: 3},
	}}
	plugin.annotate(stmtDB, "SELECT")
	span.End()

	var parent sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "parent" {
			parent = s
		}
	}
	require.NotNil(t, parent)
	attrs := map[string]any{}
	for _, kv := range parent.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, true, attrs["db.slow_query"])
	assert.Equal(t, "sample_rows", attrs["db.sql.table"])
	assert.Equal(t, int64(3), attrs["db.rows_affected"])
	require.NotEmpty(t, parent.Events())
	assert.Equal(t, "slow_query_warning", parent.Events()[0].Name)
}

func TestDBTracingPlugin_DoubleRegistrationFails(t *testing.T) {
	db := setupTestDB(t)
	plugin := NewDBTracingPlugin(DBTracingConfig{Enabled: true}, zap.NewNop())
	require.NoError(t, plugin.RegisterOtelGorm(db))
	assert.Error(t, plugin.RegisterOtelGorm(db))
}

func TestDBMetrics_RecordsQueries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := NewDBMetrics(provider.Meter("test"), DBMetricsConfig{SlowQueryThreshold: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "db_metrics", metrics.Name())

	db := setupTestDB(t)
	require.NoError(t, db.Use(metrics))

	require.NoError(t, db.Create(&sampleRow{Name: "kettle"}).Error)
	var rows []sampleRow
	require.NoError(t, db.Find(&rows).Error)
	require.NoError(t, db.Exec("DELETE FROM sample_rows").Error)

	got := collect(t, reader)
	assert.Equal(t, int64(3), sumOf(t, got["db_query_total"]))
	assert.NotContains(t, got, "db_slow_query_total")

	metrics.RecordQuery(context.Background(), "select", "", 2*time.Hour)
	got = collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, got["db_slow_query_total"]))
}

func TestDBMetrics_PoolStatsAndStop(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := NewDBMetrics(provider.Meter("test"), DBMetricsConfig{PoolStatsInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	sqlDB, err := setupTestDB(t).DB()
	require.NoError(t, err)
	metrics.StartPoolStatsCollection(context.Background(), sqlDB)

	assert.Eventually(t, func() bool {
		_, ok := collect(t, reader)["db_pool_connections"]
		return ok
	}, time.Second, 5*time.Millisecond)

	metrics.Stop()
	assert.NotPanics(t, metrics.Stop)
}

func TestRegisterDBMetrics_DisabledProvider(t *testing.T) {
	mp, err := NewMeterProvider(context.Background(), MetricsConfig{}, zap.NewNop())
	require.NoError(t, err)

	metrics, err := RegisterDBMetrics(context.Background(), setupTestDB(t), mp, DefaultDBMetricsConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, metrics)
}

func TestDetectOperationType(t *testing.T) {
	tests := []struct{ sql, want string }{
		{"SELECT * FROM order_records", "SELECT"},
		{"  insert into session_messages", "INSERT"},
		{"UPDATE customer_sessions SET", "UPDATE"},
		{"delete from processed_payment_events", "DELETE"},
		{"PRAGMA foreign_keys", "OTHER"},
		{"", "OTHER"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectOperationType(tt.sql), tt.sql)
	}
}
