package orm

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tokmz/realtime/pkg/logger"
)

type row struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func memoryConfig() *Config {
	cfg := DefaultConfig()
	cfg.DSN = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	return cfg
}

func TestNewSQLite(t *testing.T) {
	cfg := memoryConfig()
	cfg.Logger = logger.Nop()
	cfg.TablePrefix = "rt_"

	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.AutoMigrate(&row{}))
	require.NoError(t, db.Create(&row{Name: "a"}).Error)

	var got row
	require.NoError(t, db.Table("rt_rows").First(&got).Error)
	assert.Equal(t, "a", got.Name)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(&Config{Type: SQLite})
	assert.Error(t, err)

	_, err = New(&Config{Type: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestTracingPlugin(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := memoryConfig()
	cfg.Tracing = true
	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, db.AutoMigrate(&row{}))

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	require.NoError(t, db.WithContext(ctx).Create(&row{Name: "b"}).Error)
	var missing row
	err = db.WithContext(ctx).Where("name = ?", "nobody").First(&missing).Error
	require.Error(t, err)
	parent.End()

	var create, query sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Parent().SpanID() != parent.SpanContext().SpanID() {
			continue
		}
		switch s.Name() {
		case "gorm.create":
			create = s
		case "gorm.query":
			query = s
		}
	}
	require.NotNil(t, create)
	require.NotNil(t, query)
	assert.Equal(t, codes.Ok, create.Status().Code)
	// 记录未找到不算错误
	assert.Equal(t, codes.Ok, query.Status().Code)
}

func TestCloseReleasesPool(t *testing.T) {
	db, err := New(memoryConfig())
	require.NoError(t, err)
	require.NoError(t, Close(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
}
