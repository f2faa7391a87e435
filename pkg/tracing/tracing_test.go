package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	rterrors "github.com/tokmz/realtime/pkg/errors"
	"github.com/tokmz/realtime/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.ExporterType = "zipkin"
	err := cfg.Validate()
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.SamplingRate = 1.5
	assert.Equal(t, 3201, rterrors.Code(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.ServiceName = ""
	assert.Error(t, cfg.Validate())
}

func TestNewTracerProviderDisabled(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	cfg := DefaultConfig()
	cfg.ExporterType = ExporterOTLPGRPC
	cfg.Enabled = false

	tp, err := NewTracerProvider(context.Background(), cfg, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Shutdown(context.Background()) })
	assert.Same(t, tp, GetTracerProvider())

	_, span := StartSpan(context.Background(), "unit")
	span.End()
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "unit", rec.Ended()[0].Name())
	assert.Equal(t, defaultTracerName, rec.Ended()[0].InstrumentationScope().Name)
}

func TestNewTracerProviderInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExporterType = "jaeger"
	_, err := NewTracerProvider(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestShutdownWithoutProvider(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER", "")
	cfg := DefaultConfig()

	cfg.SamplingType = "always"
	assert.Equal(t, sdktrace.AlwaysSample().Description(), newSampler(cfg).Description())

	cfg.SamplingType = "never"
	assert.Equal(t, sdktrace.NeverSample().Description(), newSampler(cfg).Description())

	cfg.SamplingType = "ratio"
	cfg.SamplingRate = 0.25
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), newSampler(cfg).Description())

	t.Setenv("OTEL_TRACES_SAMPLER", "traceidratio")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.5).Description(), newSampler(cfg).Description())

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "nope")
	assert.Equal(t, 1.0, envRatio())
}

func TestParseResourceAttributes(t *testing.T) {
	attrs := parseResourceAttributes("region=eu-west, pod = a1,broken")
	require.Len(t, attrs, 2)
	assert.Equal(t, "region", string(attrs[0].Key))
	assert.Equal(t, "a1", attrs[1].Value.AsString())
}

func TestMiddleware(t *testing.T) {
	rec := installRecorder(t)

	var traceID string
	r := gin.New()
	r.Use(Middleware(SkipPaths("/healthz")))
	r.GET("/ws/stats", func(c *gin.Context) {
		traceID = logger.TraceIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, traceID)
	assert.Contains(t, w.Header().Get("traceparent"), traceID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /ws/stats", spans[0].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestMiddlewareContinuesUpstreamTrace(t *testing.T) {
	rec := installRecorder(t)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Ended()[0].SpanContext().TraceID().String())
}

func TestSpanHelpers(t *testing.T) {
	rec := installRecorder(t)

	_, span := StartSpan(context.Background(), "helpers")
	SetAttributes(span, map[string]any{"user_id": "u1", "count": 3, "ok": true, "ratio": 0.5, "other": struct{}{}})
	AddEvent(span, "queued", map[string]any{"depth": int64(2)})
	AddEvent(span, "bare", nil)
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	require.Len(t, rec.Ended(), 1)
	s := rec.Ended()[0]
	assert.Len(t, s.Attributes(), 5)
	// RecordError 会追加一个 exception 事件
	assert.Len(t, s.Events(), 3)
	assert.Equal(t, codes.Error, s.Status().Code)
}
