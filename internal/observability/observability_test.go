package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_levels(t *testing.T) {
	logger, err := NewLogger("warn")
	require.NoError(t, err)
	defer logger.Sync()
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	logger, err = NewLogger("nonsense")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	assert.NotNil(t, OrNop(nil))
}

func TestMetrics_recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)

	m.RecordTransition("created")
	m.RecordTransition("created")
	m.RecordFailure("cancel", "already_viewed")
	m.RecordNotificationFailure("inbox")
	m.RecordStatsCache(true)
	m.RecordStatsCache(false)
	m.RecordWebhookDelivery("hook-1", "ok")
	m.RecordHTTPRequest("GET", "/v0/derivations", 200, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DerivationTransitionsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DerivationFailuresTotal.WithLabelValues("cancel", "already_viewed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationFailuresTotal.WithLabelValues("inbox")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatsCacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatsCacheMissesTotal))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "casedesk_derivation_transitions_total"))
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("created")
		m.RecordFailure("create", "x")
		m.RecordNotificationFailure("kafka")
		m.RecordStatsCache(true)
		m.RecordWebhookDelivery("h", "error")
		m.RecordHTTPRequest("GET", "/", 500, time.Second)
	})
}

func TestInitTracing_withoutEndpoint(t *testing.T) {
	for _, name := range []string{"", "casedesk-test"} {
		shutdown, err := InitTracing(context.Background(), name, "")
		require.NoError(t, err)
		_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
		assert.True(t, ok, "sdk tracer provider should be installed")
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestEndSpan_recordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "op", ended[0].Name())
	assert.Equal(t, "boom", ended[0].Status().Description)
}
