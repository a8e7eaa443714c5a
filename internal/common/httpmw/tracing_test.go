package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func tracedRouter(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	r := gin.New()
	r.Use(otelTracing(tp.Tracer("test")))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/sessions/:sessionId/turns", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/sessions/:sessionId", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	return r, rec
}

func serve(r *gin.Engine, method, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestOtelTracing_TurnStreamSpan(t *testing.T) {
	r, rec := tracedRouter(t)
	serve(r, http.MethodPost, "/api/v1/sessions/s-1/turns")

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /api/v1/sessions/:sessionId/turns", spans[0].Name())
	a := attrs(spans[0])
	assert.Equal(t, "s-1", a["session.id"].AsString())
	assert.Equal(t, streamNDJSON, a["turn.stream"].AsString())
	assert.Equal(t, int64(http.StatusOK), a["http.response.status_code"].AsInt64())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestOtelTracing_ServerErrorAndWebSocket(t *testing.T) {
	r, rec := tracedRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-2", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, streamWebSocket, attrs(spans[0])["turn.stream"].AsString())
}

func TestOtelTracing_SkipsOperationalAndUnmatchedPaths(t *testing.T) {
	r, rec := tracedRouter(t)
	serve(r, http.MethodGet, "/health")
	serve(r, http.MethodGet, "/no/such/route")

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET unmatched", spans[0].Name())
}
