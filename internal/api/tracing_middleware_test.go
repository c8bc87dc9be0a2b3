package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

func recordingTracer(t *testing.T) (*observability.Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return observability.NewTracerWithProvider(provider, "deployer-test"), recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func onlySpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	return spans[0]
}

func TestTracingNamesRedeploySpanByRoute(t *testing.T) {
	tracer, recorder := recordingTracer(t)
	ts := newTestServerWith(t, func(d *Dependencies) { d.Tracer = tracer })
	dep := ts.deployment(t, alice, ts.instance(t, alice), models.StatusSuccess)

	rec := ts.do(t, http.MethodPost, "/api/v1/deployments/"+dep.ID.String()+"/redeploy", alice, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	span := onlySpan(t, recorder)
	assert.Equal(t, "POST /api/v1/deployments/{id}/redeploy", span.Name())

	id, ok := spanAttr(span, observability.AttrDeploymentID)
	require.True(t, ok)
	assert.Equal(t, dep.ID.String(), id.AsString())

	user, ok := spanAttr(span, observability.AttrUserID)
	require.True(t, ok)
	assert.Equal(t, alice, user.AsString())

	status, ok := spanAttr(span, "http.status_code")
	require.True(t, ok)
	assert.EqualValues(t, http.StatusAccepted, status.AsInt64())
}

func TestTracingTagsInstanceRoutes(t *testing.T) {
	tracer, recorder := recordingTracer(t)
	ts := newTestServerWith(t, func(d *Dependencies) { d.Tracer = tracer })
	inst := ts.instance(t, alice)

	rec := ts.do(t, http.MethodGet, "/api/v1/instances/"+inst.ID.String(), bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	span := onlySpan(t, recorder)
	assert.Equal(t, "GET /api/v1/instances/{id}", span.Name())
	id, ok := spanAttr(span, observability.AttrInstanceID)
	require.True(t, ok)
	assert.Equal(t, inst.ID.String(), id.AsString())
	_, ok = spanAttr(span, observability.AttrDeploymentID)
	assert.False(t, ok)
}

func TestTracingFollowsUpgradedLogStream(t *testing.T) {
	tracer, recorder := recordingTracer(t)
	ts := newTestServerWith(t, func(d *Dependencies) { d.Tracer = tracer })
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set(UserIDHeader, alice)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/logs/stream"), header)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ts.hub.Count(alice) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(recorder.Ended()) == 1 }, 5*time.Second, 10*time.Millisecond)
	span := recorder.Ended()[0]
	assert.Equal(t, "GET /api/v1/logs/stream", span.Name())

	upgraded, ok := spanAttr(span, "http.upgraded")
	require.True(t, ok)
	assert.True(t, upgraded.AsBool())
	status, _ := spanAttr(span, "http.status_code")
	assert.EqualValues(t, http.StatusSwitchingProtocols, status.AsInt64())
}

func TestTracingMarksServerErrors(t *testing.T) {
	tracer, recorder := recordingTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware(tracer))
	r.Get("/api/v1/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, http.StatusServiceUnavailable, "queue down")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	span := onlySpan(t, recorder)
	assert.Equal(t, codes.Error, span.Status().Code)
	_, ok := spanAttr(span, observability.AttrUserID)
	assert.False(t, ok)
}

func TestTracingFallsBackToNormalizedPath(t *testing.T) {
	tracer, recorder := recordingTracer(t)
	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	id := "0b6f3c3e-8a9f-4d7e-9b39-3f3b0c1d2e4f"
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/v1/instances/"+id, nil))

	span := onlySpan(t, recorder)
	assert.Equal(t, "DELETE /api/v1/instances/{id}", span.Name())
	assert.Equal(t, codes.Unset, span.Status().Code)
}

func TestGetScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.Equal(t, "http", getScheme(req))

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https", getScheme(req))
}

func TestAddTraceIDToResponseWithoutSpan(t *testing.T) {
	rec := httptest.NewRecorder()
	AddTraceIDToResponse(rec, context.Background())
	assert.Empty(t, rec.Header().Get("X-Trace-ID"))
}
