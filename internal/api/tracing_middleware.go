package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/alvesdmateus/instance-deployer/internal/observability"
)

// TracingMiddleware opens a server span per request. The span is renamed
// after routing so it carries the chi pattern rather than the raw path,
// and is tagged with the caller and the deployment or instance addressed.
func TracingMiddleware(tracer *observability.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPScheme(getScheme(r)),
					semconv.HTTPTarget(r.URL.Path),
					semconv.NetHostName(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
					attribute.String("http.client_ip", getClientIP(r)),
				),
			)
			defer span.End()

			if user := r.Header.Get(UserIDHeader); user != "" {
				span.SetAttributes(observability.AttrUserID.String(user))
			}
			AddTraceIDToResponse(w, ctx)

			wrapper := &tracingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r.WithContext(ctx))

			route := getRoutePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
			if attr, ok := resourceAttribute(r, route); ok {
				span.SetAttributes(attr)
			}

			span.SetAttributes(
				semconv.HTTPStatusCode(wrapper.statusCode),
				attribute.Int("http.response_content_length", wrapper.bytesWritten),
				attribute.Bool("http.upgraded", wrapper.hijacked),
			)
			if wrapper.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
			}
		})
	}
}

// resourceAttribute maps the {id} of a deployment or instance route to
// the matching span attribute
func resourceAttribute(r *http.Request, route string) (attribute.KeyValue, bool) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return attribute.KeyValue{}, false
	}
	id := rctx.URLParam("id")
	switch {
	case id == "":
		return attribute.KeyValue{}, false
	case strings.HasPrefix(route, "/api/v1/deployments/"):
		return observability.AttrDeploymentID.String(id), true
	case strings.HasPrefix(route, "/api/v1/instances/"):
		return observability.AttrInstanceID.String(id), true
	}
	return attribute.KeyValue{}, false
}

// tracingResponseWriter records what the handler sent
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	hijacked     bool
}

func (w *tracingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

func (w *tracingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets websocket upgrades for the log stream and the shell pass
// through the wrapper
func (w *tracingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, err
	}
	w.statusCode = http.StatusSwitchingProtocols
	w.hijacked = true
	return conn, rw, nil
}

func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return normalizePath(r)
}

func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// GetTraceID returns the trace id of the span in ctx, or "" without one
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// AddTraceIDToResponse exposes the trace id as X-Trace-ID
func AddTraceIDToResponse(w http.ResponseWriter, ctx context.Context) {
	if traceID := GetTraceID(ctx); traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}
}
