package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing opens a server span per request, named by method and Route, for example
// "POST /executions". An incoming W3C traceparent header becomes the span's parent.
// Place it inside RequestID so the span carries the request id.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		annotated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attribute.String("http.route", Route(r.URL.Path)))
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}
			next.ServeHTTP(w, r)
		})

		return otelhttp.NewHandler(annotated, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + Route(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool { return !untracked(r.URL.Path) }),
		)
	}
}

// TraceID returns the trace id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
