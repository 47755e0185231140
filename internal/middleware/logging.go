// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// executionIDKey is the context key for the execution a request operates on.
type executionIDKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// SetExecutionID stores the execution id in the context.
// Handlers call it once the id is known so request logs can be joined with job logs.
func SetExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// GetExecutionID retrieves the execution id from context. Returns empty string if not present.
func GetExecutionID(ctx context.Context) string {
	if id, ok := ctx.Value(executionIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SetErrorCode stores an error code in the context.
// This should be called by handlers when returning error responses.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// contextUpdater is implemented by response writers that want the handler's final context.
type contextUpdater interface {
	updateContext(ctx context.Context)
}

// UpdateResponseContext hands ctx to every wrapping response writer that records it.
// Values a handler adds to its context (error code, execution id) are otherwise
// invisible to middleware that already holds the original request.
// Writers are discovered through Unwrap, so third-party wrappers in between are skipped.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if u, ok := w.(contextUpdater); ok {
			u.updateContext(ctx)
		}
		uw, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = uw.Unwrap()
	}
}

// responseWriter records the status and body size a handler produced, along with
// the context it handed back through UpdateResponseContext.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	ctx         context.Context
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader keeps the first status, as net/http does.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) updateContext(ctx context.Context) {
	rw.ctx = ctx
}

// NewLogger returns the service logger: JSON at info level in production, text at
// debug level elsewhere.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logging writes one "request completed" record per request. Besides method, path,
// status, latency and size it carries the request id and trace id, plus whatever
// inner layers handed back: execution id, idempotency key, and for failed requests
// the error code.
// Server errors log at error level and client errors at warn.
//
// A panicking handler produces no record; recover outside this middleware.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			ctx := r.Context()
			if rw.ctx != nil {
				ctx = rw.ctx
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			optional := []struct{ key, value string }{
				{"request_id", GetRequestID(ctx)},
				{"trace_id", TraceID(ctx)},
				{"execution_id", GetExecutionID(ctx)},
				{"idempotency_key", GetIdempotencyKey(ctx)},
			}
			if rw.statusCode >= http.StatusBadRequest {
				optional = append(optional, struct{ key, value string }{"error_code", GetErrorCode(ctx)})
			}
			for _, o := range optional {
				if o.value != "" {
					attrs = append(attrs, slog.String(o.key, o.value))
				}
			}

			logger.LogAttrs(ctx, statusLevel(rw.statusCode), "request completed", attrs...)
		})
	}
}

func statusLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
