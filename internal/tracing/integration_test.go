package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/prplab/prioritizer/internal/middleware"
	"github.com/prplab/prioritizer/internal/tracing"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return recorder
}

// TestEndToEndTracing follows a request through the HTTP middleware into a
// ranking span and a repository span.
func TestEndToEndTracing(t *testing.T) {
	recorder := installRecorder(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, endRank := tracing.StartSpan(r.Context(), "rank_execution",
			attribute.String("execution.id", "e-1"),
		)
		tracing.SetAttributes(ctx, attribute.Int("issues", 3))

		_, endSave := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationUpdate)
		endSave(nil)

		tracing.AddEvent(ctx, "solution_saved", attribute.Bool("success", true))
		endRank(nil)

		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/executions/e-1", nil)
	rr := httptest.NewRecorder()
	middleware.Tracing("prioritizer-test")(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		for i, span := range spans {
			t.Logf("span %d: %s", i, span.Name())
		}
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range spans {
		byName[span.Name()] = span
	}
	for _, name := range []string{"GET /executions/{id}", "rank_execution", "update executions"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("missing span %q", name)
		}
	}

	traceID := spans[0].SpanContext().TraceID()
	for _, span := range spans {
		if span.SpanContext().TraceID() != traceID {
			t.Errorf("span %q has trace ID %s, want %s", span.Name(), span.SpanContext().TraceID(), traceID)
		}
	}

	rank, save := byName["rank_execution"], byName["update executions"]
	if rank != nil && save != nil && save.Parent().SpanID() != rank.SpanContext().SpanID() {
		t.Error("expected repository span to be a child of the ranking span")
	}
	if save != nil {
		want := map[attribute.Key]string{
			"db.system":    "postgresql",
			"db.operation": "update",
			"db.sql.table": "executions",
		}
		for _, attr := range save.Attributes() {
			if v, ok := want[attr.Key]; ok {
				if attr.Value.AsString() != v {
					t.Errorf("%s = %q, want %q", attr.Key, attr.Value.AsString(), v)
				}
				delete(want, attr.Key)
			}
		}
		for k := range want {
			t.Errorf("repository span missing %s", k)
		}
	}
}

func TestTracingDisabled(t *testing.T) {
	provider, err := tracing.NewProvider(tracing.Config{ServiceName: "prioritizer-test"})
	if err != nil {
		t.Fatalf("failed to create disabled provider: %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}

	// Helpers still work against the no-op provider.
	ctx, end := tracing.StartSpan(context.Background(), "rank_execution")
	tracing.SetAttributes(ctx, attribute.String("key", "value"))
	tracing.AddEvent(ctx, "event")
	end(nil)
}

// TestTraceContextPropagation checks that an incoming W3C traceparent header
// becomes the parent of the server span.
func TestTraceContextPropagation(t *testing.T) {
	installRecorder(t)

	const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var captured string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = middleware.TraceID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/executions/e-1/retry", nil)
	req.Header.Set("traceparent", "00-"+incomingTraceID+"-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	middleware.Tracing("prioritizer-test")(handler).ServeHTTP(rr, req)

	if captured != incomingTraceID {
		t.Errorf("expected trace ID %s, got %q", incomingTraceID, captured)
	}
}
