package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/prplab/prioritizer/internal/idempotency"
)

const submission = `{"prp_process_id":7,"prp_execution_id":11,"criteria":[{"id":1,"weight":1}],"issues":[{"id":"A","evaluations":{"1":80}}]}`

// chain serves stand-ins for the prioritizer handlers behind the same middleware
// stack and route wiring the API server uses.
type chain struct {
	handler http.Handler
	metrics *Metrics
	logs    *bytes.Buffer
	spans   *tracetest.SpanRecorder
	created atomic.Int32
}

func newChain(t *testing.T, submitLimit int) *chain {
	t.Helper()
	c := &chain{metrics: NewMetrics(), logs: &bytes.Buffer{}, spans: recordSpans(t)}

	store := NewInMemoryRateLimitStore()
	limited := func(n int, h http.Handler) http.Handler {
		return RateLimiter(store, RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}, IPKeyFunc(), c.metrics)(h)
	}

	createExecution := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := fmt.Sprintf("exec-%d", c.created.Add(1))
		UpdateResponseContext(w, SetExecutionID(r.Context(), id))
		w.Header().Set("Location", "/executions/"+id)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":%q,"status":"pending"}`, id)
	})
	rank := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"algorithm_id":3,"solution":[{"issue_id":"A","position":1}]}`))
	})
	executionByID := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/retry") {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSONError(w, r.Context(), http.StatusNotFound, "not_found", "execution not found")
	})

	mux := http.NewServeMux()
	mux.Handle("/executions", limited(submitLimit,
		IdempotencyMiddleware(idempotency.NewMemoryStore(), map[string]bool{"/executions": true})(createExecution)))
	mux.Handle("/executions/", limited(100, executionByID))
	mux.Handle("/rank", limited(submitLimit, rank))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"up"}`))
	})

	var h http.Handler = HTTPMetrics(c.metrics)(mux)
	h = Logging(slog.New(slog.NewJSONHandler(c.logs, nil)))(h)
	h = Tracing("prioritizer-test")(h)
	c.handler = RequestID(h)
	return c
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return recorder
}

func (c *chain) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:41000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

// records returns the "request completed" log records in order.
func (c *chain) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(c.logs.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", sc.Text(), err)
		}
		if rec["msg"] == "request completed" {
			out = append(out, rec)
		}
	}
	return out
}

func (c *chain) served(method, route, status string) float64 {
	return testutil.ToFloat64(c.metrics.requests.With(prometheus.Labels{"method": method, "route": route, "status": status}))
}

func (c *chain) spanNames() map[string]int {
	names := make(map[string]int)
	for _, s := range c.spans.Ended() {
		names[s.Name()]++
	}
	return names
}

func TestChain_SubmitWithIdempotencyKeyReplays(t *testing.T) {
	c := newChain(t, 10)
	key := map[string]string{IdempotencyKeyHeader: "submit-7-11"}

	first := c.do(http.MethodPost, "/executions", submission, key)
	second := c.do(http.MethodPost, "/executions", submission, key)
	unkeyed := c.do(http.MethodPost, "/executions", submission, nil)

	for i, rr := range []*httptest.ResponseRecorder{first, second, unkeyed} {
		if rr.Code != http.StatusCreated {
			t.Fatalf("response %d: status %d, want 201", i+1, rr.Code)
		}
	}
	if second.Header().Get(ReplayedHeader) != "true" || first.Header().Get(ReplayedHeader) != "" {
		t.Errorf("only the second response should be replayed: %q, %q",
			first.Header().Get(ReplayedHeader), second.Header().Get(ReplayedHeader))
	}
	if first.Header().Get("Location") != "/executions/exec-1" || second.Header().Get("Location") != "/executions/exec-1" {
		t.Errorf("replay should point at the first execution, got %q and %q",
			first.Header().Get("Location"), second.Header().Get("Location"))
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body %s, want %s", second.Body.String(), first.Body.String())
	}
	if got := c.created.Load(); got != 2 {
		t.Errorf("handler created %d executions, want 2", got)
	}

	if got := c.served(http.MethodPost, "/executions", "201"); got != 3 {
		t.Errorf("%s{POST /executions 201} = %v, want 3", MetricHTTPRequestsTotal, got)
	}

	recs := c.records(t)
	if len(recs) != 3 {
		t.Fatalf("got %d request logs, want 3", len(recs))
	}
	if recs[0]["execution_id"] != "exec-1" || recs[0]["idempotency_key"] != "submit-7-11" {
		t.Errorf("first request log = %v, want execution and idempotency key", recs[0])
	}
	if recs[1]["idempotency_key"] != "submit-7-11" {
		t.Errorf("replayed request log = %v, want idempotency key", recs[1])
	}
	if _, ok := recs[2]["idempotency_key"]; ok {
		t.Errorf("unkeyed request log should have no idempotency key: %v", recs[2])
	}
	traces := make(map[any]bool)
	for _, rec := range recs {
		if rec["request_id"] == nil || rec["trace_id"] == nil {
			t.Errorf("request log missing request or trace id: %v", rec)
		}
		traces[rec["trace_id"]] = true
	}
	if len(traces) != 3 {
		t.Errorf("expected one trace per request, got %d distinct", len(traces))
	}
}

func TestChain_SubmitKeyReusedWithOtherBody(t *testing.T) {
	c := newChain(t, 10)
	key := map[string]string{IdempotencyKeyHeader: "submit-7-11"}

	c.do(http.MethodPost, "/executions", submission, key)
	rr := c.do(http.MethodPost, "/executions", strings.Replace(submission, `"1":80`, `"1":90`, 1), key)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "idempotency_key_reused") {
		t.Errorf("body %s, want idempotency_key_reused", rr.Body.String())
	}
	if got := c.created.Load(); got != 1 {
		t.Errorf("handler created %d executions, want 1", got)
	}
	recs := c.records(t)
	if last := recs[len(recs)-1]; last["error_code"] != "idempotency_key_reused" || last["level"] != "WARN" {
		t.Errorf("rejected request log = %v", last)
	}
}

func TestChain_RankUnderSubmitLimit(t *testing.T) {
	c := newChain(t, 2)

	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, c.do(http.MethodPost, "/rank", submission, nil).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("statuses %v, want [200 200 429]", codes)
	}

	// /executions has its own budget under the same limit.
	if rr := c.do(http.MethodPost, "/executions", submission, nil); rr.Code != http.StatusCreated {
		t.Errorf("POST /executions after /rank was limited: status %d", rr.Code)
	}

	allowed := testutil.ToFloat64(c.metrics.rateLimit.WithLabelValues("/rank", OutcomeAllowed))
	blocked := testutil.ToFloat64(c.metrics.rateLimit.WithLabelValues("/rank", OutcomeBlocked))
	if allowed != 2 || blocked != 1 {
		t.Errorf("%s{/rank} allowed=%v blocked=%v, want 2 and 1", MetricRateLimitDecisions, allowed, blocked)
	}
	if got := c.served(http.MethodPost, "/rank", "429"); got != 1 {
		t.Errorf("%s{POST /rank 429} = %v, want 1", MetricHTTPRequestsTotal, got)
	}

	recs := c.records(t)
	limited := recs[2]
	if limited["error_code"] != "rate_limited" || limited["level"] != "WARN" || limited["path"] != "/rank" {
		t.Errorf("limited request log = %v", limited)
	}
}

func TestChain_ExecutionPathsShareRouteLabels(t *testing.T) {
	c := newChain(t, 10)

	c.do(http.MethodGet, "/executions/9b2f6c1e-5d1a-4d0e-8f43-0c6f2a7e9d10", "", nil)
	c.do(http.MethodGet, "/executions/exec-404", "", nil)
	c.do(http.MethodPost, "/executions/exec-1/retry", "", nil)
	c.do(http.MethodGet, "/wp-login.php", "", nil)

	if got := c.served(http.MethodGet, "/executions/{id}", "404"); got != 2 {
		t.Errorf("GET /executions/{id} 404 = %v, want 2", got)
	}
	if got := c.served(http.MethodPost, "/executions/{id}/retry", "202"); got != 1 {
		t.Errorf("POST /executions/{id}/retry 202 = %v, want 1", got)
	}
	if got := c.served(http.MethodGet, otherRoute, "404"); got != 1 {
		t.Errorf("GET other 404 = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.metrics.requests); n != 3 {
		t.Errorf("%d request series, want 3", n)
	}

	names := c.spanNames()
	if names["GET /executions/{id}"] != 2 || names["POST /executions/{id}/retry"] != 1 || names["GET other"] != 1 {
		t.Errorf("span names = %v", names)
	}

	// Logs keep the concrete path.
	if recs := c.records(t); recs[1]["path"] != "/executions/exec-404" {
		t.Errorf("log path = %v, want /executions/exec-404", recs[1]["path"])
	}
}

func TestChain_HealthIsNotMeasured(t *testing.T) {
	c := newChain(t, 10)

	for i := 0; i < 3; i++ {
		rr := c.do(http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK || rr.Header().Get(RequestIDHeader) == "" {
			t.Fatalf("GET /health: status %d, request id %q", rr.Code, rr.Header().Get(RequestIDHeader))
		}
	}

	if n := testutil.CollectAndCount(c.metrics.requests); n != 0 {
		t.Errorf("%d request series after health checks, want 0", n)
	}
	if n := len(c.spans.Ended()); n != 0 {
		t.Errorf("%d spans after health checks, want 0", n)
	}
	if n := len(c.records(t)); n != 3 {
		t.Errorf("%d request logs, want 3", n)
	}
}

func TestChain_ContinuesCallerTrace(t *testing.T) {
	c := newChain(t, 10)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	c.do(http.MethodPost, "/rank", submission, map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})

	spans := c.spans.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != traceID {
		t.Errorf("span trace id %s, want %s", got, traceID)
	}
	if got := spans[0].Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("span parent %s, want the caller's span", got)
	}
	if recs := c.records(t); recs[0]["trace_id"] != traceID {
		t.Errorf("log trace_id = %v, want %s", recs[0]["trace_id"], traceID)
	}
}

func TestTraceID_NoSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("TraceID() = %q, want empty", id)
	}
}
