package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prplab/prioritizer/internal/algorithm"
	"github.com/prplab/prioritizer/internal/api"
	"github.com/prplab/prioritizer/internal/execution"
	"github.com/prplab/prioritizer/internal/idempotency"
	"github.com/prplab/prioritizer/internal/middleware"
)

const (
	serviceName    = "prioritizer-api"
	serviceVersion = "0.1.0"
)

// routerDeps holds everything the HTTP surface needs.
type routerDeps struct {
	Logger     *slog.Logger
	Executions execution.Repository
	Catalog    *algorithm.Catalog
	Submitter  api.Submitter
	Health     api.HealthHandlersConfig

	// RateLimitStore is nil when rate limiting is disabled.
	RateLimitStore middleware.RateLimitStore
	SubmitLimit    middleware.RateLimitConfig

	Idempotency idempotency.Store

	HTTPMetrics *middleware.Metrics
	// Registry is served on /metrics when set.
	Registry *prometheus.Registry
}

// newRouter wires handlers and middleware.
// Chain: RequestID -> Tracing -> Logging -> HTTPMetrics -> mux.
func newRouter(deps routerDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	healthHandlers := api.NewHealthHandlers(deps.Health)
	algorithmHandlers := api.NewAlgorithmHandlers(deps.Catalog)
	executionHandlers := api.NewExecutionHandlers(deps.Executions, deps.Catalog, deps.Submitter)

	limit := func(cfg middleware.RateLimitConfig, h http.Handler) http.Handler {
		if deps.RateLimitStore == nil {
			return h
		}
		return middleware.RateLimiter(deps.RateLimitStore, cfg, middleware.IPKeyFunc(), deps.HTTPMetrics)(h)
	}

	idempotent := func(h http.Handler) http.Handler {
		if deps.Idempotency == nil {
			return h
		}
		return middleware.IdempotencyMiddleware(deps.Idempotency, map[string]bool{"/executions": true})(h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)

	global := middleware.DefaultGlobalLimit()
	mux.Handle("/algorithms", limit(global, http.HandlerFunc(algorithmHandlers.ListAlgorithms)))
	mux.Handle("/algorithms/", limit(global, http.HandlerFunc(algorithmHandlers.GetAlgorithm)))

	mux.Handle("/executions", limit(deps.SubmitLimit, idempotent(http.HandlerFunc(executionHandlers.CreateExecution))))
	mux.Handle("/executions/", limit(global, http.HandlerFunc(executionHandlers.ExecutionByID)))
	mux.Handle("/rank", limit(deps.SubmitLimit, http.HandlerFunc(executionHandlers.Rank)))

	if deps.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact root path, everything else returns 404
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]string{"service": serviceName, "version": serviceVersion}); err != nil {
			logger.Error("failed to write response", "error", err)
		}
	})

	var handler http.Handler = mux
	if deps.HTTPMetrics != nil {
		handler = middleware.HTTPMetrics(deps.HTTPMetrics)(handler)
	}
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	return middleware.RequestID(handler)
}
