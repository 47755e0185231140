// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/prplab/prioritizer/internal/algorithm"
	"github.com/prplab/prioritizer/internal/api"
	"github.com/prplab/prioritizer/internal/config"
	"github.com/prplab/prioritizer/internal/db"
	"github.com/prplab/prioritizer/internal/execution"
	"github.com/prplab/prioritizer/internal/health"
	"github.com/prplab/prioritizer/internal/idempotency"
	"github.com/prplab/prioritizer/internal/jobs"
	"github.com/prplab/prioritizer/internal/middleware"
	"github.com/prplab/prioritizer/internal/outranking"
	"github.com/prplab/prioritizer/internal/tracing"
	"github.com/prplab/prioritizer/migrations"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = 5 * time.Minute
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Prioritizer API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := make([]any, 0, 2*len(cfg.LogSummary()))
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// closer is a cleanup step run on shutdown, in reverse order of registration.
type closer struct {
	name string
	fn   func(context.Context) error
}

// app owns the long-lived resources of the server.
type app struct {
	logger  *slog.Logger
	server  *http.Server
	runner  *jobs.Runner
	closers []closer
}

func (a *app) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Error("failed to close resource", "resource", c.name, "error", err)
		}
	}
}

// run builds the server and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		if a != nil {
			a.close(context.Background())
		}
		return err
	}
	return a.serve(ctx)
}

// newApp wires stores, queue, runner and router from cfg.
// On error the partially built app is returned so its resources can be closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return a, fmt.Errorf("tracing: %w", err)
	}
	a.onClose("tracer", tp.Shutdown)

	catalog, err := algorithm.LoadCatalog(cfg.AlgorithmCatalogPath, outranking.Config{
		Scale:        cfg.RankScale,
		TieTolerance: cfg.RankTieTolerance,
	})
	if err != nil {
		return a, fmt.Errorf("algorithm catalog: %w", err)
	}

	registry := prometheus.NewRegistry()
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		return a, fmt.Errorf("register http metrics: %w", err)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		return a, fmt.Errorf("register job metrics: %w", err)
	}

	repo, storeChecker, err := a.openStore(ctx, cfg)
	if err != nil {
		return a, err
	}

	deps := routerDeps{
		Logger:      logger,
		Executions:  repo,
		Catalog:     catalog,
		HTTPMetrics: httpMetrics,
		Registry:    registry,
		SubmitLimit: middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimitRequests,
			WindowDuration:    cfg.RateLimitWindow,
		},
	}

	var queue jobs.Queue
	var queueChecker api.HealthChecker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return a, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.onClose("redis", func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return a, fmt.Errorf("connect redis: %w", err)
		}

		redisQueue := jobs.NewRedisQueue(client, cfg.QueueName)
		queue = redisQueue
		queueChecker = health.Queue(redisQueue)
		if cfg.RateLimitRequests > 0 {
			deps.RateLimitStore = middleware.NewRedisRateLimitStore(client).WithMetrics(httpMetrics)
		}
		deps.Idempotency = idempotency.NewRedisStore(client, cfg.IdempotencyTTL)
		logger.Info("using redis for queue, rate limits and idempotency keys", "queue", cfg.QueueName)
	} else {
		queue = jobs.NewChannelQueue(jobs.DefaultChannelQueueSize)

		bgCtx, cancel := context.WithCancel(context.Background())
		a.onClose("background cleanup", func(context.Context) error { cancel(); return nil })

		if cfg.RateLimitRequests > 0 {
			store := middleware.NewInMemoryRateLimitStore()
			go cleanupRateLimits(bgCtx, store)
			deps.RateLimitStore = store
		}
		idem := idempotency.NewMemoryStore()
		go idempotency.RunPurge(bgCtx, idem, cleanupInterval, cfg.IdempotencyTTL)
		deps.Idempotency = idem
	}
	a.onClose("queue", func(context.Context) error { return queue.Close() })

	a.runner = jobs.NewRunner(jobs.RunnerConfig{
		Workers:     cfg.RankingWorkers,
		MaxAttempts: cfg.RankingMaxAttempts,
		RetryDelay:  cfg.RankingRetryDelay,
		Timeout:     cfg.RankingTimeout,
		Logger:      logger,
		Metrics:     jobMetrics,
	}, repo, queue, catalog)
	deps.Submitter = a.runner
	deps.Health = api.HealthHandlersConfig{
		StoreChecker:   storeChecker,
		QueueChecker:   queueChecker,
		MetricsEnabled: true,
	}

	a.server = &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      newRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// openStore selects the execution repository for cfg.StoreBackend.
func (a *app) openStore(ctx context.Context, cfg *config.Config) (execution.Repository, api.HealthChecker, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		conn, err := db.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		a.onClose("postgres", func(context.Context) error { return conn.Close() })
		if err := db.Migrate(ctx, conn, migrations.FS); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		a.logger.Info("using postgres execution store")
		return execution.NewPostgresRepository(conn, a.logger), health.Postgres(conn), nil

	case config.StoreMongo:
		client, err := db.ConnectMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, nil, err
		}
		a.onClose("mongo", func(ctx context.Context) error { return client.Disconnect(ctx) })
		a.logger.Info("using mongo execution store", "database", cfg.MongoDatabase)
		return execution.NewMongoRepository(client.Database(cfg.MongoDatabase), a.logger), health.Mongo(client), nil

	default:
		a.logger.Warn("using in-memory execution store; executions are lost on restart")
		return execution.NewInMemoryRepository(), nil, nil
	}
}

func cleanupRateLimits(ctx context.Context, store *middleware.InMemoryRateLimitStore) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Cleanup()
		}
	}
}

// serve starts the runner and the HTTP server and blocks until ctx is done,
// then shuts down the server, the runner and the stores in that order.
func (a *app) serve(ctx context.Context) error {
	defer a.close(context.Background())

	if err := a.runner.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting server", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)
		a.runner.Stop()
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
