// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/prplab/prioritizer/internal/tracing"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Execution store
	StoreBackend  string `koanf:"store_backend"`
	DatabaseURL   string `koanf:"database_url"`
	MongoURL      string `koanf:"mongodb_url"`
	MongoDatabase string `koanf:"mongodb_database"`

	// Redis backs the task queue, rate limits and idempotency keys when set
	RedisURL  string `koanf:"redis_url"`
	QueueName string `koanf:"queue_name"`

	// Ranking jobs
	RankingWorkers     int           `koanf:"ranking_workers"`
	RankingMaxAttempts int           `koanf:"ranking_max_attempts"`
	RankingRetryDelay  time.Duration `koanf:"ranking_retry_delay"`
	RankingTimeout     time.Duration `koanf:"ranking_timeout"`

	// Fuzzy outranking parameters
	RankScale            float64 `koanf:"rank_scale"`
	RankTieTolerance     float64 `koanf:"rank_tie_tolerance"`
	AlgorithmCatalogPath string  `koanf:"algorithm_catalog_path"`

	// Rate limiting of ranking submissions; 0 requests disables it
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`

	// Idempotency-Key retention
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otel_exporter_otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL   = errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
	ErrMissingMongoURL      = errors.New("MONGODB_URL is required when STORE_BACKEND=mongo")
	ErrInvalidStoreBackend  = errors.New("STORE_BACKEND must be one of memory, postgres, mongo")
	ErrInvalidPort          = errors.New("PORT must be a valid integer")
	ErrInvalidNumber        = errors.New("value must be a valid number")
	ErrInvalidDuration      = errors.New("value must be a valid duration")
	ErrInvalidWorkers       = errors.New("RANKING_WORKERS must be > 0")
	ErrInvalidMaxAttempts   = errors.New("RANKING_MAX_ATTEMPTS must be > 0")
	ErrInvalidRankScale     = errors.New("RANK_SCALE must be a positive finite number")
	ErrInvalidTieTolerance  = errors.New("RANK_TIE_TOLERANCE must be >= 0")
	ErrInvalidRateLimit     = errors.New("RATE_LIMIT_REQUESTS must be >= 0 and RATE_LIMIT_WINDOW > 0")
	ErrInvalidSampleRate    = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidTraceExporter = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
)

// Default values for non-secret configuration.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultStoreBackend       = StoreMemory
	DefaultMongoDatabase      = "prioritizer"
	DefaultQueueName          = "prioritizer:ranking"
	DefaultRankingWorkers     = 4
	DefaultRankingMaxAttempts = 3
	DefaultRankingRetryDelay  = 2 * time.Second
	DefaultRankingTimeout     = 30 * time.Second
	DefaultRankScale          = 100.0
	DefaultRateLimitRequests  = 30
	DefaultRateLimitWindow    = time.Minute
	DefaultIdempotencyTTL     = 24 * time.Hour
	DefaultTracingExporter    = tracing.ExporterOTLPHTTP
	DefaultTracingSampleRate  = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"PRIORITIZER_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	workers, err := getEnvIntOrDefault("RANKING_WORKERS", k.Int("ranking_workers"), DefaultRankingWorkers)
	collect(err)
	maxAttempts, err := getEnvIntOrDefault("RANKING_MAX_ATTEMPTS", k.Int("ranking_max_attempts"), DefaultRankingMaxAttempts)
	collect(err)
	retryDelay, err := getEnvDurationOrDefault("RANKING_RETRY_DELAY", k.Duration("ranking_retry_delay"), DefaultRankingRetryDelay)
	collect(err)
	timeout, err := getEnvDurationOrDefault("RANKING_TIMEOUT", k.Duration("ranking_timeout"), DefaultRankingTimeout)
	collect(err)
	scale, err := getEnvFloatOrDefault("RANK_SCALE", k.Float64("rank_scale"), DefaultRankScale)
	collect(err)
	tolerance, err := getEnvFloatOrDefault("RANK_TIE_TOLERANCE", k.Float64("rank_tie_tolerance"), 0)
	collect(err)
	window, err := getEnvDurationOrDefault("RATE_LIMIT_WINDOW", k.Duration("rate_limit_window"), DefaultRateLimitWindow)
	collect(err)
	idempotencyTTL, err := getEnvDurationOrDefault("IDEMPOTENCY_TTL", k.Duration("idempotency_ttl"), DefaultIdempotencyTTL)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	// Zero is meaningful here (disabled), so the file value is used whenever present
	rateLimit := DefaultRateLimitRequests
	if k.Exists("rate_limit_requests") {
		rateLimit = k.Int("rate_limit_requests")
	}
	rateLimit, err = getEnvIntOrDefault("RATE_LIMIT_REQUESTS", rateLimit, rateLimit)
	collect(err)

	cfg := &Config{
		Port:                 port,
		Env:                  getEnvOrDefaultMulti([]string{"PRIORITIZER_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		StoreBackend:         strings.ToLower(getEnvOrDefault("STORE_BACKEND", k.String("store_backend"), DefaultStoreBackend)),
		DatabaseURL:          getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		MongoURL:             getEnvOrKoanf("MONGODB_URL", k, "mongodb_url"),
		MongoDatabase:        getEnvOrDefault("MONGODB_DATABASE", k.String("mongodb_database"), DefaultMongoDatabase),
		RedisURL:             getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		QueueName:            getEnvOrDefault("QUEUE_NAME", k.String("queue_name"), DefaultQueueName),
		RankingWorkers:       workers,
		RankingMaxAttempts:   maxAttempts,
		RankingRetryDelay:    retryDelay,
		RankingTimeout:       timeout,
		RankScale:            scale,
		RankTieTolerance:     tolerance,
		AlgorithmCatalogPath: getEnvOrKoanf("ALGORITHM_CATALOG_PATH", k, "algorithm_catalog_path"),
		RateLimitRequests:    rateLimit,
		RateLimitWindow:      window,
		IdempotencyTTL:       idempotencyTTL,
		TracingEnabled:       getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:      getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:         getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_exporter_otlp_endpoint"),
		TracingSampleRate:    sampleRate,
		TracingInsecure:      getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable as a duration if set,
// otherwise the koanf value, or default.
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration such as 30s: %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault returns the environment variable as a bool if it holds a
// recognised value, otherwise the koanf value if present, or default.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// Validate checks that all required configuration values are present and in range.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case StoreMongo:
		if c.MongoURL == "" {
			errs = append(errs, ErrMissingMongoURL)
		}
	default:
		errs = append(errs, ErrInvalidStoreBackend)
	}

	if c.RankingWorkers <= 0 {
		errs = append(errs, ErrInvalidWorkers)
	}
	if c.RankingMaxAttempts <= 0 {
		errs = append(errs, ErrInvalidMaxAttempts)
	}
	if !(c.RankScale > 0) || math.IsInf(c.RankScale, 0) {
		errs = append(errs, ErrInvalidRankScale)
	}
	if !(c.RankTieTolerance >= 0) || math.IsInf(c.RankTieTolerance, 0) {
		errs = append(errs, ErrInvalidTieTolerance)
	}
	if c.RateLimitRequests < 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}

	if c.TracingEnabled {
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
		if c.TracingExporter != tracing.ExporterOTLPHTTP && c.TracingExporter != tracing.ExporterOTLPGRPC {
			errs = append(errs, ErrInvalidTraceExporter)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                   strconv.Itoa(c.Port),
		"env":                    c.Env,
		"store_backend":          c.StoreBackend,
		"database_url":           maskDatabaseURL(c.DatabaseURL),
		"mongodb_url":            maskDatabaseURL(c.MongoURL),
		"mongodb_database":       c.MongoDatabase,
		"redis_url":              maskDatabaseURL(c.RedisURL),
		"queue_name":             c.QueueName,
		"ranking_workers":        strconv.Itoa(c.RankingWorkers),
		"ranking_max_attempts":   strconv.Itoa(c.RankingMaxAttempts),
		"ranking_retry_delay":    c.RankingRetryDelay.String(),
		"ranking_timeout":        c.RankingTimeout.String(),
		"rank_scale":             strconv.FormatFloat(c.RankScale, 'g', -1, 64),
		"rank_tie_tolerance":     strconv.FormatFloat(c.RankTieTolerance, 'g', -1, 64),
		"algorithm_catalog_path": c.AlgorithmCatalogPath,
		"rate_limit_requests":    strconv.Itoa(c.RateLimitRequests),
		"rate_limit_window":      c.RateLimitWindow.String(),
		"idempotency_ttl":        c.IdempotencyTTL.String(),
		"tracing_enabled":        strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":       c.TracingExporter,
		"tracing_sample_rate":    strconv.FormatFloat(c.TracingSampleRate, 'g', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, mongodb:// and redis:// URLs.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
