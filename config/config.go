package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port         string // default: 8080
	Env          string // "production" switches logging to JSON
	MaxBatchSize int64  // default: 100000

	// Counter
	BillingTier     string // default: FREE
	HistoryCapacity int    // default: 1000

	// Store (empty URL means memory-only mode)
	StoreURL      string
	StoreDatabase string // default: receipt_counter, used by MongoDB

	// Persistence worker
	PersistQueueSize int // default: 10000
	PersistWorkers   int // default: 4

	// Rate Limiting (disabled when RedisAddr is empty)
	RedisAddr          string
	RateLimitPerMinute int64 // receipts per tenant per minute, default: 1000000

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: info
	LogFormat            string // "json" or "console"; empty picks by Env
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("APP_ENV", "development"),
		BillingTier:          getEnv("BILLING_TIER", "FREE"),
		StoreURL:             os.Getenv("STORE_URL"),
		StoreDatabase:        getEnv("STORE_DATABASE", "receipt_counter"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            os.Getenv("LOG_FORMAT"),
	}

	var err error
	if cfg.MaxBatchSize, err = getInt64("MAX_BATCH_SIZE", 100_000); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getInt64("RATE_LIMIT_PER_MINUTE", 1_000_000); err != nil {
		return nil, err
	}

	capacity, err := getInt64("HISTORY_CAPACITY", 1000)
	if err != nil {
		return nil, err
	}
	cfg.HistoryCapacity = int(capacity)

	queueSize, err := getInt64("PERSIST_QUEUE_SIZE", 10_000)
	if err != nil {
		return nil, err
	}
	cfg.PersistQueueSize = int(queueSize)

	workers, err := getInt64("PERSIST_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	cfg.PersistWorkers = int(workers)

	// Validation
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if cfg.HistoryCapacity < 2 {
		return nil, fmt.Errorf("HISTORY_CAPACITY must be at least 2")
	}
	if cfg.PersistWorkers < 1 {
		return nil, fmt.Errorf("PERSIST_WORKERS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
