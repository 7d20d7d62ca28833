// Package config provides configuration loading and validation for the
// bookstrack job-orchestration backend.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Port is the TCP port the server listens on (e.g. "8080").
	Port string

	// DBPath is the filesystem path to the SQLite database file.
	DBPath string

	// LogLevel controls application logging: debug, info, warn, error.
	LogLevel string

	// ShutdownTimeout is the default timeout for graceful shutdown (e.g. "30s").
	ShutdownTimeout time.Duration

	// ProviderTimeout bounds each metadata provider call during fan-out.
	ProviderTimeout time.Duration

	// EnrichConcurrency is the worker-pool width for batch enrichment.
	EnrichConcurrency int

	// RateLimitMax is the number of requests admitted per key per window on
	// the expensive job endpoints.
	RateLimitMax int

	// RateLimitWindow is the fixed rate-limit window duration.
	RateLimitWindow time.Duration

	// GlobalQPS and GlobalBurst configure the API-wide admission bucket.
	GlobalQPS   float64
	GlobalBurst int

	// S3Bucket is the bucket holding uploaded shelf photos. When empty the
	// server falls back to the in-memory blob store (local development).
	S3Bucket string

	// S3Region is the AWS region for the photo bucket.
	S3Region string

	// S3Endpoint optionally overrides the S3 endpoint (minio, localstack).
	S3Endpoint string

	// LLMAPIKey authenticates calls to the CSV-parsing LLM provider. When
	// empty the CSV pipeline is served by the echo parser (tests, local dev).
	LLMAPIKey string

	// LLMModel names the LLM model used for CSV parsing.
	LLMModel string

	// SweepInterval controls how often the stale-job sweeper runs.
	SweepInterval time.Duration
}

// Load reads configuration from environment variables, applies defaults and
// validates required values. It returns a configured Config or an error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     strings.TrimSpace(os.Getenv("BOOKS_PORT")),
		DBPath:   strings.TrimSpace(os.Getenv("BOOKS_DB_PATH")),
		LogLevel: strings.TrimSpace(os.Getenv("BOOKS_LOG_LEVEL")),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	} else {
		// normalize
		cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	}

	var err error
	if cfg.ShutdownTimeout, err = durationEnv("BOOKS_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = durationEnv("BOOKS_PROVIDER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = durationEnv("BOOKS_RATE_LIMIT_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("BOOKS_SWEEP_INTERVAL", 6*time.Hour); err != nil {
		return nil, err
	}

	if cfg.EnrichConcurrency, err = intEnv("BOOKS_ENRICH_CONCURRENCY", 10); err != nil {
		return nil, err
	}
	if cfg.EnrichConcurrency <= 0 {
		return nil, fmt.Errorf("BOOKS_ENRICH_CONCURRENCY must be > 0")
	}

	if cfg.RateLimitMax, err = intEnv("BOOKS_RATE_LIMIT_MAX", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("BOOKS_RATE_LIMIT_MAX must be > 0")
	}

	if cfg.GlobalBurst, err = intEnv("BOOKS_GLOBAL_BURST", 200); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(os.Getenv("BOOKS_GLOBAL_QPS")); v == "" {
		cfg.GlobalQPS = 100
	} else {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BOOKS_GLOBAL_QPS: %w", err)
		}
		cfg.GlobalQPS = f
	}

	// Validate DBPath is present
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("BOOKS_DB_PATH is required")
	}

	cfg.S3Bucket = strings.TrimSpace(os.Getenv("BOOKS_S3_BUCKET"))
	cfg.S3Region = strings.TrimSpace(os.Getenv("BOOKS_S3_REGION"))
	cfg.S3Endpoint = strings.TrimSpace(os.Getenv("BOOKS_S3_ENDPOINT"))
	if cfg.S3Bucket != "" && cfg.S3Region == "" {
		return nil, fmt.Errorf("BOOKS_S3_REGION is required when BOOKS_S3_BUCKET is set")
	}

	cfg.LLMAPIKey = strings.TrimSpace(os.Getenv("BOOKS_LLM_API_KEY"))
	cfg.LLMModel = strings.TrimSpace(os.Getenv("BOOKS_LLM_MODEL"))
	if cfg.LLMModel == "" {
		cfg.LLMModel = "gemini-2.0-flash"
	}

	return cfg, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func intEnv(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
