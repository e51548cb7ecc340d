package config

import (
	"os"
	"strconv"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/resilience"
)

type Config struct {
	APIPort           string
	APIMaxConnections int
	LogLevel          string

	LeafAPIURL            string
	LeafAPITimeoutSeconds int

	DefaultThreshold float64
	ModelCatalogPath string

	HistoryListTTLSeconds   int
	DeleteConfirmTTLSeconds int

	PostgresDSN string

	NATSURL     string
	NATSSubject string

	StoragePath string

	APIRateLimitRPS   float64
	APIRateLimitBurst int

	BreakerEnabled            bool
	BreakerMinRequests        int
	BreakerFailureRatio       float64
	BreakerOpenTimeoutSeconds int

	WorkerMetricsPort string
}

func Load() Config {
	return Config{
		APIPort:           mustEnv("API_PORT", "8080"),
		APIMaxConnections: mustEnvInt("API_MAX_CONNECTIONS", 256),
		LogLevel:          mustEnv("LOG_LEVEL", "info"),

		LeafAPIURL:            mustEnv("LEAF_API_URL", "http://localhost:8000"),
		LeafAPITimeoutSeconds: mustEnvInt("LEAF_API_TIMEOUT_SECONDS", 60),

		DefaultThreshold: mustEnvFloat("DEFAULT_THRESHOLD", 0.8),
		ModelCatalogPath: mustEnv("MODEL_CATALOG_PATH", ""),

		HistoryListTTLSeconds:   mustEnvInt("HISTORY_LIST_TTL_SECONDS", 30),
		DeleteConfirmTTLSeconds: mustEnvInt("DELETE_CONFIRM_TTL_SECONDS", 120),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),

		NATSURL:     mustEnv("NATS_URL", ""),
		NATSSubject: mustEnv("NATS_SUBJECT", "predictions.completed"),

		StoragePath: mustEnv("STORAGE_PATH", "./data/exports"),

		APIRateLimitRPS:   mustEnvFloat("API_RATE_LIMIT_RPS", 20),
		APIRateLimitBurst: mustEnvInt("API_RATE_LIMIT_BURST", 40),

		BreakerEnabled:            mustEnvBool("BREAKER_ENABLED", true),
		BreakerMinRequests:        mustEnvInt("BREAKER_MIN_REQUESTS", 5),
		BreakerFailureRatio:       mustEnvFloat("BREAKER_FAILURE_RATIO", 0.6),
		BreakerOpenTimeoutSeconds: mustEnvInt("BREAKER_OPEN_TIMEOUT_SECONDS", 15),

		WorkerMetricsPort: mustEnv("WORKER_METRICS_PORT", "9090"),
	}
}

func (c Config) LeafAPITimeout() time.Duration {
	return seconds(c.LeafAPITimeoutSeconds)
}

func (c Config) HistoryListTTL() time.Duration {
	return seconds(c.HistoryListTTLSeconds)
}

func (c Config) DeleteConfirmTTL() time.Duration {
	return seconds(c.DeleteConfirmTTLSeconds)
}

func (c Config) Breaker() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.Enabled = c.BreakerEnabled
	if c.BreakerMinRequests > 0 {
		cfg.MinRequests = uint32(c.BreakerMinRequests)
	}
	cfg.FailureRatio = c.BreakerFailureRatio
	cfg.OpenTimeout = seconds(c.BreakerOpenTimeoutSeconds)
	return cfg
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
