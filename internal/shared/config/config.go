package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	QuotaBackendMemory = "memory"
	QuotaBackendRedis  = "redis"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port           string
	Env            string
	GatewayPrefix  string
	TrustedProxies []string

	// Logging
	LogLevel  string
	LogFormat string

	// Stores
	StoreBackend    string
	DatabaseURL     string
	DatabaseMigrate bool
	CatalogSeedFile string

	// Redis
	RedisURL string

	// Quota
	QuotaBackend       string
	DefaultRateLimit   int
	DefaultRateWindow  time.Duration
	QuotaFailOpen      bool
	QuotaSweepInterval time.Duration

	// Upstream
	UpstreamTimeout         time.Duration
	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	// Catalog caching
	CatalogCacheEnabled    bool
	CatalogCacheTTLSeconds int

	// Usage recording
	UsageMaxInflight  int
	UsageWriteTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		GatewayPrefix:           getEnv("GATEWAY_PREFIX", "/gateway"),
		TrustedProxies:          getEnvList("TRUSTED_PROXIES"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
		StoreBackend:            strings.ToLower(getEnv("STORE_BACKEND", StoreBackendPostgres)),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		DatabaseMigrate:         getEnvBool("DATABASE_MIGRATE", true),
		CatalogSeedFile:         getEnv("CATALOG_SEED_FILE", ""),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379"),
		QuotaBackend:            strings.ToLower(getEnv("QUOTA_BACKEND", QuotaBackendRedis)),
		DefaultRateLimit:        getEnvInt("DEFAULT_RATE_LIMIT", 100),
		DefaultRateWindow:       getEnvDuration("DEFAULT_RATE_WINDOW", 15*time.Minute),
		QuotaFailOpen:           getEnvBool("QUOTA_FAIL_OPEN", false),
		QuotaSweepInterval:      getEnvDuration("QUOTA_SWEEP_INTERVAL", time.Minute),
		UpstreamTimeout:         getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		BreakerEnabled:          getEnvBool("BREAKER_ENABLED", true),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		CatalogCacheEnabled:     getEnvBool("CATALOG_CACHE_ENABLED", true),
		CatalogCacheTTLSeconds:  getEnvInt("CATALOG_CACHE_TTL_SECONDS", 60),
		UsageMaxInflight:        getEnvInt("USAGE_MAX_INFLIGHT", 256),
		UsageWriteTimeout:       getEnvDuration("USAGE_WRITE_TIMEOUT", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StoreBackendPostgres)
		}
	case StoreBackendMemory:
		if c.CatalogSeedFile == "" {
			return fmt.Errorf("CATALOG_SEED_FILE is required when STORE_BACKEND=%s", StoreBackendMemory)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.QuotaBackend {
	case QuotaBackendMemory:
	case QuotaBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUOTA_BACKEND=%s", QuotaBackendRedis)
		}
	default:
		return fmt.Errorf("unknown QUOTA_BACKEND %q", c.QuotaBackend)
	}

	if c.CatalogCacheEnabled && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when CATALOG_CACHE_ENABLED=true")
	}
	if !strings.HasPrefix(c.GatewayPrefix, "/") {
		return fmt.Errorf("GATEWAY_PREFIX must start with /")
	}
	if c.DefaultRateLimit <= 0 || c.DefaultRateWindow <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT and DEFAULT_RATE_WINDOW must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if c.UsageMaxInflight <= 0 || c.UsageWriteTimeout <= 0 {
		return fmt.Errorf("USAGE_MAX_INFLIGHT and USAGE_WRITE_TIMEOUT must be positive")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.QuotaBackend == QuotaBackendRedis || c.CatalogCacheEnabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
