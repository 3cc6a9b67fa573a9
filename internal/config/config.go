package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultDSN = "host=localhost user=postgres password=postgres dbname=depot port=5432 sslmode=disable"

// MissingVariantPolicy decides what a stock adjustment does when no ledger row
// exists for the (item, size) pair.
type MissingVariantPolicy string

const (
	MissingVariantSkip MissingVariantPolicy = "skip"
	MissingVariantFail MissingVariantPolicy = "fail"
)

type Config struct {
	HTTPPort    string
	DatabaseDSN string
	DBLogLevel  string
	JWTSecret   string
	CORSOrigins string
	LogLevel    string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	VariantCacheTTL time.Duration

	MissingVariantPolicy MissingVariantPolicy
	RateLimit            string
	DefaultActor         string

	warnings []string
}

// Load reads the environment, after an optional .env file, into a Config.
// Fatal misconfiguration is returned as an error; soft problems end up in Warnings.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".env could not be read: %w", err)
	}

	cfg := &Config{
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseDSN:          getEnv("DATABASE_DSN", defaultDSN),
		DBLogLevel:           getEnv("DB_LOG_LEVEL", "warn"),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		CORSOrigins:          getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		MissingVariantPolicy: MissingVariantPolicy(strings.ToLower(getEnv("MISSING_VARIANT_POLICY", string(MissingVariantSkip)))),
		RateLimit:            getEnv("RATE_LIMIT", "100-M"),
		DefaultActor:         getEnv("DEFAULT_ACTOR", "System"),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("REDIS_DB must be an integer: %w", err)
	}
	if cfg.VariantCacheTTL, err = time.ParseDuration(getEnv("VARIANT_CACHE_TTL", "5m")); err != nil {
		return nil, fmt.Errorf("VARIANT_CACHE_TTL is not a duration: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	switch cfg.MissingVariantPolicy {
	case MissingVariantSkip, MissingVariantFail:
	default:
		return nil, fmt.Errorf("MISSING_VARIANT_POLICY must be %q or %q, got %q", MissingVariantSkip, MissingVariantFail, cfg.MissingVariantPolicy)
	}

	if cfg.DatabaseDSN == defaultDSN {
		cfg.warnings = append(cfg.warnings, "DATABASE_DSN uses the default value, set your own Postgres connection for production")
	}
	if cfg.CORSOrigins == "http://localhost:5173" {
		cfg.warnings = append(cfg.warnings, "CORS_ALLOWED_ORIGINS uses the default value, set your own domain for production")
	}
	if cfg.RedisAddr == "" {
		cfg.warnings = append(cfg.warnings, "REDIS_ADDR is empty, variant option cache is disabled")
	}

	return cfg, nil
}

func (c *Config) Warnings() []string {
	return c.warnings
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
