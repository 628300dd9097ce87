// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	DefaultHTTPPort  = ":8080"
	DefaultMainline  = "main"
	DefaultKeyPrefix = "changeflow:"
)

// Storage driver names accepted in STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPPort      string
	StorageDriver string

	// redis driver
	RedisAddr      string
	RedisKeyPrefix string

	// durable snapshot behind the redis cache
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Key      string
	S3Secret   string

	// postgres driver
	PgConnStr string

	// Mainline names the protected branch; it seeds the branch protection
	// when no protection has been stored yet.
	Mainline string
}

func NewConfig(logger *zap.Logger) (Config, error) {
	cfg := Config{}

	if err := godotenv.Load(); err != nil {
		logger.Debug("could not load .env file", zap.Error(err))
	}

	cfg.HTTPPort = normalizePort(getenv("HTTP_PORT", DefaultHTTPPort))
	cfg.StorageDriver = getenv("STORAGE_DRIVER", DriverMemory)
	cfg.Mainline = getenv("MAINLINE_BRANCH", DefaultMainline)

	switch cfg.StorageDriver {
	case DriverMemory:

	case DriverRedis:
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			return cfg, fmt.Errorf("REDIS_ADDR environment variable is required for the redis driver")
		}
		cfg.RedisKeyPrefix = getenv("REDIS_KEY_PREFIX", DefaultKeyPrefix)
		cfg.S3Bucket = os.Getenv("S3_BUCKET")
		cfg.S3Region = getenv("S3_REGION", "us-east-1")
		cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
		cfg.S3Key = os.Getenv("S3_ACCESS_KEY_ID")
		cfg.S3Secret = os.Getenv("S3_SECRET_ACCESS_KEY")

	case DriverPostgres:
		cfg.PgConnStr = os.Getenv("POSTGRES_CONNECTION_STRING")
		if cfg.PgConnStr == "" {
			return cfg, fmt.Errorf("POSTGRES_CONNECTION_STRING environment variable is required for the postgres driver")
		}

	default:
		return cfg, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func normalizePort(port string) string {
	if port != "" && port[0] != ':' {
		return ":" + port
	}
	return port
}
