// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Count store backends.
const (
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreBolt     = "bolt"
)

// Config holds the process settings read from the environment and an optional
// .env file. Durations use time.ParseDuration syntax.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ModelPath       string
	ONNXLibraryPath string
	CountStore      string
	CountsPath      string
	BoltPath        string
	SQLitePath      string
	DatabaseDSN     string
	RedisAddr       string
	RedisKey        string
	LogLevel        string
	ShutdownTimeout time.Duration
	ClassifyTimeout time.Duration
	MaxUploadBytes  int64
}

// Load reads .env (if present) and then the process environment. Variables
// already set in the environment win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from environment variables and defaults only.
func FromEnv() *Config {
	return &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:        getEnv("GRPC_ADDR", ":9090"),
		ModelPath:       getEnv("MODEL_PATH", filepath.Join("models", "chapri_decent.onnx")),
		ONNXLibraryPath: os.Getenv("ONNXRUNTIME_LIB"),
		CountStore:      strings.ToLower(getEnv("COUNT_STORE", StoreFile)),
		CountsPath:      getEnv("COUNTS_PATH", filepath.Join("data", "counts.json")),
		BoltPath:        getEnv("BOLT_PATH", filepath.Join("data", "counts.db")),
		SQLitePath:      getEnv("SQLITE_PATH", filepath.Join("data", "counts.sqlite")),
		DatabaseDSN:     os.Getenv("DATABASE_DSN"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisKey:        getEnv("REDIS_KEY", "class_counts"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		ClassifyTimeout: getEnvAsDuration("CLASSIFY_TIMEOUT", 30*time.Second),
		MaxUploadBytes:  getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
	}
}

// Validate reports settings that would prevent startup.
func (c *Config) Validate() error {
	switch c.CountStore {
	case StoreFile, StoreRedis, StoreSQLite, StoreBolt:
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN is required when COUNT_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown COUNT_STORE %q", c.CountStore)
	}
	if c.ModelPath == "" {
		return errors.New("MODEL_PATH must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
