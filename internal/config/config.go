// Package config provides environment-aware configuration management
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all application configuration
type Config struct {
	// Environment
	Env Environment

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Database. Empty selects the in-memory store (development only).
	DatabaseURL      string
	DBMaxConnections int

	// Task queue. Empty RedisAddr selects the in-process pool.
	RedisAddr        string
	RedisDB          int
	QueueName        string
	QueueConcurrency int
	QueueRetryLimit  int

	// Credentials
	SecretKey string

	// Scheduler
	SchedulerEnabled bool
	CatchUpWindow    time.Duration

	// Metrics
	MetricsEnabled bool
	MetricsPort    int
}

// Load loads configuration based on the APPOS_ENV environment variable
func Load() (*Config, error) {
	envStr := os.Getenv("APPOS_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	env := Environment(strings.ToLower(envStr))
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid APPOS_ENV: %s (must be development, testing, or production)", envStr)
	}

	// Load environment-specific .env file
	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{
		Env: env,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	var err error

	// Logging
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")
	c.LogOutput = getEnv("LOG_OUTPUT", "stdout")

	// Database
	c.DatabaseURL = getEnv("DATABASE_URL", "")
	c.DBMaxConnections = getIntEnv("DB_MAX_CONNECTIONS", 20)

	// Queue
	c.RedisAddr = getEnv("REDIS_ADDR", "")
	c.RedisDB = getIntEnv("REDIS_DB", 0)
	c.QueueName = getEnv("QUEUE_NAME", "process_steps")
	c.QueueConcurrency = getIntEnv("QUEUE_CONCURRENCY", 4)
	c.QueueRetryLimit = getIntEnv("QUEUE_RETRY_LIMIT", 3)

	// Credentials
	c.SecretKey = getEnv("APPOS_SECRET_KEY", "")

	// Scheduler
	c.SchedulerEnabled = getBoolEnv("SCHEDULER_ENABLED", true)
	catchUp := getEnv("SCHEDULER_CATCHUP_WINDOW", "10m")
	c.CatchUpWindow, err = time.ParseDuration(catchUp)
	if err != nil {
		return fmt.Errorf("invalid SCHEDULER_CATCHUP_WINDOW: %w", err)
	}

	// Metrics
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == Production)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Env == Development
}

// IsTesting returns true if running in testing environment
func (c *Config) IsTesting() bool {
	return c.Env == Testing
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Env == Production
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1")
	}
	if c.CatchUpWindow <= 0 {
		return fmt.Errorf("SCHEDULER_CATCHUP_WINDOW must be positive")
	}
	if c.IsProduction() {
		// Production-specific validations
		if c.SecretKey == "" {
			return fmt.Errorf("APPOS_SECRET_KEY is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
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

func getBoolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
