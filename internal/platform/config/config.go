// Package config provides environment-aware configuration for the platform.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment identifies the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds every tunable of the identity & authorization core.
type Config struct {
	Env Environment

	// HTTP
	HTTPPort int

	// Database
	DatabaseURL      string
	DBMaxConnections int
	DBIdleTimeout    time.Duration

	// Redis (idempotency set, §4.6)
	RedisAddr string
	RedisDB   int

	// Sandbox Runtime (§4.1)
	SandboxMaxPoolSize   int
	SandboxMaxConcurrent int
	SandboxTTL           time.Duration
	SandboxTimeout       time.Duration
	SandboxMaxScriptSize int64

	// Pipeline Engine (§4.2)
	PipelineMaxChainDepth int

	// Credential Engine (§4.5)
	TokenIssuer          string
	TokenAudience        string
	TokenTTL             time.Duration
	JWKSRotationInterval time.Duration
	JWKSRetentionWindow  time.Duration

	// Webhook Fabric (§4.6)
	WebhookIdempotencyTTL time.Duration
	WebhookWorkerCount    int
	TraceRetentionWindow  time.Duration

	// Secrets Vault (§4.7)
	PlatformSecret string

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int
}

// Load reads configuration from APP_ENV-selected .env file plus the process
// environment, applying the same defaults the reference deployment ships.
func Load() (*Config, error) {
	envStr := os.Getenv("APP_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid APP_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var err error

	c.HTTPPort = getIntEnv("HTTP_PORT", 8080)

	c.DatabaseURL = getEnv("DATABASE_URL", "postgres://localhost:5432/authplatform?sslmode=disable")
	c.DBMaxConnections = getIntEnv("DB_MAX_CONNECTIONS", 20)
	if c.DBIdleTimeout, err = getDurationEnv("DB_IDLE_TIMEOUT", "5m"); err != nil {
		return err
	}

	c.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	c.RedisDB = getIntEnv("REDIS_DB", 0)

	c.SandboxMaxPoolSize = getIntEnv("SANDBOX_MAX_POOL_SIZE", 20)
	c.SandboxMaxConcurrent = getIntEnv("SANDBOX_MAX_CONCURRENT", 40)
	if c.SandboxTTL, err = getDurationEnv("SANDBOX_TTL", "5m"); err != nil {
		return err
	}
	if c.SandboxTimeout, err = getDurationEnv("SANDBOX_TIMEOUT_MS", "1s"); err != nil {
		return err
	}
	c.SandboxMaxScriptSize = int64(getIntEnv("SANDBOX_MAX_SCRIPT_SIZE_BYTES", 10*1024))

	c.PipelineMaxChainDepth = getIntEnv("PIPELINE_MAX_CHAIN_DEPTH", 10)

	c.TokenIssuer = getEnv("TOKEN_ISSUER", "authplatform")
	c.TokenAudience = getEnv("TOKEN_AUDIENCE", "authplatform-clients")
	if c.TokenTTL, err = getDurationEnv("TOKEN_TTL", "15m"); err != nil {
		return err
	}
	if c.JWKSRotationInterval, err = getDurationEnv("JWKS_ROTATION_INTERVAL", "720h"); err != nil { // 30d
		return err
	}
	if c.JWKSRetentionWindow, err = getDurationEnv("JWKS_RETENTION_WINDOW", "1440h"); err != nil { // 60d
		return err
	}

	if c.WebhookIdempotencyTTL, err = getDurationEnv("WEBHOOK_IDEMPOTENCY_TTL", "48h"); err != nil {
		return err
	}
	c.WebhookWorkerCount = getIntEnv("WEBHOOK_WORKER_COUNT", 8)
	if c.TraceRetentionWindow, err = getDurationEnv("TRACE_RETENTION_WINDOW", "168h"); err != nil { // 7d
		return err
	}

	c.PlatformSecret = getEnv("PLATFORM_SECRET", "")
	if c.PlatformSecret == "" && env == Production {
		return fmt.Errorf("PLATFORM_SECRET is required in production")
	}

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", env == Production)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate checks value ranges in every environment and adds production-only
// constraints, mirroring the reference deployment.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.PlatformSecret == "" {
			return fmt.Errorf("PLATFORM_SECRET must be set in production")
		}
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	if c.SandboxMaxConcurrent < c.SandboxMaxPoolSize {
		return fmt.Errorf("SANDBOX_MAX_CONCURRENT must be >= SANDBOX_MAX_POOL_SIZE")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			return iv
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if bv, err := strconv.ParseBool(v); err == nil {
			return bv
		}
	}
	return defaultValue
}

func getDurationEnv(key, defaultValue string) (time.Duration, error) {
	raw := getEnv(key, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
